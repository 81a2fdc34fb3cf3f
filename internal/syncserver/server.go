/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package syncserver is the sync boundary (C6): a local-network-only HTTP
// API that authenticates devices with MAC-signed bearer tokens and
// bridges their uploaded UHC packages into internal/ingest. No step in
// this package depends on internet reachability.
package syncserver

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/trrcms/core/internal/conflict"
	"github.com/trrcms/core/internal/ingest"
	"github.com/trrcms/core/internal/metrics"
	"github.com/trrcms/core/internal/validation"
	"github.com/trrcms/core/pkg/storage"
)

// APIVersion is reported by GET / and GET /discover.
const APIVersion = "1.0"

// Config controls the sync boundary's own behavior, separate from the
// ingest pipeline it wraps.
type Config struct {
	Port         string
	MaxBodyBytes int64
	AuthSecret   string
	TokenTTL     time.Duration
}

// Server is the sync boundary's HTTP handler plus the mDNS advertisement
// it owns for its own lifetime.
type Server struct {
	router    chi.Router
	pipeline  *ingest.Pipeline
	tokens    *TokenIssuer
	devices   *DeviceRegistry
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config
	mdns      *zeroconf.Server
}

// New wires a Server around pipeline. m may be nil to skip metrics.
func New(pipeline *ingest.Pipeline, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	issuer, err := NewTokenIssuer(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 100 * 1024 * 1024
	}

	s := &Server{
		pipeline: pipeline,
		tokens:   issuer,
		devices:  NewDeviceRegistry(),
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Use(metrics.InFlightRequests(s.metrics))
	r.Use(metrics.HTTPMetrics(s.metrics))

	r.Get("/", s.handleIndex)
	r.Get("/discover", s.handleDiscover)
	r.Post("/auth", s.handleAuth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/vocabularies", s.handleVocabularies)
		r.Get("/sync/status", s.handleSyncStatus)
		r.Post("/sync/upload", s.handleUpload)
		r.Post("/sync/complete", s.handleComplete)

		r.Get("/conflicts", s.handleConflictQueue)
		r.Post("/conflicts/{id}/assign", s.handleConflictAssign)
		r.Post("/conflicts/{id}/resolve", s.handleConflictResolve)
		r.Post("/conflicts/{id}/escalate", s.handleConflictEscalate)
		r.Post("/conflicts/{id}/defer", s.handleConflictDefer)
	})
	return r
}

// ServeHTTP lets *Server be used directly as an http.Handler (tests,
// httptest.NewServer).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the sync boundary on cfg.Port and attempts mDNS
// advertisement, returning once the listener stops or ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if port, err := net.LookupPort("tcp", s.cfg.Port); err == nil {
		s.mdns = advertise(port, APIVersion, s.logger)
	}
	defer func() {
		if s.mdns != nil {
			s.mdns.Shutdown()
		}
	}()

	srv := &http.Server{Addr: ":" + s.cfg.Port, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "trrcms-sync",
		"api_version": APIVersion,
		"endpoints": []string{
			"/", "/discover", "/auth", "/vocabularies", "/sync/status", "/sync/upload", "/sync/complete",
			"/conflicts", "/conflicts/{id}/assign", "/conflicts/{id}/resolve", "/conflicts/{id}/escalate", "/conflicts/{id}/defer",
		},
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"hostname":      hostname,
		"api_version":   APIVersion,
		"port":          s.cfg.Port,
		"requires_auth": true,
	})
}

type authRequest struct {
	DeviceID     string `json:"device_id"`
	DeviceSecret string `json:"device_secret"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if _, err := s.devices.Authenticate(req.DeviceID, req.DeviceSecret); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	token, expiresIn := s.tokens.Issue(req.DeviceID)
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_in": expiresIn})
}

type deviceIDKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		deviceID, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), deviceIDKey{}, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func deviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(deviceIDKey{}).(string)
	return v
}

func (s *Server) handleVocabularies(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for name, items := range validation.ControlledVocabularies() {
		out[name] = map[string]any{"version": "1.0.0", "items": items}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := deviceIDFromContext(r.Context())
	d, ok := s.devices.Get(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":    d.DeviceID,
		"last_sync_at": d.LastSyncAt,
		"last_status":  d.LastStatus,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	deviceID := deviceIDFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds the upload size limit")
		return
	}

	result, err := s.pipeline.Import(r.Context(), raw, deviceID)
	if err != nil {
		s.logger.Error("ingest import failed", zap.String("device_id", deviceID), zap.Error(err))
		s.devices.RecordSync(deviceID, "failed")
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}

	status := "staged"
	if result.Quarantined {
		status = "quarantined"
	}
	s.devices.RecordSync(deviceID, status)
	writeJSON(w, http.StatusOK, result)
}

type completeRequest struct {
	PackageID string `json:"package_id"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	deviceID := deviceIDFromContext(r.Context())
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PackageID == "" {
		writeError(w, http.StatusBadRequest, "package_id is required")
		return
	}

	result, err := s.pipeline.Commit(r.Context(), req.PackageID, deviceID)
	if err != nil {
		s.logger.Error("commit failed", zap.String("package_id", req.PackageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "commit failed")
		return
	}
	s.devices.RecordSync(deviceID, "committed")
	writeJSON(w, http.StatusOK, result)
}

// handleConflictQueue answers GET /conflicts?status=&priority=&type=&assignee=
// with the conflict review queue spec.md §4.5 describes — conflicts the
// ingest pipeline's Detect call raised against duplicate records, filtered
// and ready for a reviewer to Assign/Resolve/Escalate/Defer.
func (s *Server) handleConflictQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ConflictFilter{
		Status:   storage.ConflictStatus(q.Get("status")),
		Priority: storage.ConflictPriority(q.Get("priority")),
		Type:     storage.ConflictType(q.Get("type")),
		Assignee: q.Get("assignee"),
	}
	conflicts, err := s.pipeline.Conflicts().Queue(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type assignConflictRequest struct {
	Assignee string `json:"assignee"`
}

func (s *Server) handleConflictAssign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Assignee == "" {
		writeError(w, http.StatusBadRequest, "assignee is required")
		return
	}
	if err := s.pipeline.Conflicts().Assign(r.Context(), id, req.Assignee); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

type resolveConflictRequest struct {
	Action           string         `json:"action"`
	FieldResolutions map[string]any `json:"field_resolutions"`
	Notes            string         `json:"notes"`
}

func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deviceID := deviceIDFromContext(r.Context())
	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	action := conflict.ResolveAction(req.Action)
	if err := s.pipeline.Conflicts().Resolve(r.Context(), id, action, req.FieldResolutions, req.Notes, deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleConflictEscalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deviceID := deviceIDFromContext(r.Context())
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.pipeline.Conflicts().Escalate(r.Context(), id, req.Reason, deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
}

func (s *Server) handleConflictDefer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deviceID := deviceIDFromContext(r.Context())
	var req reasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.pipeline.Conflicts().Defer(r.Context(), id, req.Reason, deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deferred"})
}
