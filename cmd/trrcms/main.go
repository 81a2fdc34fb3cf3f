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

// Command trrcms is the administrative entrypoint for the core: an
// "ingest" subcommand that runs one import synchronously (see spec.md
// §6.4) and a "serve" subcommand that starts the sync boundary (C6)
// plus the metrics HTTP server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/trrcms/core/internal/config"
	"github.com/trrcms/core/internal/ingest"
	"github.com/trrcms/core/internal/metrics"
	"github.com/trrcms/core/internal/syncserver"
	"github.com/trrcms/core/internal/validation"
	"github.com/trrcms/core/pkg/storage"
	"github.com/trrcms/core/pkg/storage/memory"
	"github.com/trrcms/core/pkg/storage/postgres"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: trrcms <ingest|serve> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ingest":
		err = runIngest(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.Format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		db, err := sqlx.Connect("pgx", cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return postgres.New(db, logger), nil
	default:
		return memory.New(), nil
	}
}

func newPipeline(cfg *config.Config, store storage.Store, logger *zap.Logger) *ingest.Pipeline {
	region := validation.RegionBounds{
		MinLat: cfg.Validation.RegionMinLat, MinLng: cfg.Validation.RegionMinLng,
		MaxLat: cfg.Validation.RegionMaxLat, MaxLng: cfg.Validation.RegionMaxLng,
	}
	registry := validation.NewRegistry(region)
	return ingest.New(store, registry, ingest.Config{
		SupportedSchemaVersions: cfg.Ingest.SupportedSchemaVersions,
		VocabMajorMin:           cfg.Ingest.VocabMajorMin,
		VocabMajorMax:           cfg.Ingest.VocabMajorMax,
		StagingDir:              cfg.Staging.Dir,
		QuarantineDir:           cfg.Staging.QuarantineDir,
	}, logger)
}

// runIngest implements `trrcms ingest --file <path> --as <user>`: a
// synchronous full import whose ImportResult is printed as JSON. Exit 0
// on success, 1 if the package was staged with validation errors, 2 on a
// fatal failure before that point (including a quarantined package).
func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "path to a UHC package file")
	as := fs.String("as", "cli", "actor name recorded against audit entries")
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	pipeline := newPipeline(cfg, store, logger)

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()
	result, err := pipeline.Import(ctx, raw, *as)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	encoded, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(encoded))

	if result.Quarantined {
		os.Exit(2)
	}
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

// runServe implements `trrcms serve`: the sync boundary and the metrics
// HTTP server, both running until SIGINT/SIGTERM.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfigOrDefaults(*configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	pipeline := newPipeline(cfg, store, logger)

	m := metrics.NewMetrics()

	srv, err := syncserver.New(pipeline, syncserver.Config{
		Port:         cfg.Server.SyncPort,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		AuthSecret:   cfg.Ingest.AuthSecret,
		TokenTTL:     cfg.Ingest.TokenTTL,
	}, m, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsSrv := newMetricsServer(cfg.Server.MetricsPort)
	go metricsSrv.run(ctx, logger)

	logger.Info("starting sync boundary", zap.String("port", cfg.Server.SyncPort))
	return srv.ListenAndServe(ctx)
}

// metricsServer is a bare HTTP server exposing GET /metrics, run alongside
// the sync boundary for as long as the process lives.
type metricsServer struct {
	addr string
	srv  *http.Server
}

func newMetricsServer(port string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	addr := ":" + port
	return &metricsServer{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

func (m *metricsServer) run(ctx context.Context, logger *zap.Logger) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.srv.Shutdown(shutdownCtx)
	}()
	logger.Info("starting metrics server", zap.String("addr", m.addr))
	if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

func loadConfigOrDefaults(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(os.DevNull)
	}
	return config.Load(path)
}
