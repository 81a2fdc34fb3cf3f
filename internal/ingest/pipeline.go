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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trrcms/core/internal/audit"
	"github.com/trrcms/core/internal/conflict"
	trrerrors "github.com/trrcms/core/internal/errors"
	"github.com/trrcms/core/internal/validation"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
)

// Config is the subset of internal/config.Config the pipeline needs,
// kept narrow so tests don't have to build a full application config.
type Config struct {
	SupportedSchemaVersions []string
	VocabMajorMin           int
	VocabMajorMax           int
	StagingDir              string
	QuarantineDir           string
}

// ImportResult is returned by Import for both the happy path and every
// documented failure short of a panic. Success is the operator-facing
// verdict: true iff the package staged (or was an idempotent replay)
// with zero error-level issues.
type ImportResult struct {
	PackageID         string                `json:"package_id"`
	Success           bool                  `json:"success"`
	Status            storage.PackageStatus `json:"status"`
	RecordCounts      map[string]int        `json:"record_counts"`
	ValidationSummary map[string]int        `json:"validation_summary,omitempty"`
	Issues            []validation.Issue    `json:"issues,omitempty"`
	Quarantined       bool                  `json:"quarantined"`
}

func (r *ImportResult) addIssue(level validation.Level, field, code, message string) {
	r.Issues = append(r.Issues, validation.Issue{Level: level, Field: field, Code: code, Message: message})
}

// HasErrors reports whether any issue on the result is error-level.
func (r *ImportResult) HasErrors() bool {
	return validation.HasErrors(r.Issues)
}

// Pipeline wires the stages in spec.md §4.4 together: signature_check,
// manifest_parse, idempotency, schema_validate, vocab_check,
// extract_records, validate_records, detect_duplicates, staging, and
// (on a later, separate call) commit.
type Pipeline struct {
	store    storage.Store
	registry *validation.Registry
	cfg      Config
	audit    *audit.Recorder
	conflict *conflict.Engine
	logger   *zap.Logger
}

// New returns a Pipeline backed by store, validating per-record with
// registry, bounded by cfg's schema/vocab gates and staging directories.
// Every duplicate detect_duplicates turns up is also run through C5's
// conflict engine (field-diff, classify, auto-resolve) using store's
// default resolution policies, so the review queue spec.md §4.5 describes
// is populated during ingest rather than only by direct callers.
func New(store storage.Store, registry *validation.Registry, cfg Config, logger *zap.Logger) *Pipeline {
	engine := conflict.New(store, store, conflict.DefaultPolicies(), store, logger)
	return &Pipeline{store: store, registry: registry, cfg: cfg, audit: audit.New(store, logger), conflict: engine, logger: logger}
}

// Conflicts exposes the pipeline's conflict engine so callers at the sync
// boundary (or the CLI) can drive the review queue spec.md §4.5 describes:
// Assign, Resolve, Escalate, and Defer against conflicts Detect populated
// during ingest.
func (p *Pipeline) Conflicts() *conflict.Engine {
	return p.conflict
}

func (p *Pipeline) quarantine(ctx context.Context, raw []byte, packageID, reason, actor string) {
	if p.cfg.QuarantineDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.QuarantineDir, 0o755); err != nil {
		p.logger.Error("failed to create quarantine directory", zap.Error(err))
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("%s_%s.uhc", stamp, packageID)
	path := filepath.Join(p.cfg.QuarantineDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		p.logger.Error("failed to write quarantined package", zap.Error(err))
	}
	reasonPath := path + ".reason.txt"
	_ = os.WriteFile(reasonPath, []byte(reason), 0o644)

	_ = p.audit.Record(ctx, storage.AuditEntry{
		TargetID: packageID, Action: "quarantined", NewStatus: string(storage.PackageQuarantined),
		Details: map[string]any{"reason": reason}, Actor: actor, Timestamp: time.Now().UTC(),
	})
}

func parseMajor(version string) (int, error) {
	parts := strings.SplitN(version, ".", 2)
	return strconv.Atoi(parts[0])
}

// Import runs every stage up to and including staging. raw is the whole
// package file exactly as received (e.g. over POST /sync/upload); the
// manifest's checksum field is re-verified against the archive's data
// stream here rather than trusted blindly.
func (p *Pipeline) Import(ctx context.Context, raw []byte, actor string) (*ImportResult, error) {
	result := &ImportResult{RecordCounts: map[string]int{}}

	manifest, zr, err := ParseManifest(raw)
	if err != nil {
		p.quarantine(ctx, raw, "unknown", err.Error(), actor)
		result.Quarantined = true
		result.Status = storage.PackageFailed
		result.addIssue(validation.LevelError, "manifest", "MANIFEST_PARSE_FAILED", err.Error())
		return result, nil
	}
	result.PackageID = manifest.PackageID

	if !VerifyChecksum(zr, manifest.Checksum) {
		reason := "checksum/signature mismatch: computed data-stream SHA-256 does not match the manifest checksum"
		p.quarantine(ctx, raw, manifest.PackageID, reason, actor)
		result.Quarantined = true
		result.Status = storage.PackageFailed
		result.addIssue(validation.LevelError, "checksum", "CHECKSUM_MISMATCH", reason)
		return result, nil
	}

	if existing, err := p.store.GetPackage(ctx, manifest.PackageID); err == nil && existing != nil {
		result.Success = true
		result.Status = existing.Status
		result.ValidationSummary = map[string]int{"skipped": 1}
		_ = p.audit.Record(ctx, storage.AuditEntry{
			TargetID: manifest.PackageID, Action: "DUPLICATE_PACKAGE", OldStatus: string(existing.Status),
			NewStatus: string(existing.Status), Actor: actor, Timestamp: time.Now().UTC(),
		})
		return result, nil
	}

	schemaKnown := false
	for _, v := range p.cfg.SupportedSchemaVersions {
		if v == manifest.SchemaVersion {
			schemaKnown = true
			break
		}
	}
	if !schemaKnown {
		result.addIssue(validation.LevelWarning, "schema_version", "UNKNOWN_SCHEMA_VERSION",
			fmt.Sprintf("schema_version %q is not in the supported set", manifest.SchemaVersion))
	}

	for name, version := range manifest.VocabVersions {
		major, err := parseMajor(version)
		if err != nil {
			result.addIssue(validation.LevelWarning, "vocab_versions."+name, "VOCAB_VERSION_UNPARSEABLE",
				fmt.Sprintf("vocabulary version %q is not parseable", version))
			continue
		}
		if major < p.cfg.VocabMajorMin || major > p.cfg.VocabMajorMax {
			result.addIssue(validation.LevelError, "vocab_versions."+name, "VOCAB_MAJOR_MISMATCH",
				fmt.Sprintf("vocabulary %q major version %d outside supported range [%d,%d]", name, major, p.cfg.VocabMajorMin, p.cfg.VocabMajorMax))
		}
	}
	if result.HasErrors() {
		var reasons []string
		for _, iss := range result.Issues {
			if iss.Level == validation.LevelError {
				reasons = append(reasons, iss.Message)
			}
		}
		p.quarantine(ctx, raw, manifest.PackageID, strings.Join(reasons, "; "), actor)
		result.Quarantined = true
		result.Status = storage.PackageQuarantined
		return result, nil
	}

	extracted, err := ExtractRecords(zr)
	if err != nil {
		p.quarantine(ctx, raw, manifest.PackageID, err.Error(), actor)
		result.Quarantined = true
		result.Status = storage.PackageFailed
		result.addIssue(validation.LevelError, "records", "EXTRACT_FAILED", err.Error())
		return result, nil
	}

	staged, err := p.validateAndStage(ctx, manifest, extracted)
	if err != nil {
		return nil, err
	}

	if err := p.writeStaging(ctx, raw, manifest, staged, actor); err != nil {
		return nil, err
	}

	summary := map[string]int{}
	for _, s := range staged {
		result.RecordCounts[string(s.EntityKind)]++
		if s.IsValid {
			summary["valid"]++
		} else {
			summary["invalid"]++
		}
		if s.IsDuplicate {
			summary["duplicates"]++
		}
		for _, row := range s.Issues {
			result.Issues = append(result.Issues, validation.Issue{
				Level: validation.Level(row.Level), EntityKind: row.EntityKind, SourceID: row.SourceID,
				Field: row.Field, Code: row.Code, Message: row.Message,
			})
		}
	}
	result.ValidationSummary = summary
	result.Status = storage.PackageStaging
	result.Success = !result.HasErrors()
	return result, nil
}

// validateAndStage runs C3 per record, then the cross-entity checks, then
// exact-ID duplicate detection, returning one StagedRecord per extracted
// record across every kind.
func (p *Pipeline) validateAndStage(ctx context.Context, manifest *Manifest, extracted map[models.EntityKind][]map[string]any) ([]*storage.StagedRecord, error) {
	buildingIDs := make(map[string]bool)
	for _, raw := range extracted[models.EntityBuilding] {
		if id, ok := raw["building_id"].(string); ok {
			buildingIDs[id] = true
		}
	}
	personIDs := make(map[string]bool)
	for _, raw := range extracted[models.EntityPerson] {
		if id, ok := raw["source_id"].(string); ok {
			personIDs[id] = true
		}
	}

	var units []*models.PropertyUnit
	var relations []*models.PersonUnitRelation
	decoded := make(map[models.EntityKind][]any)
	for _, kind := range models.AllEntityKinds {
		for _, raw := range extracted[kind] {
			rec, err := decodeRecord(kind, raw)
			if err != nil {
				return nil, trrerrors.Wrapf(err, trrerrors.ErrorTypeValidation, "failed to decode %s record", kind)
			}
			decoded[kind] = append(decoded[kind], rec)
			switch kind {
			case models.EntityPropertyUnit:
				units = append(units, rec.(*models.PropertyUnit))
			case models.EntityPersonUnitRelation:
				relations = append(relations, rec.(*models.PersonUnitRelation))
			}
		}
	}
	crossIssues := validation.CrossEntityCheck(units, buildingIDs, relations, personIDs)
	crossBySource := make(map[string][]validation.Issue)
	for _, iss := range crossIssues {
		crossBySource[iss.SourceID] = append(crossBySource[iss.SourceID], iss)
	}

	var staged []*storage.StagedRecord
	for _, kind := range models.AllEntityKinds {
		records := extracted[kind]
		for i, raw := range records {
			rec := decoded[kind][i]
			issues := p.registry.Validate(kind, rec)
			sourceID := sourceIDOf(kind, raw)
			issues = append(issues, crossBySource[sourceID]...)

			isDuplicate, duplicateOf, score, existing := p.detectDuplicate(ctx, kind, raw)

			s := &storage.StagedRecord{
				StagingID:      uuid.NewString(),
				PackageID:      manifest.PackageID,
				EntityKind:     kind,
				SourceID:       sourceID,
				Payload:        raw,
				IsValid:        !validation.HasErrors(issues),
				Issues:         toIssueRows(issues),
				IsDuplicate:    isDuplicate,
				DuplicateOf:    duplicateOf,
				DuplicateScore: score,
			}
			staged = append(staged, s)

			if isDuplicate {
				if _, err := p.conflict.Detect(ctx, uuid.NewString(), kind, raw, existing, manifest.PackageID, score); err != nil {
					p.logger.Error("failed to record conflict for duplicate record",
						zap.String("package_id", manifest.PackageID), zap.String("source_id", sourceID), zap.Error(err))
				}
			}
		}
	}
	return staged, nil
}

// detectDuplicate applies the exact-match baseline: persons by national_id,
// buildings by building_id. Other kinds have no required baseline rule and
// are never flagged here. When a duplicate is found, the existing committed
// record is also returned as a map so the caller can feed it straight into
// the conflict engine's Detect alongside the incoming raw record.
func (p *Pipeline) detectDuplicate(ctx context.Context, kind models.EntityKind, raw map[string]any) (bool, string, float64, map[string]any) {
	switch kind {
	case models.EntityPerson:
		nationalID, _ := raw["national_id"].(string)
		if nationalID == "" {
			return false, "", 0, nil
		}
		existing, err := p.store.GetPersonByNationalID(ctx, nationalID)
		if err != nil || existing == nil {
			return false, "", 0, nil
		}
		return true, existing.SourceID, 1.0, entityToMap(existing)
	case models.EntityBuilding:
		id, _ := raw["building_id"].(string)
		if id == "" {
			return false, "", 0, nil
		}
		if existing, err := p.store.GetBuilding(ctx, id); err == nil && existing != nil {
			return true, existing.BuildingID, 1.0, entityToMap(existing)
		}
		return false, "", 0, nil
	default:
		return false, "", 0, nil
	}
}

// entityToMap round-trips a typed committed-store record through JSON to
// produce the map[string]any shape the conflict engine's field-diff expects.
// Any marshal failure (never expected for these plain struct types) yields
// an empty map rather than a panic.
func entityToMap(entity any) map[string]any {
	buf, err := json.Marshal(entity)
	if err != nil {
		return map[string]any{}
	}
	m := map[string]any{}
	if err := json.Unmarshal(buf, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func toIssueRows(issues []validation.Issue) []storage.ValidationIssueRow {
	out := make([]storage.ValidationIssueRow, 0, len(issues))
	for _, iss := range issues {
		out = append(out, storage.ValidationIssueRow{
			Level: string(iss.Level), EntityKind: iss.EntityKind, SourceID: iss.SourceID,
			Field: iss.Field, Code: iss.Code, Message: iss.Message,
		})
	}
	return out
}

// writeStaging persists the package row and staged records, and copies
// the original file into the staging directory as <package_id>.uhc.
func (p *Pipeline) writeStaging(ctx context.Context, raw []byte, manifest *Manifest, staged []*storage.StagedRecord, actor string) error {
	counts := map[string]int{}
	for _, s := range staged {
		counts[string(s.EntityKind)]++
	}
	pkg := &storage.Package{
		PackageID:         manifest.PackageID,
		SchemaVersion:     manifest.SchemaVersion,
		VocabVersions:     manifest.VocabVersions,
		AppVersion:        manifest.AppVersion,
		DeviceID:          manifest.DeviceID,
		CreatedUTC:        manifest.CreatedUTC,
		Checksum:          manifest.Checksum,
		Signature:         manifest.Signature,
		RecordCounts:      counts,
		Status:            storage.PackageStaging,
		FormSchemaVersion: manifest.FormSchemaVersion,
	}
	if err := p.store.CreatePackage(ctx, pkg); err != nil {
		return err
	}
	if len(staged) > 0 {
		if err := p.store.CreateStagedRecords(ctx, staged); err != nil {
			return err
		}
	}
	if p.cfg.StagingDir != "" {
		if err := os.MkdirAll(p.cfg.StagingDir, 0o755); err != nil {
			return trrerrors.Wrapf(err, trrerrors.ErrorTypeInternal, "failed to create staging directory")
		}
		path := filepath.Join(p.cfg.StagingDir, manifest.PackageID+".uhc")
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return trrerrors.Wrapf(err, trrerrors.ErrorTypeInternal, "failed to write staged package file")
		}
	}
	return p.audit.Record(ctx, storage.AuditEntry{
		TargetID: manifest.PackageID, Action: "staged", NewStatus: string(storage.PackageStaging),
		Details: map[string]any{"record_counts": counts}, Actor: actor, Timestamp: time.Now().UTC(),
	})
}

// CommitResult reports the outcome of Commit.
type CommitResult struct {
	Committed int
	Failed    int
	Status    storage.PackageStatus
}

// Commit writes every valid, non-conflicting staged record for packageID
// into the committed store. Per spec, the package's status becomes
// "committed" iff zero per-record errors occurred; otherwise it remains
// "staging" with the committed subset recorded. A storage error on an
// individual record is recorded and the loop continues to the next
// record — the commit is atomic from the operator's perspective in that
// no record is left half-written, but one record's failure does not
// block independent records in the same package.
func (p *Pipeline) Commit(ctx context.Context, packageID, actor string) (*CommitResult, error) {
	records, err := p.store.ListStagedRecords(ctx, packageID)
	if err != nil {
		return nil, err
	}

	// Buildings commit before units, units before relations, and so on,
	// so forward-only inserts always find their referents.
	kindRank := make(map[models.EntityKind]int, len(models.AllEntityKinds))
	for i, kind := range models.AllEntityKinds {
		kindRank[kind] = i
	}
	sort.SliceStable(records, func(i, j int) bool {
		return kindRank[records[i].EntityKind] < kindRank[records[j].EntityKind]
	})

	result := &CommitResult{}
	for _, rec := range records {
		if !rec.IsValid {
			continue
		}
		if rec.IsDuplicate && rec.Resolution != "keep_new" {
			continue
		}

		committedID, err := p.commitOne(ctx, rec)
		if err != nil {
			result.Failed++
			p.logger.Error("failed to commit staged record",
				zap.String("package_id", packageID), zap.String("staging_id", rec.StagingID), zap.Error(err))
			continue
		}
		if err := p.store.MarkRecordCommitted(ctx, rec.StagingID, committedID); err != nil {
			result.Failed++
			continue
		}
		result.Committed++
	}

	result.Status = storage.PackageCommitted
	if result.Failed > 0 {
		result.Status = storage.PackageStaging
	}
	if err := p.store.UpdatePackageStatus(ctx, packageID, result.Status); err != nil {
		return nil, err
	}
	_ = p.audit.Record(ctx, storage.AuditEntry{
		TargetID: packageID, Action: "commit", NewStatus: string(result.Status),
		Details: map[string]any{"committed": result.Committed, "failed": result.Failed},
		Actor:   actor, Timestamp: time.Now().UTC(),
	})
	return result, nil
}

func (p *Pipeline) commitOne(ctx context.Context, rec *storage.StagedRecord) (string, error) {
	payload, ok := rec.Payload.(map[string]any)
	if !ok {
		return "", trrerrors.New(trrerrors.ErrorTypeInternal, "staged payload is not a decodable record")
	}
	typed, err := decodeRecord(rec.EntityKind, payload)
	if err != nil {
		return "", err
	}

	switch rec.EntityKind {
	case models.EntityBuilding:
		b := typed.(*models.Building)
		return b.BuildingID, p.store.UpsertBuilding(ctx, b)
	case models.EntityPropertyUnit:
		u := typed.(*models.PropertyUnit)
		return u.UnitID, p.store.UpsertPropertyUnit(ctx, u)
	case models.EntityPerson:
		person := typed.(*models.Person)
		if person.SourceID == "" {
			person.SourceID = uuid.NewString()
		}
		return person.SourceID, p.store.UpsertPerson(ctx, person)
	case models.EntityHousehold:
		h := typed.(*models.Household)
		if h.SourceID == "" {
			h.SourceID = uuid.NewString()
		}
		return h.SourceID, p.store.UpsertHousehold(ctx, h)
	case models.EntityPersonUnitRelation:
		r := typed.(*models.PersonUnitRelation)
		if r.SourceID == "" {
			r.SourceID = uuid.NewString()
		}
		return r.SourceID, p.store.UpsertPersonUnitRelation(ctx, r)
	case models.EntityDocument:
		d := typed.(*models.Document)
		if d.ContentHash != "" {
			if existing, err := p.store.GetDocumentByHash(ctx, d.ContentHash); err == nil && existing != nil {
				return existing.SourceID, nil
			}
		}
		if d.SourceID == "" {
			d.SourceID = uuid.NewString()
		}
		return d.SourceID, p.store.UpsertDocument(ctx, d)
	case models.EntityEvidence:
		e := typed.(*models.Evidence)
		if e.SourceID == "" {
			e.SourceID = uuid.NewString()
		}
		return e.SourceID, p.store.UpsertEvidence(ctx, e)
	case models.EntityClaim:
		c := typed.(*models.Claim)
		year := time.Now().UTC().Year()
		seq, err := p.store.NextClaimSequence(ctx, year)
		if err != nil {
			return "", err
		}
		c.ClaimID = fmt.Sprintf("CL-%d-%06d", year, seq)
		return c.ClaimID, p.store.UpsertClaim(ctx, c)
	default:
		return "", trrerrors.Newf(trrerrors.ErrorTypeInternal, "unhandled entity kind %q", rec.EntityKind)
	}
}
