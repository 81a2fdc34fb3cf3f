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

// Package postgres implements pkg/storage.Store on top of a pgx/sqlx
// connection pool. Every write goes through a sony/gobreaker circuit
// breaker so a run of failed commits (a stuck connection, a down replica)
// trips the breaker and fails fast instead of piling up blocked
// transactions against the row-level locks NextClaimSequence takes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	trrerrors "github.com/trrcms/core/internal/errors"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
	"github.com/trrcms/core/pkg/storage/sqlutil"
)

const uniqueViolation = "23505"

// Store is a postgres-backed storage.Store.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	cb     *gobreaker.CircuitBreaker
}

// New wraps an already-open *sqlx.DB. The caller owns the connection
// pool's lifetime (SetMaxOpenConns, Close, and so on).
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres-store",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Store{db: db, logger: logger, cb: cb}
}

func (s *Store) breaker(ctx context.Context, op string, fn func() error) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		s.logger.Warn("postgres operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func mapError(resource string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trrerrors.NewNotFoundError(resource)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return trrerrors.NewConflictError("duplicate " + resource)
	}
	return trrerrors.NewDatabaseError(resource, err)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return trrerrors.Wrapf(err, trrerrors.ErrorTypeDatabase, "health check failed")
	}
	return nil
}

func (s *Store) GetBuilding(ctx context.Context, buildingID string) (*models.Building, error) {
	var row buildingRow
	err := s.breaker(ctx, "get_building", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM buildings WHERE building_id = $1`, buildingID)
	})
	if err != nil {
		return nil, mapError("building", err)
	}
	return row.toModel(), nil
}

func (s *Store) UpsertBuilding(ctx context.Context, b *models.Building) error {
	row := fromBuildingModel(b)
	return s.breaker(ctx, "upsert_building", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO buildings (building_id, governorate, district, subdistrict, community,
				neighborhood, sequence, type, status, floor_count, unit_count, latitude, longitude, polygon_wkt)
			VALUES (:building_id, :governorate, :district, :subdistrict, :community,
				:neighborhood, :sequence, :type, :status, :floor_count, :unit_count, :latitude, :longitude, :polygon_wkt)
			ON CONFLICT (building_id) DO UPDATE SET
				governorate = EXCLUDED.governorate, district = EXCLUDED.district,
				subdistrict = EXCLUDED.subdistrict, community = EXCLUDED.community,
				neighborhood = EXCLUDED.neighborhood, sequence = EXCLUDED.sequence,
				type = EXCLUDED.type, status = EXCLUDED.status, floor_count = EXCLUDED.floor_count,
				unit_count = EXCLUDED.unit_count, latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude, polygon_wkt = EXCLUDED.polygon_wkt
		`, row)
		return mapError("building", err)
	})
}

func (s *Store) ListBuildingsByAdminCode(ctx context.Context, prefix string, limit int) ([]*models.Building, error) {
	var rows []buildingRow
	err := s.breaker(ctx, "list_buildings", func() error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT * FROM buildings WHERE building_id LIKE $1 || '%' LIMIT $2`, prefix, limit)
	})
	if err != nil {
		return nil, mapError("building", err)
	}
	out := make([]*models.Building, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) GetPropertyUnit(ctx context.Context, unitID string) (*models.PropertyUnit, error) {
	var u models.PropertyUnit
	err := s.breaker(ctx, "get_property_unit", func() error {
		return s.db.GetContext(ctx, &u, `SELECT * FROM property_units WHERE unit_id = $1`, unitID)
	})
	if err != nil {
		return nil, mapError("property_unit", err)
	}
	return &u, nil
}

func (s *Store) UpsertPropertyUnit(ctx context.Context, u *models.PropertyUnit) error {
	return s.breaker(ctx, "upsert_property_unit", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO property_units (unit_id, building_id, floor, number, type, description)
			VALUES (:unit_id, :building_id, :floor, :number, :type, :description)
			ON CONFLICT (unit_id) DO UPDATE SET building_id = EXCLUDED.building_id,
				floor = EXCLUDED.floor, number = EXCLUDED.number, type = EXCLUDED.type,
				description = EXCLUDED.description
		`, u)
		return mapError("property_unit", err)
	})
}

func (s *Store) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	var row personRow
	err := s.breaker(ctx, "get_person", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM persons WHERE source_id = $1`, id)
	})
	if err != nil {
		return nil, mapError("person", err)
	}
	return row.toModel(), nil
}

func (s *Store) GetPersonByNationalID(ctx context.Context, nationalID string) (*models.Person, error) {
	var row personRow
	err := s.breaker(ctx, "get_person_by_national_id", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM persons WHERE national_id = $1`, nationalID)
	})
	if err != nil {
		return nil, mapError("person", err)
	}
	return row.toModel(), nil
}

func (s *Store) UpsertPerson(ctx context.Context, p *models.Person) error {
	row := fromPersonModel(p)
	return s.breaker(ctx, "upsert_person", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO persons (source_id, national_id, first_name, last_name, phone_number,
				gender, year_of_birth, is_contact)
			VALUES (:source_id, :national_id, :first_name, :last_name, :phone_number,
				:gender, :year_of_birth, :is_contact)
			ON CONFLICT (source_id) DO UPDATE SET national_id = EXCLUDED.national_id,
				first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
				phone_number = EXCLUDED.phone_number, gender = EXCLUDED.gender,
				year_of_birth = EXCLUDED.year_of_birth, is_contact = EXCLUDED.is_contact
		`, row)
		return mapError("person", err)
	})
}

func (s *Store) GetHousehold(ctx context.Context, id string) (*models.Household, error) {
	var h models.Household
	err := s.breaker(ctx, "get_household", func() error {
		return s.db.GetContext(ctx, &h, `SELECT * FROM households WHERE source_id = $1`, id)
	})
	if err != nil {
		return nil, mapError("household", err)
	}
	return &h, nil
}

func (s *Store) UpsertHousehold(ctx context.Context, h *models.Household) error {
	return s.breaker(ctx, "upsert_household", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO households (source_id, property_unit_id, occupancy_size, male_count, female_count)
			VALUES (:source_id, :property_unit_id, :occupancy_size, :male_count, :female_count)
			ON CONFLICT (source_id) DO UPDATE SET property_unit_id = EXCLUDED.property_unit_id,
				occupancy_size = EXCLUDED.occupancy_size, male_count = EXCLUDED.male_count,
				female_count = EXCLUDED.female_count
		`, h)
		return mapError("household", err)
	})
}

func (s *Store) GetPersonUnitRelation(ctx context.Context, id string) (*models.PersonUnitRelation, error) {
	var r models.PersonUnitRelation
	err := s.breaker(ctx, "get_relation", func() error {
		return s.db.GetContext(ctx, &r, `SELECT * FROM person_unit_relations WHERE source_id = $1`, id)
	})
	if err != nil {
		return nil, mapError("person_unit_relation", err)
	}
	return &r, nil
}

func (s *Store) UpsertPersonUnitRelation(ctx context.Context, r *models.PersonUnitRelation) error {
	return s.breaker(ctx, "upsert_relation", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO person_unit_relations (source_id, person_id, property_unit_id, relation_type, ownership_share)
			VALUES (:source_id, :person_id, :property_unit_id, :relation_type, :ownership_share)
			ON CONFLICT (source_id) DO UPDATE SET person_id = EXCLUDED.person_id,
				property_unit_id = EXCLUDED.property_unit_id, relation_type = EXCLUDED.relation_type,
				ownership_share = EXCLUDED.ownership_share
		`, r)
		return mapError("person_unit_relation", err)
	})
}

func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error) {
	var d models.Document
	err := s.breaker(ctx, "get_document_by_hash", func() error {
		return s.db.GetContext(ctx, &d, `SELECT * FROM documents WHERE content_hash = $1`, hash)
	})
	if err != nil {
		return nil, mapError("document", err)
	}
	return &d, nil
}

func (s *Store) UpsertDocument(ctx context.Context, d *models.Document) error {
	return s.breaker(ctx, "upsert_document", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO documents (source_id, document_type, issue_date, number, verified, content_hash)
			VALUES (:source_id, :document_type, :issue_date, :number, :verified, :content_hash)
			ON CONFLICT (source_id) DO UPDATE SET document_type = EXCLUDED.document_type,
				issue_date = EXCLUDED.issue_date, number = EXCLUDED.number,
				verified = EXCLUDED.verified, content_hash = EXCLUDED.content_hash
		`, d)
		return mapError("document", err)
	})
}

func (s *Store) GetEvidence(ctx context.Context, id string) (*models.Evidence, error) {
	var e models.Evidence
	err := s.breaker(ctx, "get_evidence", func() error {
		return s.db.GetContext(ctx, &e, `SELECT * FROM evidence WHERE source_id = $1`, id)
	})
	if err != nil {
		return nil, mapError("evidence", err)
	}
	return &e, nil
}

func (s *Store) UpsertEvidence(ctx context.Context, e *models.Evidence) error {
	return s.breaker(ctx, "upsert_evidence", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO evidence (source_id, person_unit_relation_id, document_id, description)
			VALUES (:source_id, :person_unit_relation_id, :document_id, :description)
			ON CONFLICT (source_id) DO UPDATE SET person_unit_relation_id = EXCLUDED.person_unit_relation_id,
				document_id = EXCLUDED.document_id, description = EXCLUDED.description
		`, e)
		return mapError("evidence", err)
	})
}

func (s *Store) GetClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	var c models.Claim
	err := s.breaker(ctx, "get_claim", func() error {
		return s.db.GetContext(ctx, &c, `SELECT * FROM claims WHERE claim_id = $1`, claimID)
	})
	if err != nil {
		return nil, mapError("claim", err)
	}
	return &c, nil
}

func (s *Store) UpsertClaim(ctx context.Context, c *models.Claim) error {
	return s.breaker(ctx, "upsert_claim", func() error {
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO claims (claim_id, source_id, building_id, unit_id, claimant_id, type,
				case_status, source, submitted_utc)
			VALUES (:claim_id, :source_id, :building_id, :unit_id, :claimant_id, :type,
				:case_status, :source, :submitted_utc)
			ON CONFLICT (claim_id) DO UPDATE SET case_status = EXCLUDED.case_status,
				source = EXCLUDED.source
		`, c)
		return mapError("claim", err)
	})
}

// NextClaimSequence locks the per-year counter row with SELECT ... FOR
// UPDATE inside its own transaction so concurrent commits in the same
// year never hand out the same claim ID.
func (s *Store) NextClaimSequence(ctx context.Context, year int) (int, error) {
	var next int
	err := s.breaker(ctx, "next_claim_sequence", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var current int
		err = tx.GetContext(ctx, &current, `
			SELECT counter FROM claim_sequences WHERE year = $1 FOR UPDATE`, year)
		if errors.Is(err, sql.ErrNoRows) {
			current = 0
			_, err = tx.ExecContext(ctx,
				`INSERT INTO claim_sequences (year, counter) VALUES ($1, 0)`, year)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		next = current + 1
		if _, err := tx.ExecContext(ctx,
			`UPDATE claim_sequences SET counter = $1 WHERE year = $2`, next, year); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, mapError("claim_sequence", err)
	}
	return next, nil
}

func (s *Store) AllBuildingRefs(ctx context.Context) ([]models.BuildingRef, error) {
	var refs []models.BuildingRef
	err := s.breaker(ctx, "all_building_refs", func() error {
		return s.db.SelectContext(ctx, &refs, `
			SELECT building_id, latitude, longitude FROM buildings
			WHERE latitude IS NOT NULL AND longitude IS NOT NULL`)
	})
	if err != nil {
		return nil, mapError("building", err)
	}
	return refs, nil
}

// packageRow is the wire shape of storage.Package, with JSON columns for
// the two maps sqlx cannot scan directly.
type packageRow struct {
	PackageID         string    `db:"package_id"`
	SchemaVersion     string    `db:"schema_version"`
	VocabVersionsJSON []byte    `db:"vocab_versions"`
	AppVersion        string    `db:"app_version"`
	DeviceID          string    `db:"device_id"`
	CreatedUTC        time.Time `db:"created_utc"`
	Checksum          string    `db:"checksum"`
	Signature         string    `db:"signature"`
	RecordCountsJSON  []byte    `db:"record_counts"`
	Status            string    `db:"status"`
	FormSchemaVersion string    `db:"form_schema_version"`
}

func (s *Store) GetPackage(ctx context.Context, packageID string) (*storage.Package, error) {
	var row packageRow
	err := s.breaker(ctx, "get_package", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM packages WHERE package_id = $1`, packageID)
	})
	if err != nil {
		return nil, mapError("package", err)
	}
	p := &storage.Package{
		PackageID:         row.PackageID,
		SchemaVersion:     row.SchemaVersion,
		AppVersion:        row.AppVersion,
		DeviceID:          row.DeviceID,
		CreatedUTC:        row.CreatedUTC,
		Checksum:          row.Checksum,
		Signature:         row.Signature,
		Status:            storage.PackageStatus(row.Status),
		FormSchemaVersion: row.FormSchemaVersion,
	}
	_ = json.Unmarshal(row.VocabVersionsJSON, &p.VocabVersions)
	_ = json.Unmarshal(row.RecordCountsJSON, &p.RecordCounts)
	return p, nil
}

func (s *Store) CreatePackage(ctx context.Context, p *storage.Package) error {
	vocabJSON, err := json.Marshal(p.VocabVersions)
	if err != nil {
		return trrerrors.Wrapf(err, trrerrors.ErrorTypeValidation, "failed to encode vocab_versions")
	}
	countsJSON, err := json.Marshal(p.RecordCounts)
	if err != nil {
		return trrerrors.Wrapf(err, trrerrors.ErrorTypeValidation, "failed to encode record_counts")
	}
	return s.breaker(ctx, "create_package", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO packages (package_id, schema_version, vocab_versions, app_version, device_id,
				created_utc, checksum, signature, record_counts, status, form_schema_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, p.PackageID, p.SchemaVersion, vocabJSON, p.AppVersion, p.DeviceID, p.CreatedUTC,
			p.Checksum, p.Signature, countsJSON, string(p.Status), p.FormSchemaVersion)
		return mapError("package", err)
	})
}

func (s *Store) UpdatePackageStatus(ctx context.Context, packageID string, status storage.PackageStatus) error {
	return s.breaker(ctx, "update_package_status", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE packages SET status = $1 WHERE package_id = $2`, string(status), packageID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *Store) CreateStagedRecords(ctx context.Context, records []*storage.StagedRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.breaker(ctx, "create_staged_records", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, r := range records {
			payloadJSON, err := json.Marshal(r.Payload)
			if err != nil {
				return err
			}
			issuesJSON, err := json.Marshal(r.Issues)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO staged_records (staging_id, package_id, entity_kind, source_id, payload,
					is_valid, issues, is_duplicate, duplicate_of, duplicate_score, resolution,
					committed, committed_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, r.StagingID, r.PackageID, string(r.EntityKind), r.SourceID, payloadJSON,
				r.IsValid, issuesJSON, r.IsDuplicate, sqlutil.ToNullStringValue(r.DuplicateOf),
				r.DuplicateScore, sqlutil.ToNullStringValue(r.Resolution), r.Committed,
				sqlutil.ToNullStringValue(r.CommittedID))
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Store) ListStagedRecords(ctx context.Context, packageID string) ([]*storage.StagedRecord, error) {
	var rows []stagedRecordRow
	err := s.breaker(ctx, "list_staged_records", func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM staged_records WHERE package_id = $1
			ORDER BY CASE entity_kind
				WHEN 'building' THEN 0
				WHEN 'property_unit' THEN 1
				WHEN 'person' THEN 2
				WHEN 'household' THEN 3
				WHEN 'person_unit_relation' THEN 4
				WHEN 'evidence' THEN 5
				WHEN 'document' THEN 6
				WHEN 'claim' THEN 7
				ELSE 8
			END, staging_id ASC`, packageID)
	})
	if err != nil {
		return nil, mapError("staged_record", err)
	}
	out := make([]*storage.StagedRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) MarkRecordCommitted(ctx context.Context, stagingID, committedID string) error {
	return s.breaker(ctx, "mark_record_committed", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE staged_records SET committed = TRUE, committed_id = $1 WHERE staging_id = $2`,
			committedID, stagingID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *Store) Append(ctx context.Context, entry storage.AuditEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return trrerrors.Wrapf(err, trrerrors.ErrorTypeValidation, "failed to encode audit details")
	}
	return s.breaker(ctx, "append_audit", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (target_id, action, old_status, new_status, details, actor, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, entry.TargetID, entry.Action, entry.OldStatus, entry.NewStatus, detailsJSON,
			entry.Actor, entry.Timestamp)
		return mapError("audit_entry", err)
	})
}

func (s *Store) ListByTarget(ctx context.Context, targetID string) ([]storage.AuditEntry, error) {
	var rows []auditRow
	err := s.breaker(ctx, "list_audit_by_target", func() error {
		return s.db.SelectContext(ctx, &rows,
			`SELECT * FROM audit_log WHERE target_id = $1 ORDER BY timestamp ASC`, targetID)
	})
	if err != nil {
		return nil, mapError("audit_entry", err)
	}
	out := make([]storage.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) CreateConflict(ctx context.Context, c *storage.Conflict) error {
	fcJSON, err := json.Marshal(c.FieldConflicts)
	if err != nil {
		return trrerrors.Wrapf(err, trrerrors.ErrorTypeValidation, "failed to encode field_conflicts")
	}
	sourceJSON, _ := json.Marshal(c.Source)
	targetJSON, _ := json.Marshal(c.Target)
	return s.breaker(ctx, "create_conflict", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conflicts (conflict_id, entity_kind, conflict_type, priority, status,
				source, target, field_conflicts, match_score, package_id, assignee, resolution,
				notes, created_at, assigned_at, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, c.ConflictID, string(c.EntityKind), string(c.ConflictType), string(c.Priority),
			string(c.Status), sourceJSON, targetJSON, fcJSON, c.MatchScore, c.PackageID,
			c.Assignee, c.Resolution, c.Notes, c.CreatedAt, c.AssignedAt, c.ResolvedAt)
		return mapError("conflict", err)
	})
}

func (s *Store) GetConflict(ctx context.Context, conflictID string) (*storage.Conflict, error) {
	var row conflictRow
	err := s.breaker(ctx, "get_conflict", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM conflicts WHERE conflict_id = $1`, conflictID)
	})
	if err != nil {
		return nil, mapError("conflict", err)
	}
	return row.toModel(), nil
}

func (s *Store) UpdateConflict(ctx context.Context, c *storage.Conflict) error {
	fcJSON, err := json.Marshal(c.FieldConflicts)
	if err != nil {
		return trrerrors.Wrapf(err, trrerrors.ErrorTypeValidation, "failed to encode field_conflicts")
	}
	return s.breaker(ctx, "update_conflict", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE conflicts SET status = $1, field_conflicts = $2, assignee = $3,
				resolution = $4, notes = $5, assigned_at = $6, resolved_at = $7
			WHERE conflict_id = $8
		`, string(c.Status), fcJSON, c.Assignee, c.Resolution, c.Notes, c.AssignedAt,
			c.ResolvedAt, c.ConflictID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *Store) ListConflicts(ctx context.Context, filter storage.ConflictFilter) ([]*storage.Conflict, error) {
	query := `SELECT * FROM conflicts WHERE 1=1`
	var args []any
	argN := 0
	addFilter := func(col string, val any) {
		argN++
		query += " AND " + col + " = $" + strconv.Itoa(argN)
		args = append(args, val)
	}
	if filter.Status != "" {
		addFilter("status", string(filter.Status))
	}
	if filter.Priority != "" {
		addFilter("priority", string(filter.Priority))
	}
	if filter.Type != "" {
		addFilter("conflict_type", string(filter.Type))
	}
	if filter.Assignee != "" {
		addFilter("assignee", filter.Assignee)
	}
	query += ` ORDER BY CASE priority
		WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC`
	if filter.Limit > 0 {
		argN++
		query += " LIMIT $" + strconv.Itoa(argN)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argN++
		query += " OFFSET $" + strconv.Itoa(argN)
		args = append(args, filter.Offset)
	}

	var rows []conflictRow
	err := s.breaker(ctx, "list_conflicts", func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, mapError("conflict", err)
	}
	out := make([]*storage.Conflict, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

var _ storage.Store = (*Store)(nil)
