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

package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
	"github.com/trrcms/core/pkg/storage/sqlutil"
)

// buildingRow and personRow hold the nullable latitude/longitude and
// national_id columns as sql.Null* so sqlx can scan NULL without
// panicking; toModel converts to the pointer-based pkg/models shape.
type buildingRow struct {
	BuildingID   string          `db:"building_id"`
	Governorate  string          `db:"governorate"`
	District     string          `db:"district"`
	Subdistrict  string          `db:"subdistrict"`
	Community    string          `db:"community"`
	Neighborhood string          `db:"neighborhood"`
	Sequence     string          `db:"sequence"`
	Type         string          `db:"type"`
	Status       string          `db:"status"`
	FloorCount   int             `db:"floor_count"`
	UnitCount    int             `db:"unit_count"`
	Latitude     sql.NullFloat64 `db:"latitude"`
	Longitude    sql.NullFloat64 `db:"longitude"`
	PolygonWKT   string          `db:"polygon_wkt"`
}

func (r buildingRow) toModel() *models.Building {
	b := &models.Building{
		BuildingID:   r.BuildingID,
		Governorate:  r.Governorate,
		District:     r.District,
		Subdistrict:  r.Subdistrict,
		Community:    r.Community,
		Neighborhood: r.Neighborhood,
		Sequence:     r.Sequence,
		Type:         r.Type,
		Status:       r.Status,
		FloorCount:   r.FloorCount,
		UnitCount:    r.UnitCount,
		PolygonWKT:   r.PolygonWKT,
	}
	if r.Latitude.Valid {
		lat := r.Latitude.Float64
		b.Latitude = &lat
	}
	if r.Longitude.Valid {
		lng := r.Longitude.Float64
		b.Longitude = &lng
	}
	return b
}

func fromBuildingModel(b *models.Building) buildingRow {
	row := buildingRow{
		BuildingID:   b.BuildingID,
		Governorate:  b.Governorate,
		District:     b.District,
		Subdistrict:  b.Subdistrict,
		Community:    b.Community,
		Neighborhood: b.Neighborhood,
		Sequence:     b.Sequence,
		Type:         b.Type,
		Status:       b.Status,
		FloorCount:   b.FloorCount,
		UnitCount:    b.UnitCount,
		PolygonWKT:   b.PolygonWKT,
	}
	if b.Latitude != nil {
		row.Latitude = sql.NullFloat64{Float64: *b.Latitude, Valid: true}
	}
	if b.Longitude != nil {
		row.Longitude = sql.NullFloat64{Float64: *b.Longitude, Valid: true}
	}
	return row
}

type personRow struct {
	SourceID    string         `db:"source_id"`
	NationalID  sql.NullString `db:"national_id"`
	FirstName   string         `db:"first_name"`
	LastName    string         `db:"last_name"`
	PhoneNumber sql.NullString `db:"phone_number"`
	Gender      sql.NullString `db:"gender"`
	YearOfBirth int            `db:"year_of_birth"`
	IsContact   bool           `db:"is_contact"`
}

func (r personRow) toModel() *models.Person {
	return &models.Person{
		SourceID:    r.SourceID,
		NationalID:  r.NationalID.String,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		PhoneNumber: r.PhoneNumber.String,
		Gender:      r.Gender.String,
		YearOfBirth: r.YearOfBirth,
		IsContact:   r.IsContact,
	}
}

func fromPersonModel(p *models.Person) personRow {
	return personRow{
		SourceID:    p.SourceID,
		NationalID:  sqlutil.ToNullStringValue(p.NationalID),
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		PhoneNumber: sqlutil.ToNullStringValue(p.PhoneNumber),
		Gender:      sqlutil.ToNullStringValue(p.Gender),
		YearOfBirth: p.YearOfBirth,
		IsContact:   p.IsContact,
	}
}

type stagedRecordRow struct {
	StagingID      string         `db:"staging_id"`
	PackageID      string         `db:"package_id"`
	EntityKind     string         `db:"entity_kind"`
	SourceID       string         `db:"source_id"`
	PayloadJSON    []byte         `db:"payload"`
	IsValid        bool           `db:"is_valid"`
	IssuesJSON     []byte         `db:"issues"`
	IsDuplicate    bool           `db:"is_duplicate"`
	DuplicateOf    sql.NullString `db:"duplicate_of"`
	DuplicateScore float64        `db:"duplicate_score"`
	Resolution     sql.NullString `db:"resolution"`
	Committed      bool           `db:"committed"`
	CommittedID    sql.NullString `db:"committed_id"`
}

func (r stagedRecordRow) toModel() *storage.StagedRecord {
	var payload any
	_ = json.Unmarshal(r.PayloadJSON, &payload)
	var issues []storage.ValidationIssueRow
	_ = json.Unmarshal(r.IssuesJSON, &issues)
	return &storage.StagedRecord{
		StagingID:      r.StagingID,
		PackageID:      r.PackageID,
		EntityKind:     models.EntityKind(r.EntityKind),
		SourceID:       r.SourceID,
		Payload:        payload,
		IsValid:        r.IsValid,
		Issues:         issues,
		IsDuplicate:    r.IsDuplicate,
		DuplicateOf:    r.DuplicateOf.String,
		DuplicateScore: r.DuplicateScore,
		Resolution:     r.Resolution.String,
		Committed:      r.Committed,
		CommittedID:    r.CommittedID.String,
	}
}

type conflictRow struct {
	ConflictID        string         `db:"conflict_id"`
	EntityKind        string         `db:"entity_kind"`
	ConflictType      string         `db:"conflict_type"`
	Priority          string         `db:"priority"`
	Status            string         `db:"status"`
	SourceJSON        []byte         `db:"source"`
	TargetJSON        []byte         `db:"target"`
	FieldConflictsJSON []byte        `db:"field_conflicts"`
	MatchScore        float64        `db:"match_score"`
	PackageID         string         `db:"package_id"`
	Assignee          sql.NullString `db:"assignee"`
	Resolution        sql.NullString `db:"resolution"`
	Notes             sql.NullString `db:"notes"`
	CreatedAt         time.Time      `db:"created_at"`
	AssignedAt        sql.NullTime   `db:"assigned_at"`
	ResolvedAt        sql.NullTime   `db:"resolved_at"`
}

func (r conflictRow) toModel() *storage.Conflict {
	var source, target map[string]any
	_ = json.Unmarshal(r.SourceJSON, &source)
	_ = json.Unmarshal(r.TargetJSON, &target)
	var fieldConflicts []storage.FieldConflict
	_ = json.Unmarshal(r.FieldConflictsJSON, &fieldConflicts)
	return &storage.Conflict{
		ConflictID:     r.ConflictID,
		EntityKind:     models.EntityKind(r.EntityKind),
		ConflictType:   storage.ConflictType(r.ConflictType),
		Priority:       storage.ConflictPriority(r.Priority),
		Status:         storage.ConflictStatus(r.Status),
		Source:         source,
		Target:         target,
		FieldConflicts: fieldConflicts,
		MatchScore:     r.MatchScore,
		PackageID:      r.PackageID,
		Assignee:       r.Assignee.String,
		Resolution:     r.Resolution.String,
		Notes:          r.Notes.String,
		CreatedAt:      r.CreatedAt,
		AssignedAt:     sqlutil.FromNullTime(r.AssignedAt),
		ResolvedAt:     sqlutil.FromNullTime(r.ResolvedAt),
	}
}

type auditRow struct {
	TargetID    string    `db:"target_id"`
	Action      string    `db:"action"`
	OldStatus   string    `db:"old_status"`
	NewStatus   string    `db:"new_status"`
	DetailsJSON []byte    `db:"details"`
	Actor       string    `db:"actor"`
	Timestamp   time.Time `db:"timestamp"`
}

func (r auditRow) toModel() storage.AuditEntry {
	var details map[string]any
	_ = json.Unmarshal(r.DetailsJSON, &details)
	return storage.AuditEntry{
		TargetID:  r.TargetID,
		Action:    r.Action,
		OldStatus: r.OldStatus,
		NewStatus: r.NewStatus,
		Details:   details,
		Actor:     r.Actor,
		Timestamp: r.Timestamp,
	}
}
