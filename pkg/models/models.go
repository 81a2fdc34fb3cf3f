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

// Package models holds the entity and wire types shared by ingest,
// validation, conflict resolution, and spatial query. Every entity is a
// closed variant of EntityKind; there is no inheritance hierarchy between
// entity record types, only composition and a type-keyed registry (see
// internal/validation.Registry).
package models

import "time"

// EntityKind enumerates the closed set of record kinds the core models.
type EntityKind string

const (
	EntityBuilding           EntityKind = "building"
	EntityPropertyUnit       EntityKind = "property_unit"
	EntityPerson             EntityKind = "person"
	EntityHousehold          EntityKind = "household"
	EntityPersonUnitRelation EntityKind = "person_unit_relation"
	EntityEvidence           EntityKind = "evidence"
	EntityDocument           EntityKind = "document"
	EntityClaim              EntityKind = "claim"
)

// AllEntityKinds lists every EntityKind in a stable, deterministic order —
// used by the ingest pipeline to iterate a package's entity lists and to
// order commits so referenced records are written first.
var AllEntityKinds = []EntityKind{
	EntityBuilding, EntityPropertyUnit, EntityPerson, EntityHousehold,
	EntityPersonUnitRelation, EntityEvidence, EntityDocument, EntityClaim,
}

// Building is identified by the 17-digit structured code
// GG-DD-SS-CCC-NNN-BBBBB.
type Building struct {
	BuildingID   string   `json:"building_id" validate:"required"`
	Governorate  string   `json:"governorate"`
	District     string   `json:"district"`
	Subdistrict  string   `json:"subdistrict"`
	Community    string   `json:"community"`
	Neighborhood string   `json:"neighborhood"`
	Sequence     string   `json:"sequence"`
	Type         string   `json:"type"`
	Status       string   `json:"status"`
	FloorCount   int      `json:"floor_count" validate:"gte=0"`
	UnitCount    int      `json:"unit_count" validate:"gte=0"`
	Latitude     *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude    *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	PolygonWKT   string   `json:"polygon_wkt,omitempty"`
}

// PropertyUnit is identified by a 20-character extension of its building's
// ID: <building_id>-UUU.
type PropertyUnit struct {
	UnitID      string `json:"unit_id" db:"unit_id"`
	BuildingID  string `json:"building_id" db:"building_id" validate:"required"`
	Floor       string `json:"floor" db:"floor"`
	Number      string `json:"number" db:"number"`
	Type        string `json:"type" db:"type"`
	Description string `json:"description,omitempty" db:"description"`
}

// Person is identified by a surrogate ID with an optional 11-digit Syrian
// national ID.
type Person struct {
	SourceID     string `json:"source_id"`
	NationalID   string `json:"national_id,omitempty"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	Gender       string `json:"gender,omitempty"`
	YearOfBirth  int    `json:"year_of_birth,omitempty" validate:"omitempty,gte=1900,lte=2100"`
	IsContact    bool   `json:"is_contact"`
}

// PersonUnitRelation is a many-to-many edge between Person and PropertyUnit.
type PersonUnitRelation struct {
	SourceID       string `json:"source_id" db:"source_id"`
	PersonID       string `json:"person_id" db:"person_id" validate:"required"`
	PropertyUnitID string `json:"property_unit_id" db:"property_unit_id" validate:"required"`
	RelationType   string `json:"relation_type" db:"relation_type"`
	OwnershipShare *int   `json:"ownership_share,omitempty" db:"ownership_share" validate:"omitempty,gte=0,lte=2400"`
}

// Household composes a PropertyUnit and the persons occupying it.
type Household struct {
	SourceID       string `json:"source_id" db:"source_id"`
	PropertyUnitID string `json:"property_unit_id" db:"property_unit_id" validate:"required"`
	OccupancySize  *int   `json:"occupancy_size,omitempty" db:"occupancy_size" validate:"omitempty,gte=0"`
	MaleCount      int    `json:"male_count" db:"male_count" validate:"gte=0"`
	FemaleCount    int    `json:"female_count" db:"female_count" validate:"gte=0"`
}

// Document carries a controlled type code and a content hash used for
// dedup: inserting a document whose hash already exists returns the
// existing ID rather than a new row.
type Document struct {
	SourceID     string    `json:"source_id" db:"source_id"`
	DocumentType string    `json:"document_type" db:"document_type"`
	IssueDate    time.Time `json:"issue_date" db:"issue_date"`
	Number       string    `json:"number" db:"number"`
	Verified     bool      `json:"verified" db:"verified"`
	ContentHash  string    `json:"content_hash" db:"content_hash"`
}

// Evidence links supporting material to a person-unit relation.
type Evidence struct {
	SourceID             string `json:"source_id" db:"source_id"`
	PersonUnitRelationID string `json:"person_unit_relation_id,omitempty" db:"person_unit_relation_id"`
	DocumentID           string `json:"document_id,omitempty" db:"document_id"`
	Description          string `json:"description,omitempty" db:"description"`
}

// Claim is identified by CL-YYYY-NNNNNN, sequence monotonic within year.
type Claim struct {
	ClaimID      string    `json:"claim_id,omitempty" db:"claim_id"`
	SourceID     string    `json:"source_id" db:"source_id"`
	BuildingID   string    `json:"building_id" db:"building_id" validate:"required"`
	UnitID       string    `json:"unit_id,omitempty" db:"unit_id"`
	ClaimantID   string    `json:"claimant_id" db:"claimant_id" validate:"required"`
	Type         string    `json:"type" db:"type"`
	CaseStatus   string    `json:"case_status" db:"case_status"`
	Source       string    `json:"source" db:"source"`
	SubmittedUTC time.Time `json:"submitted_utc,omitempty" db:"submitted_utc"`
}

// BuildingRef is the lightweight projection returned by spatial queries
// (internal/spatial) — full Building rows are fetched separately when a
// caller needs the rest of the attributes.
type BuildingRef struct {
	BuildingID string  `json:"building_id" db:"building_id"`
	Latitude   float64 `json:"latitude" db:"latitude"`
	Longitude  float64 `json:"longitude" db:"longitude"`
	DistanceM  float64 `json:"distance_m,omitempty" db:"-"`
}
