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

// Package storage defines the transactional store contract consumed by the
// ingest pipeline, conflict engine, and spatial query service. Two
// realizations satisfy it: pkg/storage/memory (an in-process store used by
// tests and the default configuration) and pkg/storage/postgres (a
// pgx/sqlx-backed store for the production backend). Database handles and
// policy registries are constructor arguments to callers — there is no
// process-wide singleton.
package storage

import (
	"context"
	"time"

	"github.com/trrcms/core/pkg/models"
)

// CommittedStore is the lookup/insert/update surface over the final,
// authoritative corpus. Entities are never hard-deleted; updates are
// recorded transactions.
type CommittedStore interface {
	GetBuilding(ctx context.Context, buildingID string) (*models.Building, error)
	UpsertBuilding(ctx context.Context, b *models.Building) error
	ListBuildingsByAdminCode(ctx context.Context, prefix string, limit int) ([]*models.Building, error)

	GetPropertyUnit(ctx context.Context, unitID string) (*models.PropertyUnit, error)
	UpsertPropertyUnit(ctx context.Context, u *models.PropertyUnit) error

	GetPerson(ctx context.Context, id string) (*models.Person, error)
	GetPersonByNationalID(ctx context.Context, nationalID string) (*models.Person, error)
	UpsertPerson(ctx context.Context, p *models.Person) error

	GetHousehold(ctx context.Context, id string) (*models.Household, error)
	UpsertHousehold(ctx context.Context, h *models.Household) error

	GetPersonUnitRelation(ctx context.Context, id string) (*models.PersonUnitRelation, error)
	UpsertPersonUnitRelation(ctx context.Context, r *models.PersonUnitRelation) error

	// GetDocumentByHash supports the document dedup rule: inserting a
	// document whose content hash already exists returns the existing ID.
	GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error)
	UpsertDocument(ctx context.Context, d *models.Document) error

	GetEvidence(ctx context.Context, id string) (*models.Evidence, error)
	UpsertEvidence(ctx context.Context, e *models.Evidence) error

	GetClaim(ctx context.Context, claimID string) (*models.Claim, error)
	UpsertClaim(ctx context.Context, c *models.Claim) error

	// NextClaimSequence returns the next monotonic sequence number for
	// year, under row-level locking so that concurrent commits in the
	// same year never collide (see spec §5 and §8 test property 6).
	NextClaimSequence(ctx context.Context, year int) (int, error)

	// AllBuildingRefs is the full-scan primitive the scan spatial backend
	// pre-filters over; the indexed backend uses it too unless the store
	// also implements spatial.BoundingBoxFinder.
	AllBuildingRefs(ctx context.Context) ([]models.BuildingRef, error)
}

// PackageStatus is the lifecycle state of an imported UHC package.
type PackageStatus string

const (
	PackageReceived        PackageStatus = "received"
	PackageSignatureCheck  PackageStatus = "signature_check"
	PackageManifestParse   PackageStatus = "manifest_parse"
	PackageSchemaValidate  PackageStatus = "schema_validate"
	PackageVocabCheck      PackageStatus = "vocab_check"
	PackageExtractRecords  PackageStatus = "extract_records"
	PackageValidateRecords PackageStatus = "validate_records"
	PackageDetectDuplicate PackageStatus = "detect_duplicates"
	PackageStaging         PackageStatus = "staging"
	PackageCommitted       PackageStatus = "committed"
	PackageQuarantined     PackageStatus = "quarantined"
	PackageFailed          PackageStatus = "failed"
)

// Package is the staging-area record for one import.
type Package struct {
	PackageID          string
	SchemaVersion      string
	VocabVersions      map[string]string
	AppVersion         string
	DeviceID           string
	CreatedUTC         time.Time
	Checksum           string
	Signature          string
	RecordCounts       map[string]int
	Status             PackageStatus
	FormSchemaVersion  string
}

// StagedRecord is a row for one incoming record within a package.
type StagedRecord struct {
	StagingID      string
	PackageID      string
	EntityKind     models.EntityKind
	SourceID       string
	Payload        any
	IsValid        bool
	Issues         []ValidationIssueRow
	IsDuplicate    bool
	DuplicateOf    string
	DuplicateScore float64
	Resolution     string // "merge" | "keep_existing" | "keep_new" | "keep_both" | "skip"
	Committed      bool
	CommittedID    string
}

// ValidationIssueRow is the persisted shape of an internal/validation.Issue.
type ValidationIssueRow struct {
	Level      string
	EntityKind models.EntityKind
	SourceID   string
	Field      string
	Code       string
	Message    string
}

// PackageStore persists packages and their staged records across the
// ingest pipeline's stages.
type PackageStore interface {
	GetPackage(ctx context.Context, packageID string) (*Package, error)
	CreatePackage(ctx context.Context, p *Package) error
	UpdatePackageStatus(ctx context.Context, packageID string, status PackageStatus) error

	CreateStagedRecords(ctx context.Context, records []*StagedRecord) error
	ListStagedRecords(ctx context.Context, packageID string) ([]*StagedRecord, error)
	MarkRecordCommitted(ctx context.Context, stagingID, committedID string) error
}

// AuditEntry records one state-changing action on a package, staged record,
// or conflict.
type AuditEntry struct {
	TargetID  string
	Action    string
	OldStatus string
	NewStatus string
	Details   map[string]any
	Actor     string
	Timestamp time.Time
}

// AuditStore appends audit entries; it never mutates or deletes one once
// written.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	ListByTarget(ctx context.Context, targetID string) ([]AuditEntry, error)
}

// ConflictStatus is the lifecycle state of a Conflict.
type ConflictStatus string

const (
	ConflictPending      ConflictStatus = "pending"
	ConflictInReview     ConflictStatus = "in_review"
	ConflictAutoResolved ConflictStatus = "auto_resolved"
	ConflictResolved     ConflictStatus = "resolved"
	ConflictEscalated    ConflictStatus = "escalated"
	ConflictDeferred     ConflictStatus = "deferred"
)

// ConflictPriority ranks conflicts for queue ordering, critical first.
type ConflictPriority string

const (
	PriorityCritical ConflictPriority = "critical"
	PriorityHigh     ConflictPriority = "high"
	PriorityMedium   ConflictPriority = "medium"
	PriorityLow      ConflictPriority = "low"
)

// ConflictType classifies a Conflict by the fields that disagree.
type ConflictType string

const (
	ConflictOwnership         ConflictType = "OWNERSHIP_CONFLICT"
	ConflictClaimOverlap      ConflictType = "CLAIM_OVERLAP"
	ConflictDuplicatePerson   ConflictType = "DUPLICATE_PERSON"
	ConflictDuplicateBuilding ConflictType = "DUPLICATE_BUILDING"
	ConflictDuplicateUnit     ConflictType = "DUPLICATE_UNIT"
	ConflictDuplicateClaim    ConflictType = "DUPLICATE_CLAIM"
	ConflictFieldMismatch     ConflictType = "FIELD_MISMATCH"
)

// FieldConflict is one disagreeing top-level field between a source and
// target record.
type FieldConflict struct {
	FieldName     string
	SourceValue   any
	TargetValue   any
	Resolution    string // "" until resolved: keep_source, keep_target, concatenate, ...
	ResolvedValue any
}

// Conflict is a detected disagreement between an incoming (source) record
// and an existing (target) record of the same entity kind.
type Conflict struct {
	ConflictID     string
	EntityKind     models.EntityKind
	ConflictType   ConflictType
	Priority       ConflictPriority
	Status         ConflictStatus
	Source         map[string]any
	Target         map[string]any
	FieldConflicts []FieldConflict
	MatchScore     float64
	PackageID      string
	Assignee       string
	Resolution     string // overall: MERGE, KEEP_EXISTING, KEEP_NEW, KEEP_BOTH
	Notes          string
	CreatedAt      time.Time
	AssignedAt     *time.Time
	ResolvedAt     *time.Time
}

// ResolutionCondition gates when a ResolutionPolicy applies.
type ResolutionCondition string

const (
	ConditionAlways      ResolutionCondition = "always"
	ConditionOneNull     ResolutionCondition = "one_null"
	ConditionBothPresent ResolutionCondition = "both_present"
)

// ResolutionStrategy is the action a matching ResolutionPolicy applies to
// a FieldConflict.
type ResolutionStrategy string

const (
	StrategyKeepSource     ResolutionStrategy = "keep_source"
	StrategyKeepTarget     ResolutionStrategy = "keep_target"
	StrategyKeepNewest     ResolutionStrategy = "keep_newest"
	StrategyKeepOldest     ResolutionStrategy = "keep_oldest"
	StrategyConcatenate    ResolutionStrategy = "concatenate"
	StrategyPreferComplete ResolutionStrategy = "prefer_complete"
)

// ResolutionPolicy auto-resolves FieldConflicts matching its conflict
// type, optional field name, and condition. Policies are tried in
// descending Priority order; the first match wins.
type ResolutionPolicy struct {
	ConflictType ConflictType
	FieldName    string // "" matches any field
	Condition    ResolutionCondition
	Strategy     ResolutionStrategy
	Priority     int
}

// ConflictFilter narrows ListConflicts; zero values are unfiltered.
type ConflictFilter struct {
	Status   ConflictStatus
	Priority ConflictPriority
	Type     ConflictType
	Assignee string
	Offset   int
	Limit    int
}

// ConflictStore persists conflicts and serves the human-review queue.
// Default ordering for ListConflicts is priority (critical first), then
// CreatedAt ascending.
type ConflictStore interface {
	CreateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, conflictID string) (*Conflict, error)
	UpdateConflict(ctx context.Context, c *Conflict) error
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*Conflict, error)
}

// Store aggregates the contracts a single backend typically implements
// together (memory and postgres both satisfy this).
type Store interface {
	CommittedStore
	PackageStore
	AuditStore
	ConflictStore
}
