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

// Package memory implements pkg/storage.Store entirely in process memory.
// It backs the default "memory" configuration and every package/ingest/
// conflict test in this module; it makes the same concurrency promises as
// the postgres backend (row-level serialization per package) using a
// single mutex rather than database locks.
package memory

import (
	"context"
	"sort"
	"sync"

	trrerrors "github.com/trrcms/core/internal/errors"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	buildings  map[string]*models.Building
	units      map[string]*models.PropertyUnit
	persons    map[string]*models.Person
	households map[string]*models.Household
	relations  map[string]*models.PersonUnitRelation
	documents  map[string]*models.Document
	docByHash  map[string]string
	evidence   map[string]*models.Evidence
	claims     map[string]*models.Claim
	claimSeq   map[int]int

	packages       map[string]*storage.Package
	stagedByPkg    map[string][]*storage.StagedRecord
	stagedByID     map[string]*storage.StagedRecord

	audit     []storage.AuditEntry
	conflicts map[string]*storage.Conflict
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		buildings:   make(map[string]*models.Building),
		units:       make(map[string]*models.PropertyUnit),
		persons:     make(map[string]*models.Person),
		households:  make(map[string]*models.Household),
		relations:   make(map[string]*models.PersonUnitRelation),
		documents:   make(map[string]*models.Document),
		docByHash:   make(map[string]string),
		evidence:    make(map[string]*models.Evidence),
		claims:      make(map[string]*models.Claim),
		claimSeq:    make(map[int]int),
		packages:    make(map[string]*storage.Package),
		stagedByPkg: make(map[string][]*storage.StagedRecord),
		stagedByID:  make(map[string]*storage.StagedRecord),
		conflicts:   make(map[string]*storage.Conflict),
	}
}

func (s *Store) GetBuilding(ctx context.Context, buildingID string) (*models.Building, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buildings[buildingID]
	if !ok {
		return nil, trrerrors.NewNotFoundError("building")
	}
	return b, nil
}

func (s *Store) UpsertBuilding(ctx context.Context, b *models.Building) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildings[b.BuildingID] = b
	return nil
}

func (s *Store) ListBuildingsByAdminCode(ctx context.Context, prefix string, limit int) ([]*models.Building, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Building
	for id, b := range s.buildings {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, b)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) GetPropertyUnit(ctx context.Context, unitID string) (*models.PropertyUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return nil, trrerrors.NewNotFoundError("property_unit")
	}
	return u, nil
}

func (s *Store) UpsertPropertyUnit(ctx context.Context, u *models.PropertyUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.UnitID] = u
	return nil
}

func (s *Store) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.persons[id]
	if !ok {
		return nil, trrerrors.NewNotFoundError("person")
	}
	return p, nil
}

func (s *Store) GetPersonByNationalID(ctx context.Context, nationalID string) (*models.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.persons {
		if p.NationalID != "" && p.NationalID == nationalID {
			return p, nil
		}
	}
	return nil, trrerrors.NewNotFoundError("person")
}

func (s *Store) UpsertPerson(ctx context.Context, p *models.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.SourceID] = p
	return nil
}

func (s *Store) GetHousehold(ctx context.Context, id string) (*models.Household, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.households[id]
	if !ok {
		return nil, trrerrors.NewNotFoundError("household")
	}
	return h, nil
}

func (s *Store) UpsertHousehold(ctx context.Context, h *models.Household) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.households[h.SourceID] = h
	return nil
}

func (s *Store) GetPersonUnitRelation(ctx context.Context, id string) (*models.PersonUnitRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relations[id]
	if !ok {
		return nil, trrerrors.NewNotFoundError("person_unit_relation")
	}
	return r, nil
}

func (s *Store) UpsertPersonUnitRelation(ctx context.Context, r *models.PersonUnitRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[r.SourceID] = r
	return nil
}

func (s *Store) GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.docByHash[hash]
	if !ok {
		return nil, trrerrors.NewNotFoundError("document")
	}
	return s.documents[id], nil
}

func (s *Store) UpsertDocument(ctx context.Context, d *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[d.SourceID] = d
	if d.ContentHash != "" {
		s.docByHash[d.ContentHash] = d.SourceID
	}
	return nil
}

func (s *Store) GetEvidence(ctx context.Context, id string) (*models.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evidence[id]
	if !ok {
		return nil, trrerrors.NewNotFoundError("evidence")
	}
	return e, nil
}

func (s *Store) UpsertEvidence(ctx context.Context, e *models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[e.SourceID] = e
	return nil
}

func (s *Store) GetClaim(ctx context.Context, claimID string) (*models.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return nil, trrerrors.NewNotFoundError("claim")
	}
	return c, nil
}

func (s *Store) UpsertClaim(ctx context.Context, c *models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[c.ClaimID] = c
	return nil
}

// NextClaimSequence increments and returns the per-year counter under the
// Store's single mutex, the in-memory analogue of the postgres backend's
// `SELECT ... FOR UPDATE` row lock.
func (s *Store) NextClaimSequence(ctx context.Context, year int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimSeq[year]++
	return s.claimSeq[year], nil
}

func (s *Store) AllBuildingRefs(ctx context.Context) ([]models.BuildingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BuildingRef
	for _, b := range s.buildings {
		if b.Latitude == nil || b.Longitude == nil {
			continue
		}
		out = append(out, models.BuildingRef{
			BuildingID: b.BuildingID,
			Latitude:   *b.Latitude,
			Longitude:  *b.Longitude,
		})
	}
	return out, nil
}

func (s *Store) GetPackage(ctx context.Context, packageID string) (*storage.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageID]
	if !ok {
		return nil, trrerrors.NewNotFoundError("package")
	}
	return p, nil
}

func (s *Store) CreatePackage(ctx context.Context, p *storage.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[p.PackageID] = p
	return nil
}

func (s *Store) UpdatePackageStatus(ctx context.Context, packageID string, status storage.PackageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageID]
	if !ok {
		return trrerrors.NewNotFoundError("package")
	}
	p.Status = status
	return nil
}

func (s *Store) CreateStagedRecords(ctx context.Context, records []*storage.StagedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.stagedByID[r.StagingID] = r
		s.stagedByPkg[r.PackageID] = append(s.stagedByPkg[r.PackageID], r)
	}
	return nil
}

func (s *Store) ListStagedRecords(ctx context.Context, packageID string) ([]*storage.StagedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagedByPkg[packageID], nil
}

func (s *Store) MarkRecordCommitted(ctx context.Context, stagingID, committedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.stagedByID[stagingID]
	if !ok {
		return trrerrors.NewNotFoundError("staged_record")
	}
	r.Committed = true
	r.CommittedID = committedID
	return nil
}

func (s *Store) Append(ctx context.Context, entry storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListByTarget(ctx context.Context, targetID string) ([]storage.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AuditEntry
	for _, e := range s.audit {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CreateConflict(ctx context.Context, c *storage.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ConflictID] = c
	return nil
}

func (s *Store) GetConflict(ctx context.Context, conflictID string) (*storage.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[conflictID]
	if !ok {
		return nil, trrerrors.NewNotFoundError("conflict")
	}
	return c, nil
}

func (s *Store) UpdateConflict(ctx context.Context, c *storage.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[c.ConflictID]; !ok {
		return trrerrors.NewNotFoundError("conflict")
	}
	s.conflicts[c.ConflictID] = c
	return nil
}

var priorityRank = map[storage.ConflictPriority]int{
	storage.PriorityCritical: 0,
	storage.PriorityHigh:     1,
	storage.PriorityMedium:   2,
	storage.PriorityLow:      3,
}

func (s *Store) ListConflicts(ctx context.Context, filter storage.ConflictFilter) ([]*storage.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*storage.Conflict
	for _, c := range s.conflicts {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && c.Priority != filter.Priority {
			continue
		}
		if filter.Type != "" && c.ConflictType != filter.Type {
			continue
		}
		if filter.Assignee != "" && c.Assignee != filter.Assignee {
			continue
		}
		matched = append(matched, c)
	}

	sort.Slice(matched, func(i, j int) bool {
		pi, pj := priorityRank[matched[i].Priority], priorityRank[matched[j].Priority]
		if pi != pj {
			return pi < pj
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

var _ storage.Store = (*Store)(nil)
