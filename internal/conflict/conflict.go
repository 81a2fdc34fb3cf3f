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

// Package conflict detects field-level disagreements between an incoming
// and an existing record, types and prioritizes them, applies policy-
// driven auto-resolution, and serves the human-review queue. Every state
// transition is appended to internal/audit.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/trrcms/core/internal/audit"
	trrerrors "github.com/trrcms/core/internal/errors"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
)

// excludedFields are never compared — they are bookkeeping, not content.
var excludedFields = map[string]bool{
	"id": true, "created_at": true, "updated_at": true, "version": true,
}

var ownershipFields = map[string]bool{
	"ownership_share": true, "relation_type": true, "claim_type": true,
}

var claimOverlapFields = map[string]bool{
	"claim_id": true, "case_status": true, "claimant_id": true,
}

var duplicateTypeByKind = map[models.EntityKind]storage.ConflictType{
	models.EntityPerson:       storage.ConflictDuplicatePerson,
	models.EntityBuilding:     storage.ConflictDuplicateBuilding,
	models.EntityPropertyUnit: storage.ConflictDuplicateUnit,
	models.EntityClaim:        storage.ConflictDuplicateClaim,
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case int:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return false
	default:
		return false
	}
}

// DetectFieldConflicts iterates the union of source and target's top-level
// fields (excluding id/created_at/updated_at/version) and returns a
// FieldConflict for every pair that is unequal and not both empty/null.
func DetectFieldConflicts(source, target map[string]any) []storage.FieldConflict {
	seen := make(map[string]bool)
	var out []storage.FieldConflict
	for field := range source {
		seen[field] = true
	}
	for field := range target {
		seen[field] = true
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		if !excludedFields[f] {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields) // deterministic ordering for tests and audit trails

	for _, field := range fields {
		sv, tv := source[field], target[field]
		if fmt.Sprint(sv) == fmt.Sprint(tv) {
			continue
		}
		if isEmpty(sv) && isEmpty(tv) {
			continue
		}
		out = append(out, storage.FieldConflict{FieldName: field, SourceValue: sv, TargetValue: tv})
	}
	return out
}

// ClassifyType derives a ConflictType from the set of FieldConflicts per
// the precedence: ownership fields first, then claim-overlap fields, then
// the kind-specific duplicate type, else a generic field mismatch.
func ClassifyType(kind models.EntityKind, fieldConflicts []storage.FieldConflict) storage.ConflictType {
	for _, fc := range fieldConflicts {
		if ownershipFields[fc.FieldName] {
			return storage.ConflictOwnership
		}
	}
	for _, fc := range fieldConflicts {
		if claimOverlapFields[fc.FieldName] {
			return storage.ConflictClaimOverlap
		}
	}
	if t, ok := duplicateTypeByKind[kind]; ok {
		return t
	}
	return storage.ConflictFieldMismatch
}

// ClassifyPriority ranks a conflict per spec: ownership/claim-overlap
// conflicts are always critical; otherwise high match confidence or a
// wide field spread escalates priority.
func ClassifyPriority(conflictType storage.ConflictType, matchScore float64, fieldConflictCount int) storage.ConflictPriority {
	if conflictType == storage.ConflictOwnership || conflictType == storage.ConflictClaimOverlap {
		return storage.PriorityCritical
	}
	if matchScore >= 0.9 || fieldConflictCount >= 5 {
		return storage.PriorityHigh
	}
	if matchScore >= 0.7 {
		return storage.PriorityMedium
	}
	return storage.PriorityLow
}

// Engine ties detection, auto-resolve, the review queue, and the audit
// trail together.
type Engine struct {
	store    storage.ConflictStore
	target   storage.CommittedStore
	policies []storage.ResolutionPolicy
	audit    *audit.Recorder
	logger   *zap.Logger
}

// New returns an Engine. policies need not be pre-sorted; New sorts a
// copy by descending Priority, the order Detect matches them in.
func New(store storage.ConflictStore, target storage.CommittedStore, policies []storage.ResolutionPolicy, auditStore storage.AuditStore, logger *zap.Logger) *Engine {
	sorted := make([]storage.ResolutionPolicy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Engine{store: store, target: target, policies: sorted, audit: audit.New(auditStore, logger), logger: logger}
}

// DefaultPolicies returns a starter policy set for FIELD_MISMATCH
// conflicts: prefer_complete for anything only one side filled in, and
// otherwise keep_newest (which keeps the source) when both sides are present.
// Callers load their own policies from configuration in production; this
// is the fallback used when none are configured.
func DefaultPolicies() []storage.ResolutionPolicy {
	return []storage.ResolutionPolicy{
		{ConflictType: storage.ConflictFieldMismatch, Condition: storage.ConditionOneNull, Strategy: storage.StrategyPreferComplete, Priority: 10},
		{ConflictType: storage.ConflictFieldMismatch, Condition: storage.ConditionBothPresent, Strategy: storage.StrategyKeepNewest, Priority: 5},
	}
}

func conditionHolds(cond storage.ResolutionCondition, source, target any) bool {
	switch cond {
	case storage.ConditionAlways:
		return true
	case storage.ConditionOneNull:
		return isEmpty(source) != isEmpty(target)
	case storage.ConditionBothPresent:
		return !isEmpty(source) && !isEmpty(target)
	default:
		return false
	}
}

func applyStrategy(strategy storage.ResolutionStrategy, source, target any) any {
	switch strategy {
	case storage.StrategyKeepSource:
		return source
	case storage.StrategyKeepTarget:
		return target
	case storage.StrategyPreferComplete:
		if isEmpty(source) {
			return target
		}
		return source
	case storage.StrategyConcatenate:
		if !isEmpty(source) && !isEmpty(target) {
			return fmt.Sprintf("%v; %v", source, target)
		}
		if !isEmpty(source) {
			return source
		}
		return target
	case storage.StrategyKeepNewest, storage.StrategyKeepOldest:
		// No reliable per-field timestamp is available from a bare
		// snapshot pair, so source (the newly arrived record) is
		// treated as newer for keep_newest and as older otherwise —
		// documented approximation, not a real timestamp comparison.
		if strategy == storage.StrategyKeepNewest {
			return source
		}
		return target
	default:
		return target
	}
}

// autoResolve tries to resolve every FieldConflict with the
// highest-priority matching policy. It returns true only if every
// conflict found a policy; partial matches leave the conflict pending
// for human review.
func (e *Engine) autoResolve(conflictType storage.ConflictType, fieldConflicts []storage.FieldConflict) bool {
	allResolved := true
	for i := range fieldConflicts {
		fc := &fieldConflicts[i]
		resolved := false
		for _, policy := range e.policies {
			if policy.ConflictType != conflictType {
				continue
			}
			if policy.FieldName != "" && policy.FieldName != fc.FieldName {
				continue
			}
			if !conditionHolds(policy.Condition, fc.SourceValue, fc.TargetValue) {
				continue
			}
			fc.Resolution = string(policy.Strategy)
			fc.ResolvedValue = applyStrategy(policy.Strategy, fc.SourceValue, fc.TargetValue)
			resolved = true
			break
		}
		if !resolved {
			allResolved = false
		}
	}
	return allResolved
}

// Detect builds, classifies, auto-resolves (if possible), persists, and
// audits a Conflict between source and target. packageID and matchScore
// come from the caller (typically the ingest pipeline's duplicate-
// detection step).
func (e *Engine) Detect(ctx context.Context, conflictID string, kind models.EntityKind, source, target map[string]any, packageID string, matchScore float64) (*storage.Conflict, error) {
	fieldConflicts := DetectFieldConflicts(source, target)
	conflictType := ClassifyType(kind, fieldConflicts)
	priority := ClassifyPriority(conflictType, matchScore, len(fieldConflicts))

	c := &storage.Conflict{
		ConflictID:     conflictID,
		EntityKind:     kind,
		ConflictType:   conflictType,
		Priority:       priority,
		Status:         storage.ConflictPending,
		Source:         source,
		Target:         target,
		FieldConflicts: fieldConflicts,
		MatchScore:     matchScore,
		PackageID:      packageID,
		CreatedAt:      time.Now().UTC(),
	}

	if len(fieldConflicts) > 0 && e.autoResolve(conflictType, fieldConflicts) {
		c.Status = storage.ConflictAutoResolved
		c.Resolution = "MERGE"
	}

	if err := e.store.CreateConflict(ctx, c); err != nil {
		return nil, err
	}
	_ = e.audit.Record(ctx, storage.AuditEntry{
		TargetID: conflictID, Action: "detected", NewStatus: string(c.Status),
		Details: map[string]any{"conflict_type": string(conflictType), "priority": string(priority)},
		Actor:   "system", Timestamp: c.CreatedAt,
	})
	return c, nil
}

// Queue returns the pending/in-review conflicts matching filter, ordered
// by priority then created_at ascending (the ordering storage.ConflictStore
// implementations apply).
func (e *Engine) Queue(ctx context.Context, filter storage.ConflictFilter) ([]*storage.Conflict, error) {
	return e.store.ListConflicts(ctx, filter)
}

// Assign moves a pending conflict to in_review under assignee.
func (e *Engine) Assign(ctx context.Context, conflictID, assignee string) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Status != storage.ConflictPending {
		return trrerrors.New(trrerrors.ErrorTypeValidation, "conflict is not pending")
	}
	old := c.Status
	now := time.Now().UTC()
	c.Status = storage.ConflictInReview
	c.Assignee = assignee
	c.AssignedAt = &now
	if err := e.store.UpdateConflict(ctx, c); err != nil {
		return err
	}
	return e.audit.Record(ctx, storage.AuditEntry{
		TargetID: conflictID, Action: "assigned", OldStatus: string(old), NewStatus: string(c.Status),
		Details: map[string]any{"assignee": assignee}, Actor: assignee, Timestamp: now,
	})
}

// ResolveAction is the manual resolution chosen by a reviewer.
type ResolveAction string

const (
	ActionMerge        ResolveAction = "MERGE"
	ActionKeepExisting ResolveAction = "KEEP_EXISTING"
	ActionKeepNew      ResolveAction = "KEEP_NEW"
	ActionKeepBoth     ResolveAction = "KEEP_BOTH"
)

// decodeEntity re-marshals a generic record map into the typed model for
// kind, the same bridge internal/ingest's decodeRecord uses between the
// wire format's untyped JSON and the typed model.
func decodeEntity(kind models.EntityKind, raw map[string]any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var target any
	switch kind {
	case models.EntityBuilding:
		target = &models.Building{}
	case models.EntityPropertyUnit:
		target = &models.PropertyUnit{}
	case models.EntityPerson:
		target = &models.Person{}
	case models.EntityHousehold:
		target = &models.Household{}
	case models.EntityPersonUnitRelation:
		target = &models.PersonUnitRelation{}
	case models.EntityEvidence:
		target = &models.Evidence{}
	case models.EntityDocument:
		target = &models.Document{}
	case models.EntityClaim:
		target = &models.Claim{}
	default:
		return nil, trrerrors.Newf(trrerrors.ErrorTypeInternal, "unhandled entity kind %q", kind)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}

// upsertEntity writes typed (as produced by decodeEntity) into e.target via
// the matching CommittedStore upsert for kind.
func (e *Engine) upsertEntity(ctx context.Context, kind models.EntityKind, typed any) error {
	switch kind {
	case models.EntityBuilding:
		return e.target.UpsertBuilding(ctx, typed.(*models.Building))
	case models.EntityPropertyUnit:
		return e.target.UpsertPropertyUnit(ctx, typed.(*models.PropertyUnit))
	case models.EntityPerson:
		return e.target.UpsertPerson(ctx, typed.(*models.Person))
	case models.EntityHousehold:
		return e.target.UpsertHousehold(ctx, typed.(*models.Household))
	case models.EntityPersonUnitRelation:
		return e.target.UpsertPersonUnitRelation(ctx, typed.(*models.PersonUnitRelation))
	case models.EntityEvidence:
		return e.target.UpsertEvidence(ctx, typed.(*models.Evidence))
	case models.EntityDocument:
		return e.target.UpsertDocument(ctx, typed.(*models.Document))
	case models.EntityClaim:
		return e.target.UpsertClaim(ctx, typed.(*models.Claim))
	default:
		return trrerrors.Newf(trrerrors.ErrorTypeInternal, "unhandled entity kind %q", kind)
	}
}

// writeMerged builds the merged record — target overlaid with every
// FieldConflict's ResolvedValue — and upserts it into e.target.
func (e *Engine) writeMerged(ctx context.Context, c *storage.Conflict) error {
	merged := make(map[string]any, len(c.Target))
	for k, v := range c.Target {
		merged[k] = v
	}
	for _, fc := range c.FieldConflicts {
		if fc.Resolution != "" {
			merged[fc.FieldName] = fc.ResolvedValue
		}
	}
	typed, err := decodeEntity(c.EntityKind, merged)
	if err != nil {
		return err
	}
	return e.upsertEntity(ctx, c.EntityKind, typed)
}

// writeSource decodes c.Source and upserts it into e.target outright,
// overwriting whatever is currently committed under the target's identity.
func (e *Engine) writeSource(ctx context.Context, c *storage.Conflict) error {
	typed, err := decodeEntity(c.EntityKind, c.Source)
	if err != nil {
		return err
	}
	return e.upsertEntity(ctx, c.EntityKind, typed)
}

// Resolve applies a reviewer's decision. MERGE writes fieldResolutions
// (or the conflict's already-computed ResolvedValue per field) into the
// committed target via the storage contract; KEEP_NEW overwrites the
// target outright with the full source; KEEP_EXISTING and KEEP_BOTH leave
// committed data untouched.
func (e *Engine) Resolve(ctx context.Context, conflictID string, action ResolveAction, fieldResolutions map[string]any, notes, actor string) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	old := c.Status
	now := time.Now().UTC()

	switch action {
	case ActionMerge:
		for i := range c.FieldConflicts {
			fc := &c.FieldConflicts[i]
			if v, ok := fieldResolutions[fc.FieldName]; ok {
				fc.ResolvedValue = v
				fc.Resolution = "manual"
			}
		}
		if err := e.writeMerged(ctx, c); err != nil {
			return trrerrors.Wrapf(err, trrerrors.ErrorTypeDatabase, "failed to write merged conflict resolution for %s", conflictID)
		}
	case ActionKeepNew:
		if err := e.writeSource(ctx, c); err != nil {
			return trrerrors.Wrapf(err, trrerrors.ErrorTypeDatabase, "failed to overwrite target with source for %s", conflictID)
		}
	case ActionKeepExisting, ActionKeepBoth:
		// Committed data is left untouched.
	default:
		return trrerrors.Newf(trrerrors.ErrorTypeValidation, "unknown resolve action %q", action)
	}

	c.Status = storage.ConflictResolved
	c.Resolution = string(action)
	c.Notes = notes
	c.ResolvedAt = &now
	if err := e.store.UpdateConflict(ctx, c); err != nil {
		return err
	}
	return e.audit.Record(ctx, storage.AuditEntry{
		TargetID: conflictID, Action: "resolved", OldStatus: string(old), NewStatus: string(c.Status),
		Details: map[string]any{"action": string(action), "notes": notes}, Actor: actor, Timestamp: now,
	})
}

// Escalate moves a conflict to the escalated terminal state.
func (e *Engine) Escalate(ctx context.Context, conflictID, reason, actor string) error {
	return e.transition(ctx, conflictID, storage.ConflictEscalated, "escalated", reason, actor)
}

// Defer moves a conflict to the deferred hold state.
func (e *Engine) Defer(ctx context.Context, conflictID, reason, actor string) error {
	return e.transition(ctx, conflictID, storage.ConflictDeferred, "deferred", reason, actor)
}

func (e *Engine) transition(ctx context.Context, conflictID string, newStatus storage.ConflictStatus, action, reason, actor string) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	old := c.Status
	now := time.Now().UTC()
	c.Status = newStatus
	c.Notes = reason
	if err := e.store.UpdateConflict(ctx, c); err != nil {
		return err
	}
	return e.audit.Record(ctx, storage.AuditEntry{
		TargetID: conflictID, Action: action, OldStatus: string(old), NewStatus: string(newStatus),
		Details: map[string]any{"reason": reason}, Actor: actor, Timestamp: now,
	})
}
