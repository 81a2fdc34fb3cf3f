package conflict_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/trrcms/core/internal/conflict"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
	"github.com/trrcms/core/pkg/storage/memory"
)

func TestConflict(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Conflict Suite")
}

var _ = Describe("DetectFieldConflicts", func() {
	It("ignores bookkeeping fields and agreement", func() {
		source := map[string]any{"id": "1", "name": "Ali", "phone": ""}
		target := map[string]any{"id": "2", "name": "Ali", "phone": nil}
		fcs := conflict.DetectFieldConflicts(source, target)
		Expect(fcs).To(BeEmpty())
	})

	It("flags unequal, not-both-empty fields", func() {
		source := map[string]any{"relation_type": "owner"}
		target := map[string]any{"relation_type": "tenant"}
		fcs := conflict.DetectFieldConflicts(source, target)
		Expect(fcs).To(HaveLen(1))
		Expect(fcs[0].FieldName).To(Equal("relation_type"))
	})
})

var _ = Describe("ClassifyType", func() {
	It("prefers OWNERSHIP_CONFLICT over other field hits", func() {
		fcs := []storage.FieldConflict{{FieldName: "ownership_share"}, {FieldName: "claim_id"}}
		Expect(conflict.ClassifyType(models.EntityPersonUnitRelation, fcs)).To(Equal(storage.ConflictOwnership))
	})

	It("falls back to CLAIM_OVERLAP", func() {
		fcs := []storage.FieldConflict{{FieldName: "case_status"}}
		Expect(conflict.ClassifyType(models.EntityClaim, fcs)).To(Equal(storage.ConflictClaimOverlap))
	})

	It("falls back to the kind-specific duplicate type", func() {
		fcs := []storage.FieldConflict{{FieldName: "phone_number"}}
		Expect(conflict.ClassifyType(models.EntityPerson, fcs)).To(Equal(storage.ConflictDuplicatePerson))
	})

	It("falls back to FIELD_MISMATCH for kinds with no duplicate type", func() {
		fcs := []storage.FieldConflict{{FieldName: "description"}}
		Expect(conflict.ClassifyType(models.EntityEvidence, fcs)).To(Equal(storage.ConflictFieldMismatch))
	})
})

var _ = Describe("ClassifyPriority", func() {
	It("is always critical for ownership/claim-overlap conflicts regardless of score", func() {
		Expect(conflict.ClassifyPriority(storage.ConflictOwnership, 0.1, 1)).To(Equal(storage.PriorityCritical))
	})

	It("is high for match_score >= 0.9", func() {
		Expect(conflict.ClassifyPriority(storage.ConflictFieldMismatch, 0.95, 1)).To(Equal(storage.PriorityHigh))
	})

	It("is high for 5 or more field conflicts regardless of score", func() {
		Expect(conflict.ClassifyPriority(storage.ConflictFieldMismatch, 0.1, 5)).To(Equal(storage.PriorityHigh))
	})

	It("is medium for match_score >= 0.7", func() {
		Expect(conflict.ClassifyPriority(storage.ConflictFieldMismatch, 0.75, 1)).To(Equal(storage.PriorityMedium))
	})

	It("is low otherwise", func() {
		Expect(conflict.ClassifyPriority(storage.ConflictFieldMismatch, 0.2, 1)).To(Equal(storage.PriorityLow))
	})
})

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		store  *memory.Store
		engine *conflict.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memory.New()
		engine = conflict.New(store, store, conflict.DefaultPolicies(), store, zap.NewNop())
	})

	It("auto-resolves when every field conflict matches a policy", func() {
		source := map[string]any{"description": "new text"}
		target := map[string]any{"description": ""}
		c, err := engine.Detect(ctx, "CFL-1", models.EntityEvidence, source, target, "PKG-1", 0.5)
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Status).To(Equal(storage.ConflictAutoResolved))
		Expect(c.Resolution).To(Equal("MERGE"))
	})

	It("stays pending when a field has no matching policy", func() {
		source := map[string]any{"ownership_share": 1200}
		target := map[string]any{"ownership_share": 2400}
		c, err := engine.Detect(ctx, "CFL-2", models.EntityPersonUnitRelation, source, target, "PKG-1", 0.5)
		Expect(err).ToNot(HaveOccurred())
		Expect(c.Status).To(Equal(storage.ConflictPending))
	})

	It("supports the full manual transition lifecycle", func() {
		source := map[string]any{"source_id": "REL-1", "person_id": "P-1", "property_unit_id": "U-1", "ownership_share": 1200}
		target := map[string]any{"source_id": "REL-1", "person_id": "P-1", "property_unit_id": "U-1", "ownership_share": 2400}
		_, err := engine.Detect(ctx, "CFL-3", models.EntityPersonUnitRelation, source, target, "PKG-1", 0.5)
		Expect(err).ToNot(HaveOccurred())

		Expect(engine.Assign(ctx, "CFL-3", "reviewer-1")).To(Succeed())
		got, err := store.GetConflict(ctx, "CFL-3")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(storage.ConflictInReview))
		Expect(got.Assignee).To(Equal("reviewer-1"))

		Expect(engine.Resolve(ctx, "CFL-3", conflict.ActionKeepNew, nil, "took the field update", "reviewer-1")).To(Succeed())
		got, err = store.GetConflict(ctx, "CFL-3")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(storage.ConflictResolved))
		Expect(got.Resolution).To(Equal(string(conflict.ActionKeepNew)))

		rel, err := store.GetPersonUnitRelation(ctx, "REL-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(*rel.OwnershipShare).To(Equal(1200))
	})

	It("writes MERGE field resolutions into the committed target", func() {
		Expect(store.UpsertPersonUnitRelation(ctx, &models.PersonUnitRelation{
			SourceID: "REL-2", PersonID: "P-2", PropertyUnitID: "U-2", RelationType: "tenant",
		})).To(Succeed())

		source := map[string]any{"source_id": "REL-2", "person_id": "P-2", "property_unit_id": "U-2", "relation_type": "owner"}
		target := map[string]any{"source_id": "REL-2", "person_id": "P-2", "property_unit_id": "U-2", "relation_type": "tenant"}
		_, err := engine.Detect(ctx, "CFL-MERGE", models.EntityPersonUnitRelation, source, target, "PKG-1", 0.5)
		Expect(err).ToNot(HaveOccurred())

		resolutions := map[string]any{"relation_type": "co-owner"}
		Expect(engine.Resolve(ctx, "CFL-MERGE", conflict.ActionMerge, resolutions, "split the difference", "reviewer-1")).To(Succeed())

		rel, err := store.GetPersonUnitRelation(ctx, "REL-2")
		Expect(err).ToNot(HaveOccurred())
		Expect(rel.RelationType).To(Equal("co-owner"))
	})

	It("orders the queue by priority then created_at", func() {
		_, err := engine.Detect(ctx, "CFL-LOW", models.EntityEvidence, map[string]any{"description": "a"}, map[string]any{"description": "b"}, "PKG-1", 0.1)
		Expect(err).ToNot(HaveOccurred())
		_, err = engine.Detect(ctx, "CFL-CRIT", models.EntityPersonUnitRelation, map[string]any{"ownership_share": 1}, map[string]any{"ownership_share": 2}, "PKG-1", 0.5)
		Expect(err).ToNot(HaveOccurred())

		queue, err := engine.Queue(ctx, storage.ConflictFilter{})
		Expect(err).ToNot(HaveOccurred())
		Expect(queue).ToNot(BeEmpty())
		Expect(queue[0].ConflictID).To(Equal("CFL-CRIT"))
	})

	It("escalates and defers with audited reasons", func() {
		_, err := engine.Detect(ctx, "CFL-4", models.EntityEvidence, map[string]any{"description": "x"}, map[string]any{"description": "y"}, "PKG-1", 0.1)
		Expect(err).ToNot(HaveOccurred())
		Expect(engine.Escalate(ctx, "CFL-4", "needs legal review", "reviewer-1")).To(Succeed())
		got, err := store.GetConflict(ctx, "CFL-4")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(storage.ConflictEscalated))
	})
})
