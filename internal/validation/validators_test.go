package validation

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/trrcms/core/pkg/models"
)

func TestValidation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Validation Suite")
}

func ptrFloat(f float64) *float64 { return &f }
func ptrInt(i int) *int           { return &i }

var _ = Describe("Validation", func() {
	region := RegionBounds{MinLat: 31.0, MinLng: 36.0, MaxLat: 37.0, MaxLng: 42.0}

	Describe("ValidateBuildingID", func() {
		Context("with a valid 17-digit structured code", func() {
			It("should pass validation", func() {
				err := ValidateBuildingID("02-04-01-001-003-00012")
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when the building ID is empty", func() {
			It("should return a validation error", func() {
				err := ValidateBuildingID("")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("building_id is required"))
			})
		})

		Context("when the building ID has the wrong shape", func() {
			It("should return a validation error", func() {
				err := ValidateBuildingID("not-a-building-id")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("structural pattern"))
			})
		})
	})

	Describe("ValidatePersonNationalID", func() {
		Context("with a clean 11-digit ID", func() {
			It("should pass validation", func() {
				Expect(ValidatePersonNationalID("12345678901")).NotTo(HaveOccurred())
			})
		})

		Context("with dashes and spaces", func() {
			It("should strip them before checking the pattern", func() {
				Expect(ValidatePersonNationalID("123-4567-8901")).NotTo(HaveOccurred())
				Expect(ValidatePersonNationalID("123 4567 8901")).NotTo(HaveOccurred())
			})
		})

		Context("with too few digits", func() {
			It("should return a validation error", func() {
				err := ValidatePersonNationalID("123")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("11 digits"))
			})
		})
	})

	Describe("ValidateOwnershipShare", func() {
		DescribeTable("valid shares",
			func(share int) {
				Expect(ValidateOwnershipShare(share)).NotTo(HaveOccurred())
			},
			Entry("zero", 0),
			Entry("mid-range", 1200),
			Entry("max", 2400),
		)

		Context("when the share is negative", func() {
			It("should return a validation error", func() {
				err := ValidateOwnershipShare(-1)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("between 0 and 2400"))
			})
		})

		Context("when the share exceeds 2400", func() {
			It("should return a validation error", func() {
				err := ValidateOwnershipShare(2401)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("between 0 and 2400"))
			})
		})
	})

	Describe("ValidateBuilding", func() {
		Context("with a valid building inside the region", func() {
			It("should produce no issues", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					Latitude:   ptrFloat(33.5),
					Longitude:  ptrFloat(38.0),
				}
				Expect(ValidateBuilding(b, region)).To(BeEmpty())
			})
		})

		Context("with a malformed building ID", func() {
			It("should emit an error-level issue", func() {
				b := &models.Building{BuildingID: "bad-id"}
				issues := ValidateBuilding(b, region)
				Expect(issues).To(ContainElement(HaveField("Code", "INVALID_BUILDING_ID")))
				Expect(HasErrors(issues)).To(BeTrue())
			})
		})

		Context("with a latitude outside the configured region", func() {
			It("should emit a warning-level issue", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					Latitude:   ptrFloat(10.0),
					Longitude:  ptrFloat(38.0),
				}
				issues := ValidateBuilding(b, region)
				Expect(issues).To(ContainElement(HaveField("Code", "OUT_OF_REGION")))
				Expect(HasErrors(issues)).To(BeFalse())
			})
		})

		Context("with a structurally invalid coordinate", func() {
			It("should emit an error-level issue", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					Latitude:   ptrFloat(500),
					Longitude:  ptrFloat(38.0),
				}
				issues := ValidateBuilding(b, region)
				Expect(HasErrors(issues)).To(BeTrue())
			})
		})

		Context("with a malformed footprint WKT", func() {
			It("should emit INVALID_WKT as an error", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					PolygonWKT: "POLYGON ((not a ring",
				}
				issues := ValidateBuilding(b, region)
				Expect(issues).To(ContainElement(HaveField("Code", "INVALID_WKT")))
				Expect(HasErrors(issues)).To(BeTrue())
			})
		})

		Context("with a self-intersecting footprint", func() {
			It("should emit SELF_INTERSECTION as an error", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					PolygonWKT: "POLYGON ((37.1 36.2, 37.2 36.3, 37.2 36.2, 37.1 36.3, 37.1 36.2))",
				}
				issues := ValidateBuilding(b, region)
				Expect(issues).To(ContainElement(HaveField("Code", "SELF_INTERSECTION")))
				Expect(HasErrors(issues)).To(BeTrue())
			})
		})

		Context("with a footprint below the minimum area", func() {
			It("should emit POLYGON_TOO_SMALL as an error", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					PolygonWKT: "POLYGON ((37.1 36.2, 37.1000001 36.2, 37.1000001 36.2000001, 37.1 36.2000001, 37.1 36.2))",
				}
				issues := ValidateBuilding(b, region)
				Expect(issues).To(ContainElement(HaveField("Code", "POLYGON_TOO_SMALL")))
			})
		})

		Context("when the point lies outside the footprint's bounding box", func() {
			It("should emit POINT_OUTSIDE_FOOTPRINT as an error", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					Latitude:   ptrFloat(36.5),
					Longitude:  ptrFloat(37.5),
					PolygonWKT: "POLYGON ((37.1 36.2, 37.101 36.2, 37.101 36.201, 37.1 36.201, 37.1 36.2))",
				}
				issues := ValidateBuilding(b, region)
				Expect(issues).To(ContainElement(HaveField("Code", "POINT_OUTSIDE_FOOTPRINT")))
			})
		})

		Context("when the point lies inside the footprint's bounding box", func() {
			It("should accept the point/footprint pair", func() {
				b := &models.Building{
					BuildingID: "02-04-01-001-003-00012",
					Latitude:   ptrFloat(36.2005),
					Longitude:  ptrFloat(37.1005),
					PolygonWKT: "POLYGON ((37.1 36.2, 37.101 36.2, 37.101 36.201, 37.1 36.201, 37.1 36.2))",
				}
				issues := ValidateBuilding(b, region)
				Expect(HasErrors(issues)).To(BeFalse())
			})
		})
	})

	Describe("ValidatePropertyUnit", func() {
		Context("when building_id is missing", func() {
			It("should emit an error-level issue", func() {
				u := &models.PropertyUnit{UnitID: "02-04-01-001-003-00012-001"}
				issues := ValidatePropertyUnit(u)
				Expect(issues).To(ContainElement(HaveField("Code", "MISSING_BUILDING_ID")))
			})
		})

		Context("when the full-length unit_id is non-standard", func() {
			It("should emit a warning-level issue", func() {
				u := &models.PropertyUnit{
					BuildingID: "02-04-01-001-003-00012",
					UnitID:     "not-the-right-shape-xxxxxx",
				}
				issues := ValidatePropertyUnit(u)
				Expect(issues).To(ContainElement(HaveField("Code", "NONSTANDARD_UNIT_ID")))
				Expect(HasErrors(issues)).To(BeFalse())
			})
		})
	})

	Describe("ValidatePerson", func() {
		Context("when neither name component is present", func() {
			It("should emit an error-level issue", func() {
				p := &models.Person{SourceID: "p1"}
				issues := ValidatePerson(p)
				Expect(issues).To(ContainElement(HaveField("Code", "MISSING_NAME")))
			})
		})

		Context("with a last name only", func() {
			It("should not require a first name", func() {
				p := &models.Person{SourceID: "p1", LastName: "Haddad"}
				issues := ValidatePerson(p)
				Expect(HasErrors(issues)).To(BeFalse())
			})
		})
	})

	Describe("ValidateHousehold", func() {
		Context("when occupancy_size matches the gender counts", func() {
			It("should produce no issues", func() {
				h := &models.Household{
					SourceID:       "h1",
					PropertyUnitID: "02-04-01-001-003-00012-001",
					OccupancySize:  ptrInt(4),
					MaleCount:      2,
					FemaleCount:    2,
				}
				Expect(ValidateHousehold(h)).To(BeEmpty())
			})
		})

		Context("when occupancy_size disagrees with the gender counts", func() {
			It("should emit a warning-level issue", func() {
				h := &models.Household{
					SourceID:       "h1",
					PropertyUnitID: "02-04-01-001-003-00012-001",
					OccupancySize:  ptrInt(4),
					MaleCount:      1,
					FemaleCount:    1,
				}
				issues := ValidateHousehold(h)
				Expect(issues).To(ContainElement(HaveField("Code", "OCCUPANCY_MISMATCH")))
			})
		})

		Context("when gender counts are both zero", func() {
			It("should not flag a mismatch regardless of occupancy_size", func() {
				h := &models.Household{
					SourceID:       "h1",
					PropertyUnitID: "02-04-01-001-003-00012-001",
					OccupancySize:  ptrInt(4),
				}
				Expect(ValidateHousehold(h)).To(BeEmpty())
			})
		})
	})

	Describe("ValidatePersonUnitRelation", func() {
		Context("with a valid owner relation", func() {
			It("should produce no issues", func() {
				r := &models.PersonUnitRelation{
					SourceID:       "r1",
					PersonID:       "p1",
					PropertyUnitID: "02-04-01-001-003-00012-001",
					RelationType:   "owner",
					OwnershipShare: ptrInt(1200),
				}
				Expect(ValidatePersonUnitRelation(r)).To(BeEmpty())
			})
		})

		Context("when person_id and property_unit_id are both missing", func() {
			It("should emit two error-level issues", func() {
				r := &models.PersonUnitRelation{SourceID: "r1", RelationType: "owner"}
				issues := ValidatePersonUnitRelation(r)
				Expect(issues).To(ContainElement(HaveField("Code", "MISSING_PERSON_ID")))
				Expect(issues).To(ContainElement(HaveField("Code", "MISSING_UNIT_ID")))
			})
		})

		Context("when an owner's ownership_share is out of range", func() {
			It("should emit a warning-level issue", func() {
				r := &models.PersonUnitRelation{
					SourceID:       "r1",
					PersonID:       "p1",
					PropertyUnitID: "u1",
					RelationType:   "owner",
					OwnershipShare: ptrInt(3000),
				}
				issues := ValidatePersonUnitRelation(r)
				Expect(issues).To(ContainElement(HaveField("Code", "INVALID_OWNERSHIP_SHARE")))
			})
		})

		Context("when relation_type is not recognized", func() {
			It("should emit a warning-level issue", func() {
				r := &models.PersonUnitRelation{
					SourceID: "r1", PersonID: "p1", PropertyUnitID: "u1", RelationType: "co-signer",
				}
				issues := ValidatePersonUnitRelation(r)
				Expect(issues).To(ContainElement(HaveField("Code", "INVALID_RELATION_TYPE")))
			})
		})
	})

	Describe("ValidateClaim", func() {
		Context("with a recognized case_status", func() {
			It("should produce no issues", func() {
				c := &models.Claim{SourceID: "c1", CaseStatus: "under_review"}
				Expect(ValidateClaim(c)).To(BeEmpty())
			})
		})

		Context("with an unrecognized case_status", func() {
			It("should emit a warning-level issue", func() {
				c := &models.Claim{SourceID: "c1", CaseStatus: "archived"}
				issues := ValidateClaim(c)
				Expect(issues).To(ContainElement(HaveField("Code", "INVALID_CASE_STATUS")))
			})
		})
	})

	Describe("ValidateEvidence", func() {
		Context("when no person_unit_relation_id is linked", func() {
			It("should emit a warning-level issue", func() {
				e := &models.Evidence{SourceID: "e1"}
				issues := ValidateEvidence(e)
				Expect(issues).To(ContainElement(HaveField("Code", "MISSING_RELATION_LINK")))
			})
		})
	})

	Describe("ValidateDocument", func() {
		Context("with an unrecognized document_type", func() {
			It("should emit a warning-level issue", func() {
				d := &models.Document{SourceID: "d1", DocumentType: "napkin"}
				issues := ValidateDocument(d)
				Expect(issues).To(ContainElement(HaveField("Code", "INVALID_DOCUMENT_TYPE")))
			})
		})
	})

	Describe("CrossEntityCheck", func() {
		Context("when a unit references a building not present in the package", func() {
			It("should emit ORPHAN_UNIT", func() {
				units := []*models.PropertyUnit{{UnitID: "u1", BuildingID: "missing"}}
				issues := CrossEntityCheck(units, map[string]bool{"present": true}, nil, nil)
				Expect(issues).To(ContainElement(HaveField("Code", "ORPHAN_UNIT")))
			})
		})

		Context("when a relation references a person not present in the package", func() {
			It("should emit ORPHAN_RELATION", func() {
				relations := []*models.PersonUnitRelation{{SourceID: "r1", PersonID: "missing"}}
				issues := CrossEntityCheck(nil, nil, relations, map[string]bool{"present": true})
				Expect(issues).To(ContainElement(HaveField("Code", "ORPHAN_RELATION")))
			})
		})
	})

	Describe("Registry", func() {
		It("dispatches by entity kind without an inheritance hierarchy", func() {
			reg := NewRegistry(region)
			issues := reg.Validate(models.EntityBuilding, &models.Building{})
			Expect(HasErrors(issues)).To(BeTrue())
		})

		It("returns nil for an unregistered kind instead of panicking", func() {
			reg := NewRegistry(region)
			Expect(reg.Validate(models.EntityKind("unknown"), nil)).To(BeNil())
		})
	})
})
