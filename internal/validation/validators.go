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

// Package validation implements the per-record and cross-entity checks run
// during ingest (see internal/ingest). Validators are values, not
// subclasses: every check is a plain function over a record returning a
// slice of Issue, registered by entity kind in a Registry rather than
// dispatched through an inheritance hierarchy.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/trrcms/core/internal/geometry"
	"github.com/trrcms/core/pkg/models"
)

// shapeValidator runs the struct-tag layer (`validate:"..."`) carried by
// the entity types in pkg/models — a coarse shape gate underneath the
// hand-written per-field checks in this file, not a replacement for them.
var shapeValidator = validator.New()

var fieldNameBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

func toSnakeCase(field string) string {
	return strings.ToLower(fieldNameBoundary.ReplaceAllString(field, "${1}_${2}"))
}

// ValidateShape runs shapeValidator's struct-tag rules against record and
// reports every violation as an error-level Issue, one per offending field.
// It never panics on a record with no tags: an untagged struct simply
// produces no issues.
func ValidateShape(kind models.EntityKind, sourceID string, record any) []Issue {
	err := shapeValidator.Struct(record)
	if err == nil {
		return nil
	}
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	issues := make([]Issue, 0, len(validationErrs))
	for _, fe := range validationErrs {
		field := toSnakeCase(fe.Field())
		code := "SHAPE_" + strings.ToUpper(fe.Tag())
		message := fmt.Sprintf("%s fails the %q shape constraint", field, fe.Tag())
		issues = append(issues, issue(LevelError, kind, sourceID, field, code, message))
	}
	return issues
}

// Level classifies an Issue's severity. Errors block commit for the record
// that produced them; warnings and info do not.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Issue is a single validation finding attached to a staged record.
type Issue struct {
	Level      Level             `json:"level"`
	EntityKind models.EntityKind `json:"entity_kind"`
	SourceID   string            `json:"source_id"`
	Field      string            `json:"field"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
}

func issue(level Level, kind models.EntityKind, sourceID, field, code, message string) Issue {
	return Issue{Level: level, EntityKind: kind, SourceID: sourceID, Field: field, Code: code, Message: message}
}

var (
	buildingIDPattern = regexp.MustCompile(`^\d{2}-\d{2}-\d{2}-\d{3}-\d{3}-\d{5}$`)
	unitIDPattern     = regexp.MustCompile(`^\d{2}-\d{2}-\d{2}-\d{3}-\d{3}-\d{5}-\d{3}$`)
	nationalIDDigits  = regexp.MustCompile(`^\d{11}$`)
	dashOrSpace       = regexp.MustCompile(`[-\s]`)
)

// ValidateBuildingID reports whether id matches the 17-digit structured
// building code (GG-DD-SS-CCC-NNN-BBBBB).
func ValidateBuildingID(id string) error {
	if id == "" {
		return fmt.Errorf("building_id is required")
	}
	if !buildingIDPattern.MatchString(id) {
		return fmt.Errorf("building_id must match the structural pattern GG-DD-SS-CCC-NNN-BBBBB")
	}
	return nil
}

// ValidateUnitID reports whether id (full length) matches the property unit
// extension pattern. ValidatePropertyUnit calls it only for full-length IDs
// and reports a mismatch as a warning; shorter unit IDs pass there unchecked.
func ValidateUnitID(id string) error {
	if !unitIDPattern.MatchString(id) {
		return fmt.Errorf("unit_id does not match the standard extension pattern")
	}
	return nil
}

// ValidatePersonNationalID strips dashes/spaces and checks the 11-digit
// Syrian national ID pattern. Absence of a national ID is not an error —
// callers decide whether to call this at all.
func ValidatePersonNationalID(id string) error {
	stripped := dashOrSpace.ReplaceAllString(id, "")
	if !nationalIDDigits.MatchString(stripped) {
		return fmt.Errorf("national_id must be 11 digits after stripping dashes/spaces")
	}
	return nil
}

// ValidateLatLng reports a structurally invalid coordinate pair. Range
// checks against the configured region are a separate, warning-level
// concern handled by the entity validators below.
func ValidateLatLng(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude must be in [-90, 90]")
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude must be in [-180, 180]")
	}
	return nil
}

var validClaimStatuses = map[string]bool{
	"draft": true, "pending_submission": true, "submitted": true,
	"initial_screening": true, "under_review": true, "awaiting_documents": true,
	"conflict_detected": true, "approved": true, "rejected": true,
}

// ValidateClaimStatus reports whether status is one of the controlled
// claim lifecycle values.
func ValidateClaimStatus(status string) error {
	if !validClaimStatuses[status] {
		return fmt.Errorf("case_status %q is not a recognized claim status", status)
	}
	return nil
}

var validRelationTypes = map[string]bool{
	"owner": true, "occupant": true, "tenant": true, "guest": true, "heirs": true, "other": true,
}

// ValidateRelationType reports whether relationType is one of the
// controlled person-unit relation values.
func ValidateRelationType(relationType string) error {
	if !validRelationTypes[relationType] {
		return fmt.Errorf("relation_type %q is not recognized", relationType)
	}
	return nil
}

// ValidateOwnershipShare reports whether share lies in the [0, 2400]
// shares-of-2400 range used for owner/heir relations.
func ValidateOwnershipShare(share int) error {
	if share < 0 || share > 2400 {
		return fmt.Errorf("ownership_share must be between 0 and 2400")
	}
	return nil
}

var validDocumentTypes = map[string]bool{
	"deed": true, "lease": true, "id_card": true, "court_order": true,
	"utility_bill": true, "affidavit": true, "other": true,
}

// ValidateDocumentType reports whether docType is one of the enumerated
// document type codes.
func ValidateDocumentType(docType string) error {
	if !validDocumentTypes[docType] {
		return fmt.Errorf("document_type %q is not a recognized document type code", docType)
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ControlledVocabularies lists the closed value sets validated by this
// package, keyed the way C6's GET /vocabularies response names them.
func ControlledVocabularies() map[string][]string {
	return map[string][]string{
		"claim_status":  sortedKeys(validClaimStatuses),
		"relation_type": sortedKeys(validRelationTypes),
		"document_type": sortedKeys(validDocumentTypes),
	}
}

// RegionBounds is the regional bounding box used for coordinate-range
// warnings (internal/config's Validation section is the normal source).
type RegionBounds struct {
	MinLat, MinLng, MaxLat, MaxLng float64
}

func (b RegionBounds) contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// ValidateBuilding runs the Building entity's field rules against b: the
// structured-ID pattern, coordinate syntax and region range, and the
// polygon-validity policy over the footprint when one is carried.
func ValidateBuilding(b *models.Building, region RegionBounds) []Issue {
	var issues []Issue
	if err := ValidateBuildingID(b.BuildingID); err != nil {
		issues = append(issues, issue(LevelError, models.EntityBuilding, b.BuildingID, "building_id", "INVALID_BUILDING_ID", err.Error()))
	}
	if b.Latitude != nil || b.Longitude != nil {
		lat, lng := derefOr(b.Latitude, 0), derefOr(b.Longitude, 0)
		if err := ValidateLatLng(lat, lng); err != nil {
			issues = append(issues, issue(LevelError, models.EntityBuilding, b.BuildingID, "latitude", "INVALID_COORDINATE", err.Error()))
		} else if b.Latitude != nil && !region.contains(lat, lng) {
			issues = append(issues, issue(LevelWarning, models.EntityBuilding, b.BuildingID, "latitude", "OUT_OF_REGION", "coordinate lies outside the configured regional bounding box"))
		}
	}
	if b.PolygonWKT != "" {
		issues = append(issues, validateBuildingFootprint(b, region)...)
	}
	return issues
}

// validateBuildingFootprint parses b's footprint WKT, applies the polygon
// validity policy, and enforces the point-inside-footprint invariant: when
// a building carries both a point and a polygon, the point must lie inside
// the polygon's bounding box.
func validateBuildingFootprint(b *models.Building, region RegionBounds) []Issue {
	var issues []Issue
	polygon, err := geometry.ParseWKT(b.PolygonWKT)
	if err != nil {
		issues = append(issues, issue(LevelError, models.EntityBuilding, b.BuildingID, "polygon_wkt", "INVALID_WKT", err.Error()))
		return issues
	}
	errs, warnings := geometry.ValidatePolygon(polygon, region.contains)
	for _, pi := range errs {
		issues = append(issues, issue(LevelError, models.EntityBuilding, b.BuildingID, "polygon_wkt", pi.Code, pi.Message))
	}
	for _, pi := range warnings {
		issues = append(issues, issue(LevelWarning, models.EntityBuilding, b.BuildingID, "polygon_wkt", pi.Code, pi.Message))
	}
	if b.Latitude != nil && b.Longitude != nil && len(polygon.Rings) > 0 {
		minLon, minLat, maxLon, maxLat := geometry.BoundingBox(polygon.Rings[0])
		if *b.Longitude < minLon || *b.Longitude > maxLon || *b.Latitude < minLat || *b.Latitude > maxLat {
			issues = append(issues, issue(LevelError, models.EntityBuilding, b.BuildingID, "latitude", "POINT_OUTSIDE_FOOTPRINT", "the building point lies outside its polygon footprint's bounding box"))
		}
	}
	return issues
}

func derefOr(p *float64, d float64) float64 {
	if p == nil {
		return d
	}
	return *p
}

// ValidatePropertyUnit runs the Property Unit entity's field rules.
func ValidatePropertyUnit(u *models.PropertyUnit) []Issue {
	var issues []Issue
	if u.BuildingID == "" {
		issues = append(issues, issue(LevelError, models.EntityPropertyUnit, u.UnitID, "building_id", "MISSING_BUILDING_ID", "building_id is required"))
	}
	if len(u.UnitID) == len("00-00-00-000-000-00000-000") {
		if err := ValidateUnitID(u.UnitID); err != nil {
			issues = append(issues, issue(LevelWarning, models.EntityPropertyUnit, u.UnitID, "unit_id", "NONSTANDARD_UNIT_ID", err.Error()))
		}
	}
	return issues
}

// ValidatePerson runs the Person entity's field rules.
func ValidatePerson(p *models.Person) []Issue {
	var issues []Issue
	if strings.TrimSpace(p.FirstName) == "" && strings.TrimSpace(p.LastName) == "" {
		issues = append(issues, issue(LevelError, models.EntityPerson, p.SourceID, "name", "MISSING_NAME", "at least one of first or last name is required"))
	}
	if p.NationalID != "" {
		if err := ValidatePersonNationalID(p.NationalID); err != nil {
			issues = append(issues, issue(LevelWarning, models.EntityPerson, p.SourceID, "national_id", "INVALID_NATIONAL_ID", err.Error()))
		}
	}
	return issues
}

// ValidateHousehold runs the Household entity's field rules.
func ValidateHousehold(h *models.Household) []Issue {
	var issues []Issue
	if h.PropertyUnitID == "" {
		issues = append(issues, issue(LevelError, models.EntityHousehold, h.SourceID, "property_unit_id", "MISSING_UNIT_ID", "property_unit_id is required"))
	}
	if h.OccupancySize != nil {
		total := h.MaleCount + h.FemaleCount
		if total != 0 && total != *h.OccupancySize {
			issues = append(issues, issue(LevelWarning, models.EntityHousehold, h.SourceID, "occupancy_size", "OCCUPANCY_MISMATCH", "male_count + female_count does not match occupancy_size"))
		}
	}
	return issues
}

// ValidateClaim runs the Claim entity's field rules.
func ValidateClaim(c *models.Claim) []Issue {
	var issues []Issue
	if err := ValidateClaimStatus(c.CaseStatus); err != nil {
		issues = append(issues, issue(LevelWarning, models.EntityClaim, c.SourceID, "case_status", "INVALID_CASE_STATUS", err.Error()))
	}
	return issues
}

// ValidateEvidence runs the Evidence entity's field rules.
func ValidateEvidence(e *models.Evidence) []Issue {
	var issues []Issue
	if e.PersonUnitRelationID == "" {
		issues = append(issues, issue(LevelWarning, models.EntityEvidence, e.SourceID, "person_unit_relation_id", "MISSING_RELATION_LINK", "linking evidence to a person_unit_relation_id is recommended"))
	}
	return issues
}

// ValidateDocument runs the Document entity's field rules.
func ValidateDocument(d *models.Document) []Issue {
	var issues []Issue
	if err := ValidateDocumentType(d.DocumentType); err != nil {
		issues = append(issues, issue(LevelWarning, models.EntityDocument, d.SourceID, "document_type", "INVALID_DOCUMENT_TYPE", err.Error()))
	}
	return issues
}

// ValidatePersonUnitRelation runs the Person-Unit Relation entity's field
// rules.
func ValidatePersonUnitRelation(r *models.PersonUnitRelation) []Issue {
	var issues []Issue
	if r.PersonID == "" {
		issues = append(issues, issue(LevelError, models.EntityPersonUnitRelation, r.SourceID, "person_id", "MISSING_PERSON_ID", "person_id is required"))
	}
	if r.PropertyUnitID == "" {
		issues = append(issues, issue(LevelError, models.EntityPersonUnitRelation, r.SourceID, "property_unit_id", "MISSING_UNIT_ID", "property_unit_id is required"))
	}
	if err := ValidateRelationType(r.RelationType); err != nil {
		issues = append(issues, issue(LevelWarning, models.EntityPersonUnitRelation, r.SourceID, "relation_type", "INVALID_RELATION_TYPE", err.Error()))
	}
	if r.RelationType == "owner" || r.RelationType == "heirs" {
		if r.OwnershipShare != nil {
			if err := ValidateOwnershipShare(*r.OwnershipShare); err != nil {
				issues = append(issues, issue(LevelWarning, models.EntityPersonUnitRelation, r.SourceID, "ownership_share", "INVALID_OWNERSHIP_SHARE", err.Error()))
			}
		}
	}
	return issues
}

// CrossEntityCheck runs the cross-entity referential checks that run after
// every per-record validator in a package: orphan unit→building references
// and orphan relation→person references. Both are warnings — commit treats
// unresolved references as forward-declared against the committed corpus.
func CrossEntityCheck(units []*models.PropertyUnit, buildingIDs map[string]bool, relations []*models.PersonUnitRelation, personIDs map[string]bool) []Issue {
	var issues []Issue
	for _, u := range units {
		if !buildingIDs[u.BuildingID] {
			issues = append(issues, issue(LevelWarning, models.EntityPropertyUnit, u.UnitID, "building_id", "ORPHAN_UNIT", "building_id does not match any building in this package"))
		}
	}
	for _, r := range relations {
		if !personIDs[r.PersonID] {
			issues = append(issues, issue(LevelWarning, models.EntityPersonUnitRelation, r.SourceID, "person_id", "ORPHAN_RELATION", "person_id does not match any person in this package"))
		}
	}
	return issues
}

// HasErrors reports whether any issue in issues is error-level.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Level == LevelError {
			return true
		}
	}
	return false
}

// Validator is a per-entity-kind check function: a value, not a subclass.
type Validator func(record any) []Issue

// Registry maps an entity kind to the Validator responsible for it,
// avoiding any inheritance hierarchy between entity validators.
type Registry struct {
	validators map[models.EntityKind]Validator
}

// NewRegistry builds a Registry with the standard entity-kind bindings.
func NewRegistry(region RegionBounds) *Registry {
	reg := &Registry{validators: make(map[models.EntityKind]Validator)}
	reg.validators[models.EntityBuilding] = func(record any) []Issue {
		return ValidateBuilding(record.(*models.Building), region)
	}
	reg.validators[models.EntityPropertyUnit] = func(record any) []Issue {
		return ValidatePropertyUnit(record.(*models.PropertyUnit))
	}
	reg.validators[models.EntityPerson] = func(record any) []Issue {
		return ValidatePerson(record.(*models.Person))
	}
	reg.validators[models.EntityHousehold] = func(record any) []Issue {
		return ValidateHousehold(record.(*models.Household))
	}
	reg.validators[models.EntityClaim] = func(record any) []Issue {
		return ValidateClaim(record.(*models.Claim))
	}
	reg.validators[models.EntityEvidence] = func(record any) []Issue {
		return ValidateEvidence(record.(*models.Evidence))
	}
	reg.validators[models.EntityDocument] = func(record any) []Issue {
		return ValidateDocument(record.(*models.Document))
	}
	reg.validators[models.EntityPersonUnitRelation] = func(record any) []Issue {
		return ValidatePersonUnitRelation(record.(*models.PersonUnitRelation))
	}
	return reg
}

// recordSourceID extracts the identifier each entity kind's hand-written
// validators key their issues on, so the struct-tag shape layer reports
// under the same source_id.
func recordSourceID(kind models.EntityKind, record any) string {
	switch kind {
	case models.EntityBuilding:
		return record.(*models.Building).BuildingID
	case models.EntityPropertyUnit:
		return record.(*models.PropertyUnit).UnitID
	case models.EntityPerson:
		return record.(*models.Person).SourceID
	case models.EntityHousehold:
		return record.(*models.Household).SourceID
	case models.EntityClaim:
		return record.(*models.Claim).SourceID
	case models.EntityEvidence:
		return record.(*models.Evidence).SourceID
	case models.EntityDocument:
		return record.(*models.Document).SourceID
	case models.EntityPersonUnitRelation:
		return record.(*models.PersonUnitRelation).SourceID
	default:
		return ""
	}
}

// Validate looks up the Validator for kind and runs it against record,
// layering the struct-tag shape check (ValidateShape) underneath it. It
// returns an empty (nil) slice, never a panic, for an unregistered kind.
func (r *Registry) Validate(kind models.EntityKind, record any) []Issue {
	v, ok := r.validators[kind]
	if !ok {
		return nil
	}
	issues := ValidateShape(kind, recordSourceID(kind, record), record)
	return append(issues, v(record)...)
}
