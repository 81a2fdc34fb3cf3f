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

// Package ingest drives the UHC pipeline end to end: checksum
// verification, manifest parsing, idempotency, schema/vocabulary
// gating, record extraction, validation, duplicate detection, staging,
// and commit. A UHC package on the wire is a ZIP archive with a
// top-level manifest.json plus one JSON array document per entity kind
// (buildings.json, persons.json, ...). The spec's other container form,
// a self-contained embedded tabular database, is not implemented here;
// DESIGN.md's "Deleted or dropped teacher material" section records why
// (no grounded pattern for it anywhere in the retrieval pack).
package ingest

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/trrcms/core/pkg/models"
)

// Manifest is the package-level metadata every UHC container carries.
type Manifest struct {
	PackageID         string            `json:"package_id"`
	SchemaVersion     string            `json:"schema_version"`
	CreatedUTC        time.Time         `json:"created_utc"`
	DeviceID          string            `json:"device_id"`
	AppVersion        string            `json:"app_version"`
	VocabVersions     map[string]string `json:"vocab_versions"`
	FormSchemaVersion string            `json:"form_schema_version"`
	Checksum          string            `json:"checksum"`
	Signature         string            `json:"signature,omitempty"`
	RecordCounts      map[string]int    `json:"record_counts,omitempty"`
}

// entityFileNames maps each EntityKind to the JSON array file the
// extraction stage reads it from inside the archive.
var entityFileNames = map[models.EntityKind]string{
	models.EntityBuilding:           "buildings.json",
	models.EntityPropertyUnit:       "property_units.json",
	models.EntityPerson:             "persons.json",
	models.EntityHousehold:          "households.json",
	models.EntityPersonUnitRelation: "person_unit_relations.json",
	models.EntityEvidence:           "evidence.json",
	models.EntityDocument:           "documents.json",
	models.EntityClaim:              "claims.json",
}

// VerifyChecksum computes the SHA-256 of the package's data stream —
// every archive entry except manifest.json, uncompressed, in
// lexicographic name order — and compares it (hex, case-insensitive)
// against expected. The manifest is excluded so it can carry the
// checksum without hashing itself.
func VerifyChecksum(zr *zip.Reader, expected string) bool {
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.Name == "manifest.json" {
			continue
		}
		names = append(names, f.Name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		f, err := zr.Open(name)
		if err != nil {
			return false
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return false
		}
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), expected)
}

// ParseManifest opens raw as a ZIP archive and unmarshals manifest.json.
func ParseManifest(raw []byte) (*Manifest, *zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("not a valid UHC container: %w", err)
	}
	f, err := zr.Open("manifest.json")
	if err != nil {
		return nil, nil, fmt.Errorf("manifest.json missing from package: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest.json: %w", err)
	}
	return &m, zr, nil
}

// ExtractRecords reads every present per-entity JSON array file from zr
// into a map keyed by EntityKind, each record decoded generically as
// map[string]any so the validation stage can re-marshal it into a typed
// model. Entity files that are absent from the archive are simply
// skipped — a package need not carry every kind.
func ExtractRecords(zr *zip.Reader) (map[models.EntityKind][]map[string]any, error) {
	out := make(map[models.EntityKind][]map[string]any)
	for kind, name := range entityFileNames {
		f, err := zr.Open(name)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		out[kind] = records
	}
	return out, nil
}

// decodeRecord re-marshals a generic record map into the Go struct for
// kind, the bridge between the wire format's untyped JSON and the typed
// model internal/validation dispatches on.
func decodeRecord(kind models.EntityKind, raw map[string]any) (any, error) {
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
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}

// sourceIDOf extracts the device-assigned identifier from a raw record,
// trying the field name each entity kind uses for it.
func sourceIDOf(kind models.EntityKind, raw map[string]any) string {
	var key string
	switch kind {
	case models.EntityBuilding:
		key = "building_id"
	case models.EntityPropertyUnit:
		key = "unit_id"
	case models.EntityClaim:
		key = "claim_id"
	default:
		key = "source_id"
	}
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}
