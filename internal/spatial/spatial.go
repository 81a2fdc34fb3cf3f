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

// Package spatial answers viewport, polygon, radius, and neighbor queries
// over the committed building corpus. Two backends satisfy the same
// Service contract: the scan backend pre-filters a lat/lng box in Go and
// applies exact predicates from internal/geometry; the indexed backend
// defers the pre-filter to a spatially-indexed storage layer and applies
// the same exact predicates on the smaller candidate set. Callers program
// against Service, never against a concrete backend.
package spatial

import (
	"context"
	"math"
	"sort"

	"github.com/trrcms/core/internal/geometry"
	"github.com/trrcms/core/pkg/models"
)

// metersPerDegreeLat is constant across latitudes; metersPerDegreeLng
// shrinks toward the poles by cos(latitude).
const metersPerDegreeLat = 111000.0

func metersPerDegreeLng(latDeg float64) float64 {
	return metersPerDegreeLat * math.Cos(latDeg*math.Pi/180)
}

// OverlapStats is the result of comparing two polygon footprints.
type OverlapStats struct {
	IntersectionM2 float64
	UnionM2        float64
	AM2            float64
	BM2            float64
	OverlapPct     float64
}

// NeighborStats summarizes nearest-neighbor distances over a sample of the
// corpus. ClusteringIndex = Median/Avg: below 1 reads as clustered, above 1
// as dispersed (Clark-Evans style, not computed against a null model here).
type NeighborStats struct {
	Avg             float64
	Median          float64
	Min             float64
	Max             float64
	ClusteringIndex float64
}

// Service is the contract both backends satisfy.
type Service interface {
	BuildingsInBBox(ctx context.Context, minLng, minLat, maxLng, maxLat float64, limit int) ([]models.BuildingRef, error)
	BuildingsInPolygon(ctx context.Context, polygon *geometry.Geometry, limit int) ([]models.BuildingRef, error)
	BuildingsInRadius(ctx context.Context, center geometry.Point, radiusM float64, limit int) ([]models.BuildingRef, error)
	NearestK(ctx context.Context, center geometry.Point, k int) ([]models.BuildingRef, error)
	Overlap(ctx context.Context, a, b *geometry.Geometry) (OverlapStats, error)
	NearestNeighborStats(ctx context.Context, sampleN int) (NeighborStats, error)
	BatchMembership(ctx context.Context, polygons []*geometry.Geometry, buildingIDs []string) (map[int][]string, error)
}

func distanceM(a, b models.BuildingRef) float64 {
	return geometry.Haversine(
		geometry.Point{Lat: a.Latitude, Lon: a.Longitude},
		geometry.Point{Lat: b.Latitude, Lon: b.Longitude},
	)
}

func sortByDistanceThenID(refs []models.BuildingRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].DistanceM != refs[j].DistanceM {
			return refs[i].DistanceM < refs[j].DistanceM
		}
		return refs[i].BuildingID < refs[j].BuildingID
	})
}

func applyLimit(refs []models.BuildingRef, limit int) []models.BuildingRef {
	if limit > 0 && len(refs) > limit {
		return refs[:limit]
	}
	return refs
}
