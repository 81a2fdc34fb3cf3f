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

package spatial

import (
	"context"
	"math"
	"sort"

	"github.com/trrcms/core/internal/geometry"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage"
)

// BoundingBoxFinder is an optional capability a storage.CommittedStore
// implementation can expose to let the indexed backend push the bbox
// pre-filter down to a spatial index (e.g. postgis GiST) instead of
// scanning every committed building in the process. When a store does
// not implement it, NewIndexedBackend falls back to the full scan, same
// as the scan backend.
type BoundingBoxFinder interface {
	BuildingRefsInBBox(ctx context.Context, minLng, minLat, maxLng, maxLat float64) ([]models.BuildingRef, error)
}

// backend implements Service; the two exported constructors differ only
// in how they pre-filter a bounding box down to candidate buildings.
type backend struct {
	store     storage.CommittedStore
	prefilter func(ctx context.Context, minLng, minLat, maxLng, maxLat float64) ([]models.BuildingRef, error)
}

// NewScanBackend pre-filters by scanning every committed building and
// keeping those whose lat/lng fall within the query box — the degree
// conversion uses metersPerDegreeLat and metersPerDegreeLng at the query
// latitude, per the documented approximation.
func NewScanBackend(store storage.CommittedStore) Service {
	b := &backend{store: store}
	b.prefilter = func(ctx context.Context, minLng, minLat, maxLng, maxLat float64) ([]models.BuildingRef, error) {
		all, err := store.AllBuildingRefs(ctx)
		if err != nil {
			return nil, err
		}
		out := all[:0:0]
		for _, ref := range all {
			if ref.Longitude >= minLng && ref.Longitude <= maxLng &&
				ref.Latitude >= minLat && ref.Latitude <= maxLat {
				out = append(out, ref)
			}
		}
		return out, nil
	}
	return b
}

// NewIndexedBackend prefers a storage-layer BoundingBoxFinder when the
// given store provides one, falling back to a full scan otherwise.
func NewIndexedBackend(store storage.CommittedStore) Service {
	b := &backend{store: store}
	if finder, ok := store.(BoundingBoxFinder); ok {
		b.prefilter = finder.BuildingRefsInBBox
		return b
	}
	return NewScanBackend(store).(*backend)
}

func (b *backend) BuildingsInBBox(ctx context.Context, minLng, minLat, maxLng, maxLat float64, limit int) ([]models.BuildingRef, error) {
	refs, err := b.prefilter(ctx, minLng, minLat, maxLng, maxLat)
	if err != nil {
		return nil, err
	}
	return applyLimit(refs, limit), nil
}

func (b *backend) BuildingsInPolygon(ctx context.Context, polygon *geometry.Geometry, limit int) ([]models.BuildingRef, error) {
	if polygon == nil || len(polygon.Rings) == 0 || len(polygon.Rings[0]) < 3 {
		return nil, nil
	}
	minLon, minLat, maxLon, maxLat := geometry.BoundingBox(polygon.Rings[0])
	candidates, err := b.prefilter(ctx, minLon, minLat, maxLon, maxLat)
	if err != nil {
		return nil, err
	}
	out := make([]models.BuildingRef, 0, len(candidates))
	for _, ref := range candidates {
		p := geometry.Point{Lon: ref.Longitude, Lat: ref.Latitude}
		if geometry.PointInPolygon(p, polygon) {
			out = append(out, ref)
		}
	}
	return applyLimit(out, limit), nil
}

func (b *backend) BuildingsInRadius(ctx context.Context, center geometry.Point, radiusM float64, limit int) ([]models.BuildingRef, error) {
	if radiusM <= 0 {
		return nil, nil
	}
	dLat := radiusM / metersPerDegreeLat
	dLng := radiusM / metersPerDegreeLng(center.Lat)
	candidates, err := b.prefilter(ctx, center.Lon-dLng, center.Lat-dLat, center.Lon+dLng, center.Lat+dLat)
	if err != nil {
		return nil, err
	}
	out := make([]models.BuildingRef, 0, len(candidates))
	for _, ref := range candidates {
		d := geometry.Haversine(center, geometry.Point{Lon: ref.Longitude, Lat: ref.Latitude})
		if d <= radiusM {
			ref.DistanceM = d
			out = append(out, ref)
		}
	}
	sortByDistanceThenID(out)
	return applyLimit(out, limit), nil
}

func (b *backend) NearestK(ctx context.Context, center geometry.Point, k int) ([]models.BuildingRef, error) {
	if k <= 0 {
		return nil, nil
	}
	all, err := b.store.AllBuildingRefs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.BuildingRef, len(all))
	for i, ref := range all {
		ref.DistanceM = geometry.Haversine(center, geometry.Point{Lon: ref.Longitude, Lat: ref.Latitude})
		out[i] = ref
	}
	sortByDistanceThenID(out)
	return applyLimit(out, k), nil
}

func (b *backend) Overlap(ctx context.Context, a, b2 *geometry.Geometry) (OverlapStats, error) {
	if a == nil || b2 == nil || len(a.Rings) == 0 || len(b2.Rings) == 0 {
		return OverlapStats{}, nil
	}
	aM2 := math.Abs(geometry.PolygonArea(a.Rings[0]))
	bM2 := math.Abs(geometry.PolygonArea(b2.Rings[0]))

	// True polygon clipping is out of scope (see spec non-goals); the
	// intersection area is approximated as the area of whichever
	// polygon's exterior ring is fully inside the other, and zero
	// otherwise — exact for the nested case, conservative for partial
	// overlap.
	var intersection float64
	if allVerticesInside(a.Rings[0], b2) {
		intersection = aM2
	} else if allVerticesInside(b2.Rings[0], a) {
		intersection = bM2
	}
	union := aM2 + bM2 - intersection
	stats := OverlapStats{IntersectionM2: intersection, UnionM2: union, AM2: aM2, BM2: bM2}
	if union > 0 {
		stats.OverlapPct = intersection / union * 100
	}
	return stats, nil
}

func allVerticesInside(ring geometry.Ring, polygon *geometry.Geometry) bool {
	for _, p := range ring {
		if !geometry.PointInPolygon(p, polygon) {
			return false
		}
	}
	return true
}

func (b *backend) NearestNeighborStats(ctx context.Context, sampleN int) (NeighborStats, error) {
	all, err := b.store.AllBuildingRefs(ctx)
	if err != nil {
		return NeighborStats{}, err
	}
	if sampleN > 0 && sampleN < len(all) {
		all = all[:sampleN]
	}
	if len(all) < 2 {
		return NeighborStats{}, nil
	}

	dists := make([]float64, 0, len(all))
	for i, a := range all {
		best := math.Inf(1)
		for j, b2 := range all {
			if i == j {
				continue
			}
			d := distanceM(a, b2)
			if d < best {
				best = d
			}
		}
		dists = append(dists, best)
	}
	sort.Float64s(dists)

	sum := 0.0
	for _, d := range dists {
		sum += d
	}
	avg := sum / float64(len(dists))
	median := medianOf(dists)
	stats := NeighborStats{
		Avg:    avg,
		Median: median,
		Min:    dists[0],
		Max:    dists[len(dists)-1],
	}
	if avg > 0 {
		stats.ClusteringIndex = median / avg
	}
	return stats, nil
}

func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func (b *backend) BatchMembership(ctx context.Context, polygons []*geometry.Geometry, buildingIDs []string) (map[int][]string, error) {
	all, err := b.store.AllBuildingRefs(ctx)
	if err != nil {
		return nil, err
	}
	if len(buildingIDs) > 0 {
		allowed := make(map[string]bool, len(buildingIDs))
		for _, id := range buildingIDs {
			allowed[id] = true
		}
		filtered := all[:0:0]
		for _, ref := range all {
			if allowed[ref.BuildingID] {
				filtered = append(filtered, ref)
			}
		}
		all = filtered
	}

	result := make(map[int][]string, len(polygons))
	for i, poly := range polygons {
		if poly == nil || len(poly.Rings) == 0 || len(poly.Rings[0]) < 3 {
			result[i] = nil
			continue
		}
		var ids []string
		for _, ref := range all {
			if geometry.PointInPolygon(geometry.Point{Lon: ref.Longitude, Lat: ref.Latitude}, poly) {
				ids = append(ids, ref.BuildingID)
			}
		}
		result[i] = ids
	}
	return result, nil
}
