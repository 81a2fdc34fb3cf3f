package spatial_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/trrcms/core/internal/geometry"
	"github.com/trrcms/core/internal/spatial"
	"github.com/trrcms/core/pkg/models"
	"github.com/trrcms/core/pkg/storage/memory"
)

func TestSpatial(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Spatial Suite")
}

func mustLoadBuilding(store *memory.Store, id string, lat, lng float64) {
	b := &models.Building{BuildingID: id, Latitude: &lat, Longitude: &lng}
	Expect(store.UpsertBuilding(context.Background(), b)).To(Succeed())
}

var _ = Describe("Service", func() {
	var (
		ctx   context.Context
		store *memory.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memory.New()
		mustLoadBuilding(store, "B1", 36.20, 37.10)
		mustLoadBuilding(store, "B2", 36.21, 37.11)
		mustLoadBuilding(store, "B3", 40.00, 40.00) // far away
	})

	DescribeTable("BuildingsInBBox returns the same candidates from both backends",
		func(newService func() spatial.Service) {
			svc := newService()
			refs, err := svc.BuildingsInBBox(ctx, 37.0, 36.0, 37.2, 36.3, 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(refs).To(HaveLen(2))
		},
		Entry("scan backend", func() spatial.Service { return spatial.NewScanBackend(store) }),
		Entry("indexed backend (falls back to scan)", func() spatial.Service { return spatial.NewIndexedBackend(store) }),
	)

	It("BuildingsInRadius discards candidates past the exact radius and sorts by distance", func() {
		svc := spatial.NewScanBackend(store)
		// B2 (~1.43 km away) passes the 1.2 km bounding-box pre-filter but
		// lies outside the exact radius.
		refs, err := svc.BuildingsInRadius(ctx, geometry.Point{Lon: 37.10, Lat: 36.20}, 1200, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(refs).To(HaveLen(1))
		Expect(refs[0].BuildingID).To(Equal("B1"))
	})

	It("BuildingsInRadius with radius <= 0 returns empty", func() {
		svc := spatial.NewScanBackend(store)
		refs, err := svc.BuildingsInRadius(ctx, geometry.Point{Lon: 37.10, Lat: 36.20}, 0, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(refs).To(BeEmpty())
	})

	It("NearestK orders by ascending distance", func() {
		svc := spatial.NewScanBackend(store)
		refs, err := svc.NearestK(ctx, geometry.Point{Lon: 37.10, Lat: 36.20}, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(refs).To(HaveLen(2))
		Expect(refs[0].BuildingID).To(Equal("B1"))
		Expect(refs[0].DistanceM).To(BeNumerically("<=", refs[1].DistanceM))
	})

	It("BuildingsInPolygon returns fewer than 3 vertices as empty", func() {
		svc := spatial.NewScanBackend(store)
		refs, err := svc.BuildingsInPolygon(ctx, &geometry.Geometry{Rings: []geometry.Ring{{{Lon: 0, Lat: 0}}}}, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(refs).To(BeEmpty())
	})

	It("Overlap reports a fully nested polygon as 100% of the smaller area", func() {
		svc := spatial.NewScanBackend(store)
		outer := square(37.0, 36.0, 0.01)
		inner := square(37.002, 36.002, 0.002)
		stats, err := svc.Overlap(ctx, outer, inner)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.IntersectionM2).To(BeNumerically("~", stats.BM2, 1.0))
		Expect(stats.OverlapPct).To(BeNumerically(">", 0))
	})

	It("NearestNeighborStats computes clustering index as median/avg", func() {
		svc := spatial.NewScanBackend(store)
		stats, err := svc.NearestNeighborStats(ctx, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Avg).To(BeNumerically(">", 0))
		Expect(stats.ClusteringIndex).To(BeNumerically("~", stats.Median/stats.Avg, 1e-9))
	})

	It("BatchMembership buckets building IDs per polygon index", func() {
		svc := spatial.NewScanBackend(store)
		poly := square(37.0, 36.0, 0.5)
		result, err := svc.BatchMembership(ctx, []*geometry.Geometry{poly}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(result[0]).To(ContainElements("B1", "B2"))
		Expect(result[0]).ToNot(ContainElement("B3"))
	})
})

func square(lon, lat, half float64) *geometry.Geometry {
	ring := geometry.Ring{
		{Lon: lon - half, Lat: lat - half},
		{Lon: lon + half, Lat: lat - half},
		{Lon: lon + half, Lat: lat + half},
		{Lon: lon - half, Lat: lat + half},
		{Lon: lon - half, Lat: lat - half},
	}
	return &geometry.Geometry{Rings: []geometry.Ring{ring}}
}
