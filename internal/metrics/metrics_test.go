package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trrcms/core/internal/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("HTTPMetrics middleware", func() {
	var (
		registry *prometheus.Registry
		m        *metrics.Metrics
		router   *chi.Mux
	)

	BeforeEach(func() {
		registry = prometheus.NewRegistry()
		m = metrics.NewMetricsWithRegistry(registry)
		router = chi.NewRouter()
		router.Use(metrics.HTTPMetrics(m))
	})

	It("records request duration labeled by method, path, and status", func() {
		router.Get("/sync/status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		req := httptest.NewRequest("GET", "/sync/status", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusOK))

		families, err := registry.Gather()
		Expect(err).ToNot(HaveOccurred())

		var found bool
		for _, mf := range families {
			if mf.GetName() == "trrcms_http_request_duration_seconds" {
				found = true
				Expect(mf.GetMetric()).ToNot(BeEmpty())
			}
		}
		Expect(found).To(BeTrue())
	})

	It("does not panic with nil metrics", func() {
		router := chi.NewRouter()
		router.Use(metrics.HTTPMetrics(nil))
		router.Get("/x", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

		Expect(func() {
			req := httptest.NewRequest("GET", "/x", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
		}).ToNot(Panic())
	})
})

var _ = Describe("ingest and conflict gauges", func() {
	It("accepts observations without a registry-specific assertion", func() {
		m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
		Expect(func() {
			m.ObserveIngestStage("manifest_parse", "ok")
			m.ObserveIngestRecord("building", "committed")
			m.SetConflictQueueSize("critical", 3)
			m.ObserveSpatialQuery("NearestK", "scan", 0.002)
		}).ToNot(Panic())
	})

	It("tolerates a nil *Metrics everywhere", func() {
		var m *metrics.Metrics
		Expect(func() {
			m.ObserveIngestStage("manifest_parse", "ok")
			m.ObserveIngestRecord("building", "committed")
			m.SetConflictQueueSize("critical", 3)
			m.ObserveSpatialQuery("NearestK", "scan", 0.002)
		}).ToNot(Panic())
	})
})
