// Package metrics exposes pipeline counters and latencies on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcomes.
const (
	OutcomeGrounded   = "grounded"
	OutcomeNoEvidence = "no_evidence"
	OutcomeError      = "error"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	documents  *prometheus.CounterVec
	chunks     prometheus.Counter
	queries    *prometheus.CounterVec
	retrieval  prometheus.Histogram
	generation prometheus.Histogram
	indexSize  prometheus.Gauge
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groundedqa_ingest_documents_total",
			Help: "Documents seen by ingestion, by status.",
		}, []string{"status"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groundedqa_ingest_chunks_total",
			Help: "Chunks embedded and written to the index.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groundedqa_queries_total",
			Help: "Questions answered, by outcome.",
		}, []string{"outcome"}),
		retrieval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "groundedqa_retrieval_duration_seconds",
			Help:    "Time spent embedding the question and searching the index.",
			Buckets: durationBuckets,
		}),
		generation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "groundedqa_generation_duration_seconds",
			Help:    "Time spent synthesizing the answer.",
			Buckets: durationBuckets,
		}),
		indexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groundedqa_index_entries",
			Help: "Entries in the vector index.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.documents, m.chunks, m.queries, m.retrieval, m.generation, m.indexSize,
	)
	return m
}

func (m *Metrics) Document(status string) {
	if m != nil {
		m.documents.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Chunks(n int) {
	if m != nil {
		m.chunks.Add(float64(n))
	}
}

func (m *Metrics) Query(outcome string) {
	if m != nil {
		m.queries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Retrieval(d time.Duration) {
	if m != nil {
		m.retrieval.Observe(d.Seconds())
	}
}

func (m *Metrics) Generation(d time.Duration) {
	if m != nil {
		m.generation.Observe(d.Seconds())
	}
}

func (m *Metrics) IndexSize(n int) {
	if m != nil {
		m.indexSize.Set(float64(n))
	}
}

// Registry is exposed for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
