package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the chatdigest Prometheus collectors. Every method is safe
// on a nil *Metrics, which lets tests and library callers skip metrics
// entirely.
type Metrics struct {
	registry *prometheus.Registry

	MessagesIngested *prometheus.CounterVec
	Ticks            prometheus.Counter
	DueConversations prometheus.Gauge
	Cycles           *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	Deliveries       *prometheus.CounterVec
	KeywordHits      prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdigest_messages_ingested_total",
			Help: "Messages appended to the message log, by transport.",
		}, []string{"transport"}),

		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "chatdigest_scheduler_ticks_total",
			Help: "Scheduler ticks evaluated.",
		}),

		DueConversations: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatdigest_scheduler_due_conversations",
			Help: "Conversations found due on the most recent tick.",
		}),

		// outcome: digest, no_activity, summarization_failed, error, locked, attempts_exhausted
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdigest_digest_cycles_total",
			Help: "Scheduled digest cycles, by outcome.",
		}, []string{"outcome"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatdigest_digest_cycle_duration_seconds",
			Help:    "Wall time of a scheduled digest cycle, summarisation included.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdigest_deliveries_total",
			Help: "Outbound messages, by kind and result.",
		}, []string{"kind", "result"}),

		KeywordHits: f.NewCounter(prometheus.CounterOpts{
			Name: "chatdigest_keyword_hits_total",
			Help: "Keyword hits recorded.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordIngested(transport string) {
	if m == nil {
		return
	}
	m.MessagesIngested.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordTick(due int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.DueConversations.Set(float64(due))
}

func (m *Metrics) RecordCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordDelivery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Deliveries.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordKeywordHits(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.KeywordHits.Add(float64(n))
}
