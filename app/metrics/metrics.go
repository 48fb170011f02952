package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noticecomb/notice-comb/app/crawl"
)

const (
	Namespace = "notice_comb"
	Subsystem = "crawl"
)

// Metrics holds the crawl counters exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	PagesFetchedTotal  *prometheus.CounterVec
	ItemsSeenTotal     *prometheus.CounterVec
	ItemsNewTotal      *prometheus.CounterVec
	ItemsDegradedTotal *prometheus.CounterVec
	FetchRetriesTotal  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "runs_total",
			Help:      "Finished crawl runs by outcome",
		},
		[]string{"source_id", "status"},
	)

	m.RunDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "run_duration_seconds",
			Help:      "Duration of crawl runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"source_id"},
	)

	m.PagesFetchedTotal = m.counter(factory, "pages_fetched_total", "Listing pages fetched")
	m.ItemsSeenTotal = m.counter(factory, "items_seen_total", "Candidates extracted from listing pages")
	m.ItemsNewTotal = m.counter(factory, "items_new_total", "Items stored for the first time")
	m.ItemsDegradedTotal = m.counter(factory, "items_degraded_total", "Items stored with missing optional fields")
	m.FetchRetriesTotal = m.counter(factory, "fetch_retries_total", "Retries of transient fetch failures")

	return m
}

func (m *Metrics) counter(factory promauto.Factory, name, help string) *prometheus.CounterVec {
	return factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      name,
			Help:      help,
		},
		[]string{"source_id"},
	)
}

// TrackActiveRuns exports fn as the number of runs currently executing.
func (m *Metrics) TrackActiveRuns(fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "active_runs",
			Help:      "Crawl runs currently executing",
		},
		func() float64 { return float64(fn()) },
	)
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(_ context.Context, summary crawl.RunSummary) {
	status := "ok"
	if summary.Err != nil {
		status = string(summary.ErrorKind)
	}
	id := summary.SourceID

	m.RunsTotal.WithLabelValues(id, status).Inc()
	m.RunDurationSeconds.WithLabelValues(id).Observe(summary.Duration().Seconds())
	m.PagesFetchedTotal.WithLabelValues(id).Add(float64(summary.PagesFetched))
	m.ItemsSeenTotal.WithLabelValues(id).Add(float64(summary.ItemsSeen))
	m.ItemsNewTotal.WithLabelValues(id).Add(float64(summary.ItemsNew))
	m.ItemsDegradedTotal.WithLabelValues(id).Add(float64(summary.ItemsDegraded))
	m.FetchRetriesTotal.WithLabelValues(id).Add(float64(summary.Retries))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
