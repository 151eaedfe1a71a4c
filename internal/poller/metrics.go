package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the refresh loop. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	cyclesTotal   prometheus.Counter
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	skippedBusy   *prometheus.CounterVec
	panicsTotal   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamsync",
			Name:      "poll_cycles_total",
			Help:      "Poll cycles dispatched",
		}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsync",
			Name:      "poll_fetches_total",
			Help:      "Resource refreshes by outcome",
		}, []string{"resource", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamsync",
			Name:      "poll_fetch_duration_seconds",
			Help:      "Histogram of per-resource refresh durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		skippedBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsync",
			Name:      "poll_skipped_busy_total",
			Help:      "Ticks that skipped a resource because its previous refresh was still in flight",
		}, []string{"resource"}),
		panicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsync",
			Name:      "poll_fetch_panics_total",
			Help:      "Refreshes that panicked and were recovered",
		}, []string{"resource"}),
	}
	reg.MustRegister(m.cyclesTotal, m.fetchesTotal, m.fetchDuration, m.skippedBusy, m.panicsTotal)
	return m
}

func (m *Metrics) IncCycles() {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
}

func (m *Metrics) ObserveFetch(resource string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetchesTotal.WithLabelValues(resource, outcome).Inc()
	m.fetchDuration.WithLabelValues(resource).Observe(dur.Seconds())
}

func (m *Metrics) IncSkippedBusy(resource string) {
	if m == nil {
		return
	}
	m.skippedBusy.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncPanics(resource string) {
	if m == nil {
		return
	}
	m.panicsTotal.WithLabelValues(resource).Inc()
}
