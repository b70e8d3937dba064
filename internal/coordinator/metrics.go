package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks refresh cycles. A nil *Metrics records nothing.
type Metrics struct {
	refreshes   *prometheus.CounterVec
	coalesced   prometheus.Counter
	waiters     prometheus.Gauge
	available   prometheus.Gauge
	lastSuccess prometheus.Gauge
	duration    prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windmillfan_refresh_total",
			Help: "Remote refresh cycles by result",
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "windmillfan_refresh_coalesced_total",
			Help: "Refresh requests that shared one fetch with other callers",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "windmillfan_refresh_waiters",
			Help: "Callers currently waiting on a refresh",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "windmillfan_device_available",
			Help: "1 if the last refresh succeeded",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "windmillfan_refresh_last_success_timestamp_seconds",
			Help: "Unix time of the last successful refresh",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "windmillfan_refresh_duration_seconds",
			Help:    "Time taken by one remote refresh",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.refreshes, m.coalesced, m.waiters, m.available, m.lastSuccess, m.duration}
}

func (m *Metrics) observeRefresh(out Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(took.Seconds())
	if out.OK() {
		m.refreshes.WithLabelValues("ok").Inc()
		m.available.Set(1)
		m.lastSuccess.Set(float64(out.At.Unix()))
		return
	}
	m.refreshes.WithLabelValues("failed").Inc()
	m.available.Set(0)
}

func (m *Metrics) waiting(delta float64) {
	if m == nil {
		return
	}
	m.waiters.Add(delta)
}

func (m *Metrics) shared() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}
