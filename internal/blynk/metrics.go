package blynk

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pin requests. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windmillfan_blynk_requests_total",
			Help: "Pin requests by operation and result",
		}, []string{"op", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windmillfan_blynk_attempts_total",
			Help: "HTTP attempts made for pin requests, retries included",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "windmillfan_blynk_request_duration_seconds",
			Help:    "Pin request latency including retry pauses",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
	}
}

func (m *Metrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{m.requests, m.attempts, m.duration}
}

func (m *Metrics) observeAttempt(op string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(op).Inc()
}

func (m *Metrics) observeRequest(op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(took.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if KindOf(err) == KindUnknown {
			return "canceled"
		}
	}
	return KindOf(err).String()
}
