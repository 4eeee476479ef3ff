package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeDispatched = "dispatched"
	MatchMatched      = "matched"
	MatchNotMatched   = "not_matched"
)

type Metrics struct {
	SessionsTotal *prometheus.CounterVec
	MatchesTotal  *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec
	SignRequests  *prometheus.CounterVec
}

// New registers the presentation collectors with reg. A nil reg uses a
// private registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_presentation_sessions_total",
			Help: "Presentation sessions by final outcome (dispatched or error code)",
		}, []string{"outcome"}),
		MatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_presentation_matches_total",
			Help: "Matching results per query protocol",
		}, []string{"protocol", "result"}),
		BuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_presentation_build_duration_seconds",
			Help:    "Time spent signing and assembling a response",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"protocol"}),
		SignRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_custody_sign_requests_total",
			Help: "Signing requests served by the custody service",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncrementSession(outcome string) {
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementMatch(protocol, result string) {
	m.MatchesTotal.WithLabelValues(protocol, result).Inc()
}

func (m *Metrics) ObserveBuild(protocol string, start time.Time) {
	m.BuildDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementSign(status string) {
	m.SignRequests.WithLabelValues(status).Inc()
}
