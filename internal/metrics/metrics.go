// Package metrics records access-flow metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives access-flow events.
type Recorder interface {
	ObserveDecision(decision, reason, source string)
	ObserveAgentCall(outcome string, duration time.Duration)
	IncFallback(cause string)
	IncTransition(from, to string, legal bool)
	ObserveChallenge(success bool, score float64)
	IncGrant()
	SetActiveSessions(n int)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ObserveDecision(string, string, string) {}
func (Nop) ObserveAgentCall(string, time.Duration) {}
func (Nop) IncFallback(string)                     {}
func (Nop) IncTransition(string, string, bool)     {}
func (Nop) ObserveChallenge(bool, float64)         {}
func (Nop) IncGrant()                              {}
func (Nop) SetActiveSessions(int)                  {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	decisionsTotal   *prometheus.CounterVec
	agentDuration    *prometheus.HistogramVec
	fallbacksTotal   *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	challengesTotal  *prometheus.CounterVec
	challengeScore   prometheus.Histogram
	grantsTotal      prometheus.Counter
	activeSessions   prometheus.Gauge
}

// NewPrometheusRecorder registers the collectors with reg. A nil reg uses
// the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studygate_decisions_total",
				Help: "Access decisions by outcome, reason and source (agent or policy)",
			},
			[]string{"decision", "reason", "source"},
		),
		agentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "studygate_agent_request_duration_seconds",
				Help:    "Duration of remote agent calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		fallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studygate_fallbacks_total",
				Help: "Switches to the local policy by cause",
			},
			[]string{"cause"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studygate_state_transitions_total",
				Help: "Chat state transitions, including rejected ones",
			},
			[]string{"from", "to", "status"},
		),
		challengesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studygate_challenges_total",
				Help: "Graded challenge attempts by result",
			},
			[]string{"result"},
		),
		challengeScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "studygate_challenge_score",
				Help:    "Score of graded challenge attempts",
				Buckets: []float64{0, 0.25, 0.5, 0.75, 1},
			},
		),
		grantsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "studygate_grants_total",
				Help: "Gateway grants issued",
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "studygate_active_sessions",
				Help: "Sessions held in memory",
			},
		),
	}
}

// ObserveDecision counts a decision.
func (p *PrometheusRecorder) ObserveDecision(decision, reason, source string) {
	p.decisionsTotal.WithLabelValues(decision, reason, source).Inc()
}

// ObserveAgentCall records the duration of a remote agent call.
func (p *PrometheusRecorder) ObserveAgentCall(outcome string, duration time.Duration) {
	p.agentDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncFallback counts a switch to the local policy.
func (p *PrometheusRecorder) IncFallback(cause string) {
	p.fallbacksTotal.WithLabelValues(cause).Inc()
}

// IncTransition counts a state transition attempt.
func (p *PrometheusRecorder) IncTransition(from, to string, legal bool) {
	status := "applied"
	if !legal {
		status = "rejected"
	}
	p.transitionsTotal.WithLabelValues(from, to, status).Inc()
}

// ObserveChallenge records a graded attempt.
func (p *PrometheusRecorder) ObserveChallenge(success bool, score float64) {
	result := "failed"
	if success {
		result = "passed"
	}
	p.challengesTotal.WithLabelValues(result).Inc()
	p.challengeScore.Observe(score)
}

// IncGrant counts a gateway grant.
func (p *PrometheusRecorder) IncGrant() {
	p.grantsTotal.Inc()
}

// SetActiveSessions sets the number of in-memory sessions.
func (p *PrometheusRecorder) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}
