package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	// Steps counts completed propose/evaluate/absorb cycles per algorithm
	Steps *prometheus.CounterVec
	// EvaluationAttempts counts evaluator calls by outcome
	EvaluationAttempts *prometheus.CounterVec
	// EvaluationDuration observes wall-clock time per evaluator call
	EvaluationDuration prometheus.Histogram
	// TerminalSessions counts sessions that reached a terminal status
	TerminalSessions *prometheus.CounterVec
	// ActiveEvaluations is the number of evaluations currently in flight
	ActiveEvaluations prometheus.Gauge
	// LoadedSessions is the number of sessions held in memory
	LoadedSessions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simopt_session_steps_total",
			Help: "Total number of absorbed optimization steps per algorithm",
		}, []string{"algorithm"}),
		EvaluationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simopt_evaluation_attempts_total",
			Help: "Total number of evaluator calls by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simopt_evaluation_duration_seconds",
			Help:    "Wall-clock duration of evaluator calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		TerminalSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simopt_sessions_terminal_total",
			Help: "Total number of sessions that reached a terminal status",
		}, []string{"status", "reason"}),
		ActiveEvaluations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simopt_evaluations_in_flight",
			Help: "Number of evaluations currently running",
		}),
		LoadedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simopt_sessions_loaded",
			Help: "Number of sessions held in memory",
		}),
	}
	reg.MustRegister(
		m.Steps,
		m.EvaluationAttempts,
		m.EvaluationDuration,
		m.TerminalSessions,
		m.ActiveEvaluations,
		m.LoadedSessions,
	)
	return m
}

func (m *Metrics) evaluationStarted() {
	if m == nil {
		return
	}
	m.ActiveEvaluations.Inc()
}

func (m *Metrics) evaluationFinished(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveEvaluations.Dec()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.EvaluationAttempts.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) stepAbsorbed(algorithm string) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(algorithm).Inc()
}

func (m *Metrics) sessionFinished(status Status, reason string) {
	if m == nil {
		return
	}
	m.TerminalSessions.WithLabelValues(string(status), reason).Inc()
}

func (m *Metrics) sessionsLoaded(n int) {
	if m == nil {
		return
	}
	m.LoadedSessions.Set(float64(n))
}
