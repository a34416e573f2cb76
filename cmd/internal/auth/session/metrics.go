package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the security-relevant counters of the subsystem.
type Metrics struct {
	Rotations     *prometheus.CounterVec
	ReuseDetected prometheus.Counter
	Revocations   prometheus.Counter
	SweptRows     prometheus.Counter
}

// NewMetrics registers the auth counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paperbase",
			Subsystem: "auth",
			Name:      "rotations_total",
			Help:      "Refresh rotation attempts by outcome.",
		}, []string{"outcome"}),
		ReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paperbase",
			Subsystem: "auth",
			Name:      "reuse_detected_total",
			Help:      "Refresh credential replays that triggered an owner-wide wipe.",
		}),
		Revocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paperbase",
			Subsystem: "auth",
			Name:      "revoked_credentials_total",
			Help:      "Credentials revoked by logout, logout-all, and reuse wipes.",
		}),
		SweptRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paperbase",
			Subsystem: "auth",
			Name:      "swept_tombstones_total",
			Help:      "Tombstoned credential rows deleted by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Rotations, m.ReuseDetected, m.Revocations, m.SweptRows)
	}
	return m
}

func (m *Metrics) rotation(outcome string) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) revoked(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Revocations.Add(float64(n))
}

func (m *Metrics) reuse() {
	if m == nil {
		return
	}
	m.ReuseDetected.Inc()
}

func (m *Metrics) swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptRows.Add(float64(n))
}
