package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the market collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RentCharges        *prometheus.CounterVec
	RentGoldCollected  *prometheus.CounterVec
	RentCycleDuration  prometheus.Histogram
	StallTransitions   *prometheus.CounterVec
	ClaimOutcomes      *prometheus.CounterVec
	ClaimSessionsOpen  prometheus.Gauge
	LockupItemsStored  prometheus.Counter
	LockupItemsRelease *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RentCharges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stall_rent_charges_total",
				Help: "Rent charge attempts by funding source and result",
			},
			[]string{"source", "result"},
		),
		RentGoldCollected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stall_rent_gold_collected_total",
				Help: "Gold collected as rent by funding source",
			},
			[]string{"source"},
		),
		RentCycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stall_rent_cycle_duration_seconds",
				Help:    "Duration of one rent renewal pass over all stalls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		StallTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stall_state_transitions_total",
				Help: "Stall lifecycle transitions (grace_started, suspended, auto_released, ...)",
			},
			[]string{"transition"},
		),
		ClaimOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stall_claim_outcomes_total",
				Help: "Claim flow outcomes by payment method",
			},
			[]string{"method", "outcome"},
		),
		ClaimSessionsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "stall_claim_sessions_open",
				Help: "Claim windows currently open",
			},
		),
		LockupItemsStored: f.NewCounter(
			prometheus.CounterOpts{
				Name: "stall_lockup_items_stored_total",
				Help: "Item copies moved into lockup storage",
			},
		),
		LockupItemsRelease: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stall_lockup_items_released_total",
				Help: "Lockup delivery attempts by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) RentCharged(source, result string, gold int64) {
	if m == nil {
		return
	}
	m.RentCharges.WithLabelValues(source, result).Inc()
	if result == "paid" && gold > 0 {
		m.RentGoldCollected.WithLabelValues(source).Add(float64(gold))
	}
}

func (m *Metrics) ObserveRentCycle(seconds float64) {
	if m == nil {
		return
	}
	m.RentCycleDuration.Observe(seconds)
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.StallTransitions.WithLabelValues(name).Inc()
}

func (m *Metrics) ClaimOutcome(method, outcome string) {
	if m == nil {
		return
	}
	m.ClaimOutcomes.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ClaimSessionsOpen.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ClaimSessionsOpen.Dec()
}

func (m *Metrics) LockupStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LockupItemsStored.Add(float64(n))
}

func (m *Metrics) LockupReleased(delivered, failed int) {
	if m == nil {
		return
	}
	m.LockupItemsRelease.WithLabelValues("delivered").Add(float64(delivered))
	m.LockupItemsRelease.WithLabelValues("failed").Add(float64(failed))
}
