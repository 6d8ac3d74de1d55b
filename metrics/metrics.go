// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oae"

type Metrics struct {
	Observations     *prometheus.CounterVec
	Deltas           *prometheus.CounterVec
	PollErrors       *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	Watermark        *prometheus.GaugeVec
	Notifications    *prometheus.CounterVec
	DeadLetters      prometheus.Counter
	SettlementShares *prometheus.CounterVec
	PayoutStatus     *prometheus.CounterVec
	PinFailures      prometheus.Counter
}

// New creates the collectors and registers them with reg; a nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "observations_total",
			Help: "Inbound observations submitted to the ledger.",
		}, []string{"chain"}),
		Deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "deltas_total",
			Help: "State deltas returned by the detection ledger.",
		}, []string{"chain", "delta"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "errors_total",
			Help: "Failed adapter or ledger calls during a poll cycle.",
		}, []string{"chain", "stage"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "poller", Name: "cycle_seconds",
			Help:    "Duration of a full poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"chain"}),
		Watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poller", Name: "tip_height",
			Help: "Last chain tip seen by the poller.",
		}, []string{"chain"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "sent_total",
			Help: "Deposit notifications by outcome.",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "dead_letters_total",
			Help: "Notifications parked after exhausting retries.",
		}),
		SettlementShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "shares_total",
			Help: "Rule applications by result.",
		}, []string{"chain", "result"}),
		PayoutStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payout", Name: "transitions_total",
			Help: "Payout status transitions.",
		}, []string{"chain", "status"}),
		PinFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "security", Name: "pin_failures_total",
			Help: "Failed or locked PIN verifications.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Observations, m.Deltas, m.PollErrors, m.PollDuration, m.Watermark,
			m.Notifications, m.DeadLetters, m.SettlementShares, m.PayoutStatus, m.PinFailures,
		)
	}
	return m
}

// Nop returns unregistered collectors for tests and tools.
func Nop() *Metrics {
	return New(nil)
}
