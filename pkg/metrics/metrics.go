// Copyright 2025 Certen Protocol
//
// Prometheus collectors for circuit breaker transitions and DCT
// verification denials. These are plain prometheus.Collectors; registering
// them with a *prometheus.Registry and serving /metrics is left to the
// caller.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/certen/independant-validator/pkg/circuitbreaker"
	"github.com/certen/independant-validator/pkg/dct"
)

// Collectors bundles every collector this package exposes, so callers
// register them with a single MustRegister(collectors.All()...) call.
type Collectors struct {
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	VerificationDenials *prometheus.CounterVec
}

// New constructs the collectors. namespace prefixes every metric name
// (e.g. "dct" produces "dct_breaker_transitions_total").
func New(namespace string) *Collectors {
	return &Collectors{
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Count of circuit breaker state transitions, labeled by from and to state.",
		}, []string{"breaker", "from", "to"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"breaker"}),
		VerificationDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_denials_total",
			Help:      "Count of DCT verification denials, labeled by reason.",
		}, []string{"reason"}),
	}
}

// All returns every collector, for a single MustRegister call.
func (c *Collectors) All() []prometheus.Collector {
	return []prometheus.Collector{c.BreakerTransitions, c.BreakerState, c.VerificationDenials}
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.Closed:
		return 0
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return -1
	}
}

// ObserveBreaker registers a circuitbreaker.Listener on b that updates
// BreakerTransitions and BreakerState, labeling every sample with name.
func (c *Collectors) ObserveBreaker(name string, b *circuitbreaker.Breaker) {
	b.OnStateChange(func(from, to circuitbreaker.State) {
		c.BreakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
		c.BreakerState.WithLabelValues(name).Set(stateValue(to))
	})
}

// RecordDenial increments the verification denial counter for reason.
// Callers extract reason from a *dct.VerifyError returned by a Backend's
// VerifyDCT via errors.As.
func (c *Collectors) RecordDenial(reason dct.DenialReason) {
	c.VerificationDenials.WithLabelValues(string(reason)).Inc()
}
