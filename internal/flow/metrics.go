package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payflow",
			Name:      "flows_open",
			Help:      "Number of purchase flows currently held in memory",
		},
	)

	stepTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "step_transitions_total",
			Help:      "Total number of flow step transitions",
		},
		[]string{"from", "to"},
	)

	pricingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "pricing_requests_total",
			Help:      "Total number of debounced pricing requests by outcome",
		},
		[]string{"outcome"},
	)

	paymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "payment_outcomes_total",
			Help:      "Total number of payment attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	issuanceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "ticket_issuance_total",
			Help:      "Total number of ticket issuance attempts by outcome",
		},
		[]string{"outcome"},
	)

	cryptoPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "crypto_polls_total",
			Help:      "Total number of crypto charge status reads by result",
		},
		[]string{"result"},
	)
)
