package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memoh",
		Subsystem: "flow",
		Name:      "rounds_total",
		Help:      "Conversation rounds started, by invocation mode.",
	}, []string{"mode"})

	gatewayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memoh",
		Subsystem: "flow",
		Name:      "gateway_errors_total",
		Help:      "Agent gateway requests that failed or returned non-2xx.",
	})

	streamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memoh",
		Subsystem: "flow",
		Name:      "stream_events_total",
		Help:      "Gateway stream events decoded, by event type.",
	}, []string{"type"})

	memoryExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memoh",
		Subsystem: "flow",
		Name:      "memory_extractions_total",
		Help:      "Detached memory extraction submissions, by outcome.",
	}, []string{"outcome"})
)
