package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selecta_streams_active",
		Help: "Turns currently streaming from the agent",
	})

	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selecta_stream_events_total",
		Help: "Decoded stream events by payload kind",
	}, []string{"kind"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selecta_stream_decode_errors_total",
		Help: "Stream frames skipped because they were not valid events",
	})

	TransportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selecta_transport_errors_total",
		Help: "Transport failures by stage",
	}, []string{"stage"})

	TurnsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selecta_turns_finalized_total",
		Help: "Turns committed, by what ended them",
	}, []string{"reason"})

	TurnsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selecta_turns_abandoned_total",
		Help: "Turns dropped by a superseding send or shutdown",
	})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "selecta_turn_duration_seconds",
		Help:    "Time from send to committed answer",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	QueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "selecta_query_errors_total",
		Help: "Query errors reported by the agent",
	})

	RunsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selecta_runs_processed_total",
		Help: "Queued channel runs by final status",
	}, []string{"status"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "selecta_runs_active",
		Help: "Queued channel runs currently being processed",
	})
)

// Finalize reasons.
const (
	ReasonTerminal  = "terminal_event"
	ReasonEnd       = "end_of_stream"
	ReasonTransport = "transport_error"
)
