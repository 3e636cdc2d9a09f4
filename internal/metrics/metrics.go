// Package metrics exposes Prometheus metrics for the gap analyzer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts capture records by result (processed, skipped, malformed).
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itch_gap_packets_total",
			Help: "Total number of capture records read, by result",
		},
		[]string{"result"},
	)

	// SequenceOutcomesTotal counts MoldUDP64 packets by sequencing outcome.
	SequenceOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itch_gap_sequence_outcomes_total",
			Help: "Total number of MoldUDP64 packets by sequencing outcome",
		},
		[]string{"outcome"},
	)

	// GapMessagesTotal counts messages reported missing at flush.
	GapMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "itch_gap_gap_messages_total",
			Help: "Total number of missing messages reported in gap lines",
		},
	)

	// EventsTotal counts system events by name.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itch_gap_events_total",
			Help: "Total number of system events emitted",
		},
		[]string{"event"},
	)

	// LinesTotal counts JSON lines written by index.
	LinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itch_gap_lines_total",
			Help: "Total number of output lines written",
		},
		[]string{"index"},
	)

	// SinkErrorsTotal counts output sink write failures.
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "itch_gap_sink_errors_total",
			Help: "Total number of output sink errors",
		},
		[]string{"sink"},
	)

	// ActiveSessions tracks the number of sessions in the registry.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "itch_gap_sessions",
			Help: "Number of MoldUDP64 sessions seen",
		},
	)

	// OpenGapRanges tracks open gap ranges across sessions after the last flush.
	OpenGapRanges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "itch_gap_open_gap_ranges",
			Help: "Number of open gap ranges after the last flush",
		},
	)

	// FlushDurationSeconds measures how long a flush takes.
	FlushDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "itch_gap_flush_duration_seconds",
			Help:    "Duration of gap report flushes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~0.3s
		},
	)
)
