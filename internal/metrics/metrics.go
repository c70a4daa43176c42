package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Collector metrics
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_batches_flushed_total",
			Help: "Total batches flushed by the collector",
		},
		[]string{"reason"}, // "timeout", "max_wait", "human", "size", "close"
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "huddle_batch_size_messages",
			Help:    "Number of messages per delivered batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	BatchAge = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "huddle_batch_age_seconds",
			Help:    "Time between the first buffered message of a batch and its flush",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_delivery_failures_total",
			Help: "Total batches whose delivery callback failed",
		},
	)

	MessagesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_messages_rejected_total",
			Help: "Total messages rejected by the collector",
		},
	)

	// Routing metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_messages_published_total",
			Help: "Total messages published on the broker",
		},
		[]string{"type"},
	)

	BrokerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_broker_dropped_total",
			Help: "Total messages dropped because a recipient channel was full",
		},
	)

	MeetingClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_meeting_claimed_total",
			Help: "Total messages claimed by a meeting manager",
		},
		[]string{"type"},
	)

	// Storage metrics
	JournalLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "huddle_journal_latency_seconds",
			Help:    "Journal write latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1},
		},
	)

	// LLM metrics
	CompletionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_completion_latency_seconds",
			Help:    "LLM completion latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	CompletionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_completion_failures_total",
			Help: "Total failed LLM completions",
		},
		[]string{"provider"},
	)
)
