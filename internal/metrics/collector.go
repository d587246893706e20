// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts push-pipeline outcomes by result:
	// accepted, duplicate, or rejected.
	EventsProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "events_processed_total",
			Help:      "Events processed by the push pipeline, by outcome.",
		},
		[]string{"outcome"},
	)

	// RejectReasons breaks rejected events down by SyncRejectReason.
	RejectReasons = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "reject_reasons_total",
			Help:      "Rejected push events, by wire-visible reason.",
		},
		[]string{"reason"},
	)

	// DriftRejections counts sender HLC adoptions refused for
	// exceeding MaxDrift. Individual events in the same batch are
	// still evaluated independently, so this never blocks acceptance.
	DriftRejections = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "drift_rejections_total",
			Help:      "Sender HLC adoptions rejected for exceeding the drift bound.",
		},
	)

	// FanoutFailures counts per-peer push failures during
	// PushToAllPeers, labeled by the failing peer's short id.
	FanoutFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fanout_failures_total",
			Help:      "Per-peer push failures during fan-out.",
		},
		[]string{"peer"},
	)

	// OutboundQueueDepth is the gauge for the occupancy of the two
	// outbound replication queues. Nothing in this module sets it;
	// sync.Engine.QueueDepths reports the same numbers on demand.
	OutboundQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "outbound_queue_depth",
			Help:      "Current depth of outbound replication queues.",
		},
		[]string{"queue"},
	)

	// PushDuration times one push batch end-to-end.
	PushDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "push_duration_seconds",
			Help:      "Wall-clock duration of handling one push batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// PullDuration times one pull request end-to-end.
	PullDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "pull_duration_seconds",
			Help:      "Wall-clock duration of handling one pull request.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// RegistrationOutcomes counts registration handshake results.
	RegistrationOutcomes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer",
			Name:      "registration_outcomes_total",
			Help:      "Registration handshake attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)
