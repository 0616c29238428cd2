// Package metrics declares the Prometheus instruments for the fiscal and
// pricing core.  Counters are registered with the default registry and
// exposed by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NumbersIssued counts fiscal series numbers issued, by channel kind
	// (online or offline).
	NumbersIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscal_numbers_issued_total",
		Help: "Fiscal series numbers issued, by channel kind.",
	}, []string{"channel"})

	// BlocksReserved counts offline block reservations.
	BlocksReserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fiscal_offline_blocks_reserved_total",
		Help: "Offline fiscal number blocks reserved.",
	})

	// MergeRejections counts numbers rejected during offline merges, by
	// reason (duplicate or out_of_range).
	MergeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscal_merge_rejections_total",
		Help: "Numbers rejected during offline sale merges, by reason.",
	}, []string{"reason"})

	// StageTransitions counts committed pricing stage transitions, by
	// trigger.
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pricing_stage_transitions_total",
		Help: "Committed pricing stage transitions, by trigger.",
	}, []string{"trigger"})

	// ContentionRetries counts transparent retries performed by the HTTP
	// layer after a lock contention error.
	ContentionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_contention_retries_total",
		Help: "Operations retried after lock contention.",
	})
)
