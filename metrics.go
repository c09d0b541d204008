package pdc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "pdc"

var CounterTransfers = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "transfers_total",
		Help:      "Region transfers started, by direction.",
	},
	[]string{"direction"},
)

var CounterSubRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "transfer_subrequests_total",
		Help:      "Transfer sub-requests completed, by result.",
	},
	[]string{"result"},
)

var CounterTransferBytes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "transfer_bytes_total",
		Help:      "Bytes moved by completed sub-requests, by direction.",
	},
	[]string{"direction"},
)

var CounterBatchMessages = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "transfer_batch_messages_total",
		Help:      "Wire messages sent for transfer sub-requests.",
	},
)

var HistogramTransferWait = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: metricNamespace,
		Name:      "transfer_wait_seconds",
		Help:      "Time spent in TransferWait.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	},
)

var CounterLockWaits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "lock_waits_total",
		Help:      "Blocking lock requests that had to wait.",
	},
)

var CounterLockConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "lock_conflicts_total",
		Help:      "Non-blocking lock requests refused with WouldBlock.",
	},
)

var CounterQueries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "queries_total",
		Help:      "Predicate queries evaluated.",
	},
)

var CounterQueryLeaves = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "query_leaf_fragments_total",
		Help:      "Fragments evaluated for query leaves, by method.",
	},
	[]string{"method"},
)

var CounterCheckpoints = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "checkpoints_total",
		Help:      "Metadata checkpoints written.",
	},
)

func init() {
	prometheus.MustRegister(CounterTransfers)
	prometheus.MustRegister(CounterSubRequests)
	prometheus.MustRegister(CounterTransferBytes)
	prometheus.MustRegister(CounterBatchMessages)
	prometheus.MustRegister(HistogramTransferWait)
	prometheus.MustRegister(CounterLockWaits)
	prometheus.MustRegister(CounterLockConflicts)
	prometheus.MustRegister(CounterQueries)
	prometheus.MustRegister(CounterQueryLeaves)
	prometheus.MustRegister(CounterCheckpoints)
}
