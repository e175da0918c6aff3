package syncstate

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "engine",
		Name:      "apply_seconds",
		Help:      "Time spent applying remote batches to the store.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"replica"})

	batchEntries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "engine",
		Name:      "batch_entries",
		Help:      "Number of previously unseen entries per applied remote batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"replica"})

	rejectedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "engine",
		Name:      "rejected_batches_total",
		Help:      "Remote batches rejected before being recorded.",
	}, []string{"replica", "reason"})

	localMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "engine",
		Name:      "local_mutations_total",
		Help:      "Local store writes recorded by the engine.",
	}, []string{"replica"})

	trieSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "engine",
		Name:      "trie_entries",
		Help:      "Number of Hlcs indexed in the replica trie.",
	}, []string{"replica"})
)

func init() {
	prometheus.MustRegister(applyLatency, batchEntries, rejectedBatches, localMutations, trieSize)
}
