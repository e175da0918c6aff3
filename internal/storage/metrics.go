package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	walAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "append_seconds",
		Help:      "Latency for appending entry batches to the WAL.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"replica"})

	walReplayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "replay_seconds",
		Help:      "Latency for replaying a replica's WAL.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"replica"})

	walBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wal",
		Name:      "backlog_entries",
		Help:      "WAL entries journaled after the latest snapshot per replica.",
	}, []string{"replica"})

	walRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wal",
		Name:      "retries_total",
		Help:      "Transient Postgres failures retried by the WAL.",
	})

	walTracer = otel.Tracer("github.com/example/cellsync/wal")
)

func init() {
	prometheus.MustRegister(walAppendLatency, walReplayLatency, walBacklog, walRetries)
}
