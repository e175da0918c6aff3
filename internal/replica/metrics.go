package replica

import "github.com/prometheus/client_golang/prometheus"

var journalFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "replica",
	Name:      "journal_failures_total",
	Help:      "Entry batches that could not be written to the journal.",
})

var driftRejections = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "replica",
	Name:      "drift_rejections_total",
	Help:      "Remote batches refused because an entry was too far in the future.",
})

func init() {
	prometheus.MustRegister(journalFailures, driftRejections)
}
