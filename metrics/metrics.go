// Package metrics exposes prometheus counters for the journaling core.
//
// The counters mirror the per-manager Stats structs; scraping them is
// optional and the Stats structs remain the programmatic interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	TxnCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "txn_commits_total",
		Help:      "Committed journal transactions.",
	})
	TxnAborts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "txn_aborts_total",
		Help:      "Aborted journal transactions.",
	})
	Checkpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "checkpoints_total",
		Help:      "Checkpoints written.",
	})
	ChecksumOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "sha256_ops_total",
		Help:      "SHA-256 digests computed.",
	})
	MetaCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "meta_cache_hits_total",
		Help:      "Metadata cache hits.",
	})
	MetaCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "meta_cache_misses_total",
		Help:      "Metadata cache misses.",
	})
	RecoveryRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "recovery_runs_total",
		Help:      "Completed recovery runs.",
	})
	ReplayedTxns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "replayed_txns_total",
		Help:      "Transactions replayed during recovery.",
	})
	SkippedTxns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "skipped_txns_total",
		Help:      "Corrupt or partial transactions skipped during recovery.",
	})
	OrphansResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "vexjournal",
		Name:      "orphans_resolved_total",
		Help:      "Orphaned allocations resolved.",
	})
)

func init() {
	Registry.MustRegister(
		TxnCommits,
		TxnAborts,
		Checkpoints,
		ChecksumOps,
		MetaCacheHits,
		MetaCacheMisses,
		RecoveryRuns,
		ReplayedTxns,
		SkippedTxns,
		OrphansResolved,
	)
}
