// Package metrics defines the Prometheus collectors shared across the
// sequencer pipeline, registered against the default registry the way the
// ws server this project descends from registers its own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingress.
	VotesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_votes_received_total",
		Help: "Total reporter votes received, by outcome.",
	}, []string{"outcome"}) // ok, unauthorized, bad_request

	VotesClassifiedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_votes_classified_total",
		Help: "Votes classified against a feed's current slot.",
	}, []string{"classification"}) // relevant, non_relevant_old, non_relevant_in_future

	RevotesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_revotes_total",
		Help: "Total revotes overwriting a prior vote within the same slot.",
	})

	// Slot processor.
	QuorumReachedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_quorum_total",
		Help: "Slot ticks by quorum outcome.",
	}, []string{"feed_id", "outcome"}) // reached, failed

	UpdatesPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_updates_published_total",
		Help: "Total VotedFeedUpdates emitted to the block creator.",
	})

	UpdatesSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_updates_skipped_total",
		Help: "Total aggregates withheld by publish-criteria skipping.",
	})

	// Block creator.
	BlocksCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_blocks_created_total",
		Help: "Total blocks appended to the in-memory chain.",
	})

	BlockBacklogDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_block_backlog_depth",
		Help: "Updates waiting in the block creator's overflow backlog.",
	})

	// Per-network send loop.
	TxSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_tx_submitted_total",
		Help: "Transactions submitted, by network and outcome.",
	}, []string{"network", "outcome"}) // success, failed, skipped

	TxTimedOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_tx_timed_out_total",
		Help: "Transaction submission timeouts, by network.",
	}, []string{"network"})

	TxConfirmationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sequencer_tx_confirmation_seconds",
		Help:    "Time from submission to receipt.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"network"})

	GasUsed = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sequencer_tx_gas_used",
		Help:    "Gas used by confirmed transactions.",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
	}, []string{"network"})

	// Reorg tracker.
	ReorgsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_reorgs_total",
		Help: "Detected chain reorganizations, by network.",
	}, []string{"network"})

	// Two-round consensus.
	PendingBatchesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sequencer_pending_consensus_batches",
		Help: "Batches currently awaiting reporter signatures, by network.",
	}, []string{"network"})

	ConsensusBatchesSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_consensus_batches_submitted_total",
		Help: "Batches submitted via the Safe execTransaction path.",
	}, []string{"network"})

	ConsensusBatchesDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sequencer_consensus_batches_discarded_total",
		Help: "Batches dropped for staleness or age.",
	}, []string{"network", "reason"})
)

func init() {
	prometheus.MustRegister(
		VotesReceivedTotal,
		VotesClassifiedTotal,
		RevotesTotal,
		QuorumReachedTotal,
		UpdatesPublishedTotal,
		UpdatesSkippedTotal,
		BlocksCreatedTotal,
		BlockBacklogDepth,
		TxSubmittedTotal,
		TxTimedOutTotal,
		TxConfirmationSeconds,
		GasUsed,
		ReorgsTotal,
		PendingBatchesGauge,
		ConsensusBatchesSubmittedTotal,
		ConsensusBatchesDiscardedTotal,
	)
}

// Handler exposes the default Prometheus registry over HTTP, served by the
// admin surface at GET /metrics (spec §6).
func Handler() http.Handler {
	return promhttp.Handler()
}
