// Package slot implements one cooperative task per feed: the tick loop
// that collects votes, checks quorum, aggregates, runs anomaly detection,
// applies publish-criteria skipping, and emits VotedFeedUpdates.
package slot

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/history"
	"github.com/blocksense-network/blocksense-sub000/internal/logging"
	"github.com/blocksense-network/blocksense-sub000/internal/metrics"
)

// NumReportersFunc returns the current count of known reporters, used to
// compute the quorum requirement.
type NumReportersFunc func() int

// Processor runs the slot state machine for a single feed:
// Idle -> AwaitingSlot -> Aggregating -> (Published | Skipped) -> Idle.
type Processor struct {
	Feed          *feeds.Feed
	Table         *feeds.ReportTable
	History       *history.Ring
	Published     *PublishedStore
	NumReporters  NumReportersFunc
	Out           chan<- feeds.VotedFeedUpdate
	Logger        zerolog.Logger
	Clock         Clock
	PublishDelay  time.Duration // not read by Run or tick
}

// Run executes the tick loop until ctx is cancelled, or (for one-shot
// feeds) until the first aggregation completes.
func (p *Processor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(p.Logger, r, "slot processor panicked")
		}
	}()

	if p.Clock == nil {
		p.Clock = RealClock
	}

	for {
		nextBoundaryMS := p.nextBoundary()
		waitMS := nextBoundaryMS - p.Clock.NowMS()
		if waitMS < 0 {
			waitMS = 0
		}

		timer := time.NewTimer(time.Duration(waitMS) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		published := p.tick(nextBoundaryMS)

		if p.Feed.OneShot && published {
			return
		}
	}
}

// nextBoundary returns the timestamp (ms) of the next slot boundary at or
// after now, recomputed every iteration to correct for wall-clock drift.
func (p *Processor) nextBoundary() int64 {
	now := p.Clock.NowMS()
	k := p.Feed.Slot(now)
	_, end := p.Feed.SlotBounds(k)
	if end <= now {
		end += p.Feed.ReportIntervalMS
	}
	return end
}

// tick performs a single slot's collection, quorum check, aggregation,
// anomaly detection and publish decision. It returns true if a
// VotedFeedUpdate was actually emitted (used to terminate one-shot feeds).
func (p *Processor) tick(endSlotMS int64) bool {
	defer p.Table.Clear()

	reports := p.Table.Snapshot()

	values := make([]feeds.Value, 0, len(reports))
	for _, r := range reports {
		if r.Err != "" {
			continue
		}
		if !r.Value.MatchesType(p.Feed.ValueType) {
			continue
		}
		values = append(values, r.Value)
	}

	if len(values) == 0 {
		p.Logger.Debug().Str("feed_id", p.Feed.ID.String()).Msg("no votes collected for slot")
		return false
	}

	required := int(math.Ceil(p.Feed.QuorumPercentage / 100 * float64(p.NumReporters())))
	if len(values) < required {
		metrics.QuorumReachedTotal.WithLabelValues(p.Feed.ID.String(), "failed").Inc()
		p.Logger.Info().
			Str("feed_id", p.Feed.ID.String()).
			Int("votes", len(values)).
			Int("required", required).
			Msg("quorum not reached")
		return false
	}
	metrics.QuorumReachedTotal.WithLabelValues(p.Feed.ID.String(), "reached").Inc()

	aggregated, err := feeds.Aggregate(p.Feed.Aggregator, values)
	if err != nil {
		p.Logger.Warn().Err(err).Str("feed_id", p.Feed.ID.String()).Msg("aggregation failed, skipping slot")
		return false
	}

	update := feeds.VotedFeedUpdate{
		FeedID:             p.Feed.ID,
		Value:              aggregated,
		EndSlotTimestampMS: endSlotMS,
	}

	if !p.Feed.OneShot && p.History != nil {
		p.History.Push(update)
		if aggregated.Kind == feeds.KindNumerical {
			if hist := numericalHistory(p.History); len(hist) >= feeds.MinHistoryForAnomalyDetection {
				update.Anomaly = feeds.DetectAnomaly(hist[:len(hist)-1], aggregated.Num)
			}
		}
	}

	criteria := feeds.CriteriaFromFeed(p.Feed)
	aggregated = feeds.ApplyPeg(aggregated, criteria)
	update.Value = aggregated

	prev, hasPrev := p.Published.Get(p.Feed.ID)
	skip := false
	if hasPrev && prev.Value.Kind == feeds.KindNumerical {
		skip = feeds.ShouldSkip(hasPrev, prev.Value.Num, aggregated, endSlotMS, prev.TimestampMS, criteria)
	}

	if skip {
		metrics.UpdatesSkippedTotal.Inc()
		p.Logger.Debug().Str("feed_id", p.Feed.ID.String()).Msg("update skipped by publish criteria")
		return false
	}

	p.Published.Set(p.Feed.ID, Published{Value: aggregated, TimestampMS: endSlotMS})
	metrics.UpdatesPublishedTotal.Inc()
	p.Out <- update
	return true
}

func numericalHistory(r *history.Ring) []float64 {
	entries := r.Snapshot()
	out := make([]float64, 0, len(entries))
	for _, e := range entries {
		if e.Update.Value.Kind == feeds.KindNumerical {
			out = append(out, e.Update.Value.Num)
		}
	}
	return out
}
