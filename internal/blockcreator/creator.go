package blockcreator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/logging"
	"github.com/blocksense-network/blocksense-sub000/internal/metrics"
)

// UpdateToSend is handed to the update dispatcher for every block whose
// accumulator held at least one aggregate.
type UpdateToSend struct {
	BlockHeight uint64
	Updates     []feeds.VotedFeedUpdate
}

// FeedCommandSink is the feed-slots manager interface the block creator
// forwards registrations and deletions to (spec §4.3 step 5).
type FeedCommandSink interface {
	StartFeed(ctx context.Context, f *feeds.Feed)
	StopFeed(id feeds.ID)
}

// BlockchainPublisher publishes a committed block's header and feed
// actions to the `blockchain` Kafka topic (spec §6), as hex strings.
type BlockchainPublisher interface {
	PublishBlock(ctx context.Context, blockHeaderHex, feedActionsHex string) error
}

type feedActions struct {
	NewFeeds       []feedRegistration `json:"new_feeds"`
	DeletedFeedIDs []string           `json:"deleted_feed_ids"`
}

type feedRegistration struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Creator is the single task driven by a fixed-period ticker that batches
// updates and feed-management commands into blocks.
type Creator struct {
	mu             sync.Mutex
	updates        []feeds.VotedFeedUpdate
	backlog        []feeds.VotedFeedUpdate
	newFeeds       []*feeds.Feed
	deletedFeedIDs []feeds.ID

	Chain                   *Chain
	Feeds                   FeedLookup
	SequencerID             uint64
	MaxFeedUpdatesInBlock   int
	MaxNewFeedsInBlock      int
	MaxFeedIDToDeleteInBlock int
	MaxFeedUpdatesToBatch   int

	FeedSlots FeedCommandSink
	Publisher BlockchainPublisher // nil disables Kafka publication
	Dispatch  chan<- UpdateToSend

	Logger zerolog.Logger
}

// SubmitUpdate enqueues a slot processor's output, spilling into the
// backlog once MaxFeedUpdatesInBlock is reached.
func (c *Creator) SubmitUpdate(u feeds.VotedFeedUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) >= c.MaxFeedUpdatesInBlock {
		c.backlog = append(c.backlog, u)
		metrics.BlockBacklogDepth.Set(float64(len(c.backlog)))
		return
	}
	c.updates = append(c.updates, u)
}

// SubmitNewFeed enqueues a feed registration command.
func (c *Creator) SubmitNewFeed(f *feeds.Feed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.newFeeds) >= c.MaxNewFeedsInBlock {
		return
	}
	c.newFeeds = append(c.newFeeds, f)
}

// SubmitDeletedFeed enqueues a feed deletion command.
func (c *Creator) SubmitDeletedFeed(id feeds.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deletedFeedIDs) >= c.MaxFeedIDToDeleteInBlock {
		return
	}
	c.deletedFeedIDs = append(c.deletedFeedIDs, id)
}

// Run drives the block-generation ticker until ctx is cancelled.
func (c *Creator) Run(ctx context.Context, period time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(c.Logger, r, "block creator panicked")
		}
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Creator) tick(ctx context.Context) {
	updates, newFeeds, deletedIDs := c.take()
	if len(updates) == 0 && len(newFeeds) == 0 && len(deletedIDs) == 0 {
		return
	}

	root, err := MerkleRoot(c.Feeds, updates)
	if err != nil {
		c.Logger.Fatal().Err(err).Msg("computing updates merkle root failed: invariant violated")
		return
	}

	block := Block{
		Height:                      uint64(c.Chain.Height() + 1),
		SequencerID:                 c.SequencerID,
		ParentHeaderHash:            c.Chain.LastHeaderHash(),
		NewFeeds:                    newFeeds,
		DeletedFeedIDs:              deletedIDs,
		AggregatedUpdatesMerkleRoot: root,
	}

	if err := c.Chain.Append(block); err != nil {
		// A block is either fully committed or the process terminates
		// (spec §4.3 invariants): this is an unrecoverable invariant
		// violation, not a transient error.
		c.Logger.Fatal().Err(err).Msg("failed to append block: invariant violated")
		return
	}
	metrics.BlocksCreatedTotal.Inc()

	if len(updates) > 0 && c.Dispatch != nil {
		select {
		case c.Dispatch <- UpdateToSend{BlockHeight: block.Height, Updates: updates}:
		case <-ctx.Done():
			return
		}
	}

	if c.FeedSlots != nil {
		for _, f := range newFeeds {
			c.FeedSlots.StartFeed(ctx, f)
		}
		for _, id := range deletedIDs {
			c.FeedSlots.StopFeed(id)
		}
	}

	if c.Publisher != nil {
		header := binary.BigEndian.AppendUint64(nil, block.Height)
		header = binary.BigEndian.AppendUint64(header, block.SequencerID)
		header = append(header, block.ParentHeaderHash[:]...)
		header = append(header, block.AggregatedUpdatesMerkleRoot[:]...)
		actionsJSON, err := json.Marshal(encodeFeedActions(newFeeds, deletedIDs))
		if err != nil {
			c.Logger.Error().Err(err).Msg("encoding feed actions failed")
		} else if err := c.Publisher.PublishBlock(ctx, hex.EncodeToString(header), hex.EncodeToString(actionsJSON)); err != nil {
			c.Logger.Error().Err(err).Msg("publishing block to kafka failed")
		}
	}

	c.refillFromBacklog()
}

func (c *Creator) take() ([]feeds.VotedFeedUpdate, []*feeds.Feed, []feeds.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := c.updates
	newFeeds := c.newFeeds
	deleted := c.deletedFeedIDs
	c.updates = nil
	c.newFeeds = nil
	c.deletedFeedIDs = nil
	return updates, newFeeds, deleted
}

func (c *Creator) refillFromBacklog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.backlog) == 0 {
		return
	}
	n := c.MaxFeedUpdatesToBatch
	if n > len(c.backlog) {
		n = len(c.backlog)
	}
	c.updates = append(c.updates, c.backlog[:n]...)
	c.backlog = c.backlog[n:]
	metrics.BlockBacklogDepth.Set(float64(len(c.backlog)))
}

func encodeFeedActions(newFeeds []*feeds.Feed, deletedIDs []feeds.ID) feedActions {
	fa := feedActions{}
	for _, f := range newFeeds {
		fa.NewFeeds = append(fa.NewFeeds, feedRegistration{ID: f.ID.String(), Name: f.Name})
	}
	for _, id := range deletedIDs {
		fa.DeletedFeedIDs = append(fa.DeletedFeedIDs, id.String())
	}
	return fa
}
