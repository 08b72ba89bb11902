// Package sequencer wires every pipeline stage — ingress, slot
// processors, the block creator, the update dispatcher, per-network send
// loops, reorg trackers and the consensus bridge — into one process with a
// shared lifecycle.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/blockcreator"
	"github.com/blocksense-network/blocksense-sub000/internal/bus"
	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/config"
	"github.com/blocksense-network/blocksense-sub000/internal/consensus"
	"github.com/blocksense-network/blocksense-sub000/internal/dispatcher"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/history"
	"github.com/blocksense-network/blocksense-sub000/internal/ingress"
	"github.com/blocksense-network/blocksense-sub000/internal/reorg"
	"github.com/blocksense-network/blocksense-sub000/internal/slot"
)

// Sequencer owns every long-lived component and their shared state for one
// process instance (spec §2 "Shared state & lifecycle").
type Sequencer struct {
	Config *config.Config
	Logger zerolog.Logger

	Feeds     *feeds.Registry
	Reporters *feeds.ReportersRegistry
	Tables    *feeds.Tables
	Histories *history.Histories
	Published *slot.PublishedStore

	Chain      *blockcreator.Chain
	Creator    *blockcreator.Creator
	SlotMgr    *slot.Manager
	Dispatcher *dispatcher.Dispatcher
	Bridge     *consensus.Bridge
	Ingress    *ingress.Server

	Networks map[chain.Network]*chain.State
	Trackers map[chain.Network]*reorg.Tracker
	Producer *bus.Producer

	dispatchCh chan blockcreator.UpdateToSend
	feedUpdate chan feeds.VotedFeedUpdate

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dependencies bundles everything New needs that can't be derived purely
// from Config: signers and live RPC clients must be supplied by the
// caller so tests can swap in fakes without touching this wiring code.
type Dependencies struct {
	Feeds      *feeds.Registry
	Reporters  *feeds.ReportersRegistry
	Providers  map[chain.Network]chain.Config
	Clients    map[chain.Network]chain.EVMClient
	Signers    map[chain.Network]chain.Signer
	SafeCaller consensus.SafeCaller // nil if no network configures a Safe
	Producer   *bus.Producer        // nil disables Kafka publication
}

// New builds a fully wired, not-yet-started Sequencer.
func New(cfg *config.Config, deps Dependencies, logger zerolog.Logger) (*Sequencer, error) {
	tables := feeds.NewTables()
	histories := history.NewHistories(cfg.HistoryCapacity)
	published := slot.NewPublishedStore()

	feedByID := snapshotFeedByID(deps.Feeds)

	networks := make(map[chain.Network]*chain.State, len(deps.Providers))
	trackers := make(map[chain.Network]*reorg.Tracker, len(deps.Providers))
	for name, pc := range deps.Providers {
		client, ok := deps.Clients[name]
		if !ok {
			return nil, fmt.Errorf("no RPC client supplied for network %s", name)
		}
		if pc.TransactionRetryTimeout == 0 {
			pc.TransactionRetryTimeout = cfg.TransactionRetryTimeout.Milliseconds()
		}
		if pc.TransactionRetriesCountLimit == 0 {
			pc.TransactionRetriesCountLimit = cfg.TransactionRetriesCountLimit
		}
		if pc.RetryFeeIncrementFraction == 0 {
			pc.RetryFeeIncrementFraction = cfg.RetryFeeIncrementFraction
		}
		signer := deps.Signers[name]
		st := chain.NewState(pc, client, signer)
		networks[name] = st
		trackers[name] = reorg.NewTracker(string(name), st, feedByID, logging(logger, "reorg"))
	}

	var needsSafe bool
	for _, pc := range deps.Providers {
		if pc.SafeAddress != nil {
			needsSafe = true
		}
	}
	var bridge *consensus.Bridge
	if needsSafe {
		if deps.SafeCaller == nil {
			return nil, fmt.Errorf("a provider configures a safe_address but no SafeCaller was supplied")
		}
		var busPub consensus.BusPublisher
		if deps.Producer != nil {
			busPub = deps.Producer
		} else {
			busPub = noopBus{}
		}
		bridge = consensus.NewBridge(deps.Reporters, requiredQuorum(deps.Reporters), busPub, deps.SafeCaller, logging(logger, "consensus"))
	}

	feedUpdate := make(chan feeds.VotedFeedUpdate, cfg.MaxFeedUpdatesToBatchPerTick)
	dispatchCh := make(chan blockcreator.UpdateToSend, 16)

	blockChain := blockcreator.NewChain()

	var publisher blockcreator.BlockchainPublisher
	if deps.Producer != nil {
		publisher = deps.Producer
	}

	creator := &blockcreator.Creator{
		Chain:                    blockChain,
		Feeds:                    deps.Feeds,
		SequencerID:              cfg.SequencerID,
		MaxFeedUpdatesInBlock:    cfg.MaxFeedUpdatesInBlock,
		MaxNewFeedsInBlock:       cfg.MaxNewFeedsInBlock,
		MaxFeedIDToDeleteInBlock: cfg.MaxFeedIDToDeleteInBlock,
		MaxFeedUpdatesToBatch:    cfg.MaxFeedUpdatesToBatchPerTick,
		Publisher:                publisher,
		Dispatch:                 dispatchCh,
		Logger:                   logging(logger, "block_creator"),
	}

	var aggPublisher dispatcher.AggregatePublisher
	if deps.Producer != nil {
		aggPublisher = deps.Producer
	}
	disp := dispatcher.New(networks, feedByID, bridge, aggPublisher, cfg.SequencerID, logging(logger, "dispatcher"))

	slotMgr := slot.NewManager(tables, histories, published, deps.Reporters.Count, feedUpdate, logging(logger, "slot"))
	for _, f := range deps.Feeds.List() {
		slotMgr.StartFeed(context.Background(), f)
	}
	creator.FeedSlots = slotMgr

	ingressSrv := &ingress.Server{
		Feeds:        deps.Feeds,
		Reporters:    deps.Reporters,
		Tables:       tables,
		Published:    published,
		Bridge:       bridge,
		Limiter:      ingress.NewRateLimiter(float64(cfg.HTTPInputBufferSize), 100),
		Clock:        slot.RealClock,
		MaxBodyBytes: cfg.HTTPInputBufferSize,
		Logger:       logging(logger, "ingress"),
	}

	return &Sequencer{
		Config:     cfg,
		Logger:     logger,
		Feeds:      deps.Feeds,
		Reporters:  deps.Reporters,
		Tables:     tables,
		Histories:  histories,
		Published:  published,
		Chain:      blockChain,
		Creator:    creator,
		SlotMgr:    slotMgr,
		Dispatcher: disp,
		Bridge:     bridge,
		Ingress:    ingressSrv,
		Networks:   networks,
		Trackers:   trackers,
		Producer:   deps.Producer,
		dispatchCh: dispatchCh,
		feedUpdate: feedUpdate,
	}, nil
}

type noopBus struct{}

func (noopBus) PublishConsensusMessage(ctx context.Context, network string, payload []byte) error {
	return nil
}

func requiredQuorum(reporters *feeds.ReportersRegistry) int {
	n := reporters.Count()
	if n < 1 {
		return 1
	}
	return n/2 + 1
}

func snapshotFeedByID(registry *feeds.Registry) map[feeds.ID]*feeds.Feed {
	out := make(map[feeds.ID]*feeds.Feed)
	for _, f := range registry.List() {
		out[f.ID] = f
	}
	return out
}

func logging(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Run starts every background component and blocks until ctx is
// cancelled. It does not wait for the components to return; Shutdown does.
func (s *Sequencer) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Creator.Run(runCtx, s.Config.BlockGenerationPeriod)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardFeedUpdates(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Dispatcher.Run(runCtx, s.dispatchCh)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.bridgeDiscardLoop(runCtx)
	}()

	for _, t := range s.Trackers {
		t := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t.Run(runCtx)
		}()
	}

	<-runCtx.Done()
}

// forwardFeedUpdates relays every slot processor's output into the block
// creator's accumulator, the hand-off between spec §4.2 and §4.3.
func (s *Sequencer) forwardFeedUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.feedUpdate:
			s.Creator.SubmitUpdate(u)
		}
	}
}

// bridgeDiscardLoop periodically evicts stale pending consensus batches
// (spec §4.6 "Expiry"), ticking on the same cadence as block generation.
func (s *Sequencer) bridgeDiscardLoop(ctx context.Context) {
	if s.Bridge == nil {
		return
	}
	ticker := time.NewTicker(s.Config.BlockGenerationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height := uint64(s.Chain.Height())
			s.Bridge.DiscardStale(height, s.Config.AggregationConsensusDiscardPeriodBlocks)
		}
	}
}

// Shutdown cancels every background component and waits up to timeout for
// them to return.
func (s *Sequencer) Shutdown(timeout time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.Logger.Warn().Msg("graceful shutdown timed out, exiting anyway")
	}
}
