// Package reorg implements the per-network chain-reorganization and
// finality tracker: it calibrates a poll period from recent block times,
// watches the tip for divergence from what it previously observed,
// resyncs the locally-tracked ADFS merkle root against on-chain storage,
// and prunes update history once blocks finalize.
package reorg

import (
	"context"
	"encoding/binary"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/adfs"
	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/logging"
	"github.com/blocksense-network/blocksense-sub000/internal/metrics"
)

// minPollPeriod is the floor on the calibrated poll interval: a network
// with sub-250ms blocks would otherwise spin the tracker tight enough to
// starve its own RPC connection pool.
const minPollPeriod = 250 * time.Millisecond

// lookbackBlocks is the window calibrate() averages block times over.
const lookbackBlocks = 100

// Tracker watches a single network's chain for reorgs and finality.
type Tracker struct {
	Network  Network
	State    *chain.State
	FeedByID map[feeds.ID]*feeds.Feed
	Logger   zerolog.Logger

	observedBlockHashes map[uint64]common.Hash
	observedLatest      uint64
	finalizedHeight     uint64
}

// Network is the tracked network's name, used in log fields and metric
// labels.
type Network = string

// NewTracker builds a tracker; state must already have a dialed Client.
// feedByID is used only to resync ring-buffer indices after a root
// divergence (each feed's stride determines its packed-row address).
func NewTracker(network string, st *chain.State, feedByID map[feeds.ID]*feeds.Feed, logger zerolog.Logger) *Tracker {
	return &Tracker{
		Network:             network,
		State:               st,
		FeedByID:            feedByID,
		Logger:              logger,
		observedBlockHashes: make(map[uint64]common.Hash),
	}
}

// Run calibrates a poll period from recent block times, then polls the
// chain on that cadence. It returns only when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(t.Logger, r, "reorg tracker panicked")
		}
	}()

	var period time.Duration
	for {
		p, err := t.calibrate(ctx)
		if err == nil {
			period = p
			break
		}
		t.Logger.Warn().Err(err).Str("network", t.Network).Msg("could not calibrate block generation time, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(60 * time.Second):
		}
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

// calibrate computes the average inter-block time over lookbackBlocks
// recent blocks, clamped to minPollPeriod.
func (t *Tracker) calibrate(ctx context.Context) (time.Duration, error) {
	latest, err := t.State.Client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	latestHeight := latest.Number.Uint64()
	if latestHeight < lookbackBlocks {
		return 0, context.DeadlineExceeded
	}

	prev, err := t.State.Client.HeaderByNumber(ctx, new(big.Int).SetUint64(latestHeight-lookbackBlocks))
	if err != nil {
		return 0, err
	}

	spanMS := (latest.Time - prev.Time) * 1000
	period := time.Duration(spanMS/lookbackBlocks) * time.Millisecond
	if period < minPollPeriod {
		period = minPollPeriod
	}
	return period, nil
}

// poll runs one iteration of tip pre-check, forward/static-tip handling,
// ADFS root resync and finalized pruning.
func (t *Tracker) poll(ctx context.Context) {
	client := t.State.Client

	latest, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Logger.Warn().Err(err).Str("network", t.Network).Msg("could not fetch latest header")
		return
	}
	latestHeight := latest.Number.Uint64()

	switch {
	case latestHeight > t.observedLatest:
		t.handleForwardTip(ctx, latestHeight)
	case latestHeight == t.observedLatest:
		t.checkStaticTipReorg(ctx)
	default:
		t.Logger.Info().Str("network", t.Network).Msg("chain went back")
	}

	t.resyncADFSRoot(ctx)
	t.pruneFinalized(ctx)
}

// handleForwardTip pre-checks the previously-observed tip for divergence,
// then walks forward inserting new block hashes, or triggers handle_reorg
// if the new chain's parent hash breaks continuity with what was stored.
func (t *Tracker) handleForwardTip(ctx context.Context, latestHeight uint64) {
	client := t.State.Client

	if stored, ok := t.observedBlockHashes[t.observedLatest]; ok {
		if header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(t.observedLatest)); err == nil {
			if header.Hash() != stored {
				t.onReorgDetected(ctx, "reorg detected at observed tip before processing new blocks")
			}
		}
	}

	firstNewHeight := t.observedLatest + 1
	firstNew, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(firstNewHeight))
	if err != nil {
		t.Logger.Warn().Err(err).Uint64("height", firstNewHeight).Str("network", t.Network).Msg("could not fetch first new block")
		t.observedLatest = latestHeight
		return
	}

	if stored, ok := t.observedBlockHashes[t.observedLatest]; ok && firstNew.ParentHash != stored {
		t.onReorgDetected(ctx, "reorg detected")
	} else {
		t.observedBlockHashes[firstNewHeight] = firstNew.Hash()
		for h := firstNewHeight + 1; h <= latestHeight; h++ {
			header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
			if err != nil {
				t.Logger.Warn().Err(err).Uint64("height", h).Str("network", t.Network).Msg("could not fetch block while advancing tip")
				continue
			}
			t.observedBlockHashes[h] = header.Hash()
		}
	}
	t.observedLatest = latestHeight
}

// checkStaticTipReorg detects a reorg that replaces the observed tip
// without changing its height (e.g. a same-height fork).
func (t *Tracker) checkStaticTipReorg(ctx context.Context) {
	stored, ok := t.observedBlockHashes[t.observedLatest]
	if !ok {
		return
	}
	header, err := t.State.Client.HeaderByNumber(ctx, new(big.Int).SetUint64(t.observedLatest))
	if err != nil {
		t.Logger.Warn().Err(err).Str("network", t.Network).Msg("could not fetch block while checking for static-tip reorg")
		return
	}
	if header.Hash() != stored {
		t.onReorgDetected(ctx, "reorg detected without new tip advancement")
	}
}

func (t *Tracker) onReorgDetected(ctx context.Context, msg string) {
	t.Logger.Warn().Str("network", t.Network).Msg(msg)
	t.State.Lock()
	t.State.ReorgCount++
	t.State.Unlock()
	metrics.ReorgsTotal.WithLabelValues(t.Network).Inc()
	t.handleReorg(ctx)
}

// handleReorg walks stored heights from highest to lowest looking for the
// first one whose hash still matches the chain, logging every diverged
// block it passes along the way, and resolves to the fork height one past
// the common ancestor.
func (t *Tracker) handleReorg(ctx context.Context) *uint64 {
	heights := make([]uint64, 0, len(t.observedBlockHashes))
	for h := range t.observedBlockHashes {
		if h <= t.observedLatest {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })

	for _, h := range heights {
		stored := t.observedBlockHashes[h]
		header, err := t.State.Client.HeaderByNumber(ctx, new(big.Int).SetUint64(h))
		if err != nil {
			t.Logger.Warn().Err(err).Uint64("height", h).Str("network", t.Network).Msg("failed to fetch block while inspecting reorg")
			continue
		}
		if header.Hash() == stored {
			forkHeight := h + 1
			t.Logger.Info().Uint64("common_ancestor", h).Uint64("fork_height", forkHeight).Str("network", t.Network).Msg("found common ancestor for reorg")
			return &forkHeight
		}
		t.Logger.Warn().Uint64("height", h).Str("chain_hash", header.Hash().Hex()).Str("stored_hash", stored.Hex()).Str("network", t.Network).Msg("diverged block")
	}

	t.Logger.Warn().Str("network", t.Network).Msg("failed to find a common ancestor within stored block hashes")
	return nil
}

// resyncADFSRoot reads storage slot 0 of the provider's contract (the
// frontier merkle root, per spec §6) and, if it differs from the locally
// tracked root, adopts the on-chain value and resyncs ring-buffer indices
// from chain storage.
func (t *Tracker) resyncADFSRoot(ctx context.Context) {
	t.State.Lock()
	contractAddr := t.State.Config.ContractAddress
	localRoot := t.State.LocalRoot
	t.State.Unlock()

	raw, err := t.State.Client.StorageAt(ctx, contractAddr, common.Hash{}, nil)
	if err != nil {
		t.Logger.Warn().Err(err).Str("network", t.Network).Msg("failed to read adfs root from storage")
		return
	}
	var chainRoot [32]byte
	copy(chainRoot[:], raw)

	if chainRoot != localRoot {
		t.Logger.Info().Str("network", t.Network).Msg("detected state change on-chain, adopting on-chain merkle root")
		t.State.Lock()
		t.State.LocalRoot = chainRoot
		t.State.Unlock()
		t.resyncRingBufferIndices(ctx, contractAddr)
	}
}

// resyncRingBufferIndices re-reads every known feed's ring-buffer-index
// row from chain storage and overwrites State.RingBufferIndex with the
// on-chain values (spec §4.7 step 5, scenario S5). Feeds sharing a packed
// 16-feed row are grouped so each row is read at most once.
func (t *Tracker) resyncRingBufferIndices(ctx context.Context, contractAddr common.Address) {
	rows := make(map[string][]*feeds.Feed)
	for _, f := range t.FeedByID {
		row := adfs.RingIndexRowFor(f.ID, f.Stride)
		key := row.String()
		rows[key] = append(rows[key], f)
	}

	resynced := make(map[feeds.ID]uint64, len(t.FeedByID))
	for _, group := range rows {
		row := adfs.RingIndexRowFor(group[0].ID, group[0].Stride)
		raw, err := t.State.Client.StorageAt(ctx, contractAddr, common.BigToHash(row), nil)
		if err != nil {
			t.Logger.Warn().Err(err).Str("network", t.Network).Str("row", row.String()).Msg("failed to read ring-buffer-index row from storage")
			continue
		}
		for _, f := range group {
			slot := adfs.RingIndexSlotFor(f.ID)
			resynced[f.ID] = uint64(binary.BigEndian.Uint16(raw[slot*2 : slot*2+2]))
		}
	}

	t.State.Lock()
	for id, idx := range resynced {
		t.State.RingBufferIndex[id] = idx
	}
	t.State.Unlock()
	t.Logger.Info().Int("feeds", len(resynced)).Str("network", t.Network).Msg("resynced ring-buffer indices from chain")
}

// pruneFinalized advances the finalized-height watermark and discards
// non-finalized updates at or below it, since they can no longer be
// reorged away.
func (t *Tracker) pruneFinalized(ctx context.Context) {
	finalized, err := t.State.Client.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
	if err != nil {
		t.Logger.Warn().Err(err).Str("network", t.Network).Msg("could not fetch finalized block")
		return
	}
	height := finalized.Number.Uint64()
	if height <= t.finalizedHeight {
		return
	}
	t.finalizedHeight = height

	t.State.Lock()
	removed := 0
	for h := range t.State.NonFinalizedUpdates {
		if h <= height {
			delete(t.State.NonFinalizedUpdates, h)
			removed++
		}
	}
	t.State.Unlock()

	if removed > 0 {
		t.Logger.Info().Int("removed", removed).Uint64("finalized_height", height).Str("network", t.Network).Msg("pruned non-finalized updates up to finalized height")
	}

	if t.observedLatest < height {
		t.Logger.Warn().Str("network", t.Network).Uint64("finalized_height", height).Uint64("observed_latest", t.observedLatest).Msg("lost track of chain beyond a finalized checkpoint")
		t.observedLatest = height
		t.observedBlockHashes[height] = finalized.Hash()
	}
}
