// Package dispatcher implements the update dispatcher (spec §4.4): it
// drains blocks of VotedFeedUpdates from the block creator, fans them out
// to Kafka for downstream consumers, and launches one send attempt per
// target network — taking the two-round Safe consensus detour for any
// network that has a Safe configured instead of sending directly.
package dispatcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/blockcreator"
	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/consensus"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/logging"
)

// AggregatePublisher publishes the raw aggregate batch to the
// aggregated_updates topic (spec §6), ahead of and independent from
// on-chain submission.
type AggregatePublisher interface {
	PublishAggregatedUpdates(ctx context.Context, network string, payload []byte) error
}

// wireUpdate is the JSON shape published on aggregated_updates (spec §6:
// {feed_id, value: bytes_hex, end_slot_timestamp}).
type wireUpdate struct {
	FeedID           string `json:"feed_id"`
	Value            string `json:"value"`
	EndSlotTimestamp int64  `json:"end_slot_timestamp"`
}

type wireBatch struct {
	BlockHeight uint64       `json:"block_height"`
	Updates     []wireUpdate `json:"updates"`
}

// Dispatcher runs the fan-out loop draining the block creator's channel
// and, for each batch, one goroutine per configured network.
type Dispatcher struct {
	Networks    map[chain.Network]*chain.State
	FeedByID    map[feeds.ID]*feeds.Feed
	Bridge      *consensus.Bridge // nil disables the consensus detour entirely
	Publisher   AggregatePublisher
	SequencerID uint64
	Logger      zerolog.Logger

	sem map[chain.Network]chan struct{}
}

// New builds a dispatcher with a per-network concurrency semaphore sized
// from each network's Config.Concurrency (spec §5).
func New(networks map[chain.Network]*chain.State, feedByID map[feeds.ID]*feeds.Feed, bridge *consensus.Bridge, publisher AggregatePublisher, sequencerID uint64, logger zerolog.Logger) *Dispatcher {
	sem := make(map[chain.Network]chan struct{}, len(networks))
	for name, st := range networks {
		n := st.Config.Concurrency
		if n < 1 {
			n = 1
		}
		sem[name] = make(chan struct{}, n)
	}
	return &Dispatcher{
		Networks:    networks,
		FeedByID:    feedByID,
		Bridge:      bridge,
		Publisher:   publisher,
		SequencerID: sequencerID,
		Logger:      logger,
		sem:         sem,
	}
}

// Run drains ch until it closes or ctx is cancelled, dispatching every
// batch to Kafka and every configured network concurrently.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan blockcreator.UpdateToSend) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(d.Logger, r, "dispatcher panicked")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-ch:
			if !ok {
				return
			}
			d.dispatch(ctx, batch)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, batch blockcreator.UpdateToSend) {
	d.publishAggregate(ctx, batch)

	var wg sync.WaitGroup
	for name, st := range d.Networks {
		name, st := name, st
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sendToNetwork(ctx, name, st, batch)
		}()
	}
	wg.Wait()
}

// publishAggregate best-effort publishes the raw batch per network: the
// wire payload is the same for every network, but the topic contract
// (spec §6) is keyed by network so downstream consumers can subscribe
// selectively.
func (d *Dispatcher) publishAggregate(ctx context.Context, batch blockcreator.UpdateToSend) {
	if d.Publisher == nil {
		return
	}
	wb := wireBatch{BlockHeight: batch.BlockHeight}
	for _, u := range batch.Updates {
		f, ok := d.FeedByID[u.FeedID]
		if !ok {
			d.Logger.Error().Str("feed_id", u.FeedID.String()).Msg("encoding aggregated update: unknown feed")
			continue
		}
		valueBytes, err := feeds.EncodeValueBytes(f, u.Value)
		if err != nil {
			d.Logger.Error().Err(err).Str("feed_id", u.FeedID.String()).Msg("encoding aggregated update value failed")
			continue
		}
		wb.Updates = append(wb.Updates, wireUpdate{
			FeedID:           u.FeedID.String(),
			Value:            hex.EncodeToString(valueBytes),
			EndSlotTimestamp: u.EndSlotTimestampMS,
		})
	}
	payload, err := json.Marshal(wb)
	if err != nil {
		d.Logger.Error().Err(err).Msg("encoding aggregated update batch failed")
		return
	}
	for name := range d.Networks {
		if err := d.Publisher.PublishAggregatedUpdates(ctx, string(name), payload); err != nil {
			d.Logger.Error().Err(err).Str("network", string(name)).Msg("publishing aggregated updates failed")
		}
	}
}

// sendToNetwork acquires the network's concurrency slot, then either goes
// straight to chain.Send or, if a Safe is configured, proposes the batch
// to the consensus bridge instead and lets signature collection drive the
// eventual submission (spec §4.6).
func (d *Dispatcher) sendToNetwork(ctx context.Context, name chain.Network, st *chain.State, batch blockcreator.UpdateToSend) {
	slot := d.sem[name]
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-slot }()

	log := d.Logger.With().Str("network", string(name)).Logger()

	if st.Config.SafeAddress != nil && d.Bridge != nil {
		d.proposeConsensus(ctx, name, st, batch, log)
		return
	}

	if _, err := chain.Send(ctx, st, batch.Updates, d.FeedByID, log); err != nil {
		log.Error().Err(err).Uint64("block_height", batch.BlockHeight).Msg("sending batch failed")
	}
}

func (d *Dispatcher) proposeConsensus(ctx context.Context, name chain.Network, st *chain.State, batch blockcreator.UpdateToSend, log zerolog.Logger) {
	allowed := make([]feeds.VotedFeedUpdate, 0, len(batch.Updates))
	for _, u := range batch.Updates {
		if st.Config.Allows(u.FeedID) {
			allowed = append(allowed, u)
		}
	}
	if len(allowed) == 0 {
		return
	}

	calldata, _, err := chain.BuildCalldata(st, allowed, d.FeedByID)
	if err != nil {
		log.Error().Err(err).Msg("building consensus calldata failed")
		return
	}

	st.Lock()
	client := st.Client
	st.Unlock()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Error().Err(err).Msg("fetching chain id for consensus proposal failed")
		return
	}

	nonce, err := d.Bridge.Safe.SafeNonce(ctx, *st.Config.SafeAddress)
	if err != nil {
		log.Error().Err(err).Msg("fetching safe nonce failed")
		return
	}

	if err := d.Bridge.Propose(ctx, d.SequencerID, batch.BlockHeight, string(name), st.Config.ContractAddress, *st.Config.SafeAddress, chainID, nonce, calldata, allowed); err != nil {
		log.Error().Err(err).Msg("proposing consensus batch failed")
	}
}
