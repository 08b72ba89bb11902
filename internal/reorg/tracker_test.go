package reorg

import (
	"context"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// fakeChainClient serves a scripted, in-memory chain of headers keyed by
// height, letting tests rewrite history to simulate a reorg.
type fakeChainClient struct {
	headers  map[int64]*types.Header
	storage  []byte
	latest   int64
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{headers: make(map[int64]*types.Header)}
}

func (f *fakeChainClient) setHeader(height int64, parentHash common.Hash, extraNonce byte) {
	h := &types.Header{
		Number:     big.NewInt(height),
		ParentHash: parentHash,
		Time:       uint64(height) * 2,
		Extra:      []byte{extraNonce},
	}
	f.headers[height] = h
	if height > f.latest {
		f.latest = height
	}
}

func (f *fakeChainClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeChainClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeChainClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeChainClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}
func (f *fakeChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) { return uint64(f.latest), nil }
func (f *fakeChainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		return f.headers[f.latest], nil
	}
	n := number.Int64()
	if n < 0 {
		// Finalized/pending/etc sentinel heights: resolve to latest so
		// pruneFinalized has something concrete to chew on in tests.
		if h, ok := f.headers[f.latest]; ok {
			return h, nil
		}
		return nil, nil
	}
	if h, ok := f.headers[n]; ok {
		return h, nil
	}
	return nil, nil
}
func (f *fakeChainClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	h, _ := f.HeaderByNumber(ctx, number)
	if h == nil {
		return nil, nil
	}
	return types.NewBlockWithHeader(h), nil
}
func (f *fakeChainClient) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return f.storage, nil
}
func (f *fakeChainClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func TestTrackerAdvancesTipAndRecordsHashes(t *testing.T) {
	client := newFakeChainClient()
	client.setHeader(0, common.Hash{}, 0)
	client.setHeader(1, client.headers[0].Hash(), 1)
	client.setHeader(2, client.headers[1].Hash(), 2)

	st := chain.NewState(chain.Config{Network: "ETH1"}, client, nil)
	tr := NewTracker("ETH1", st, nil, zerolog.Nop())
	tr.observedBlockHashes[0] = client.headers[0].Hash()
	tr.observedLatest = 0

	tr.poll(context.Background())

	if tr.observedLatest != 2 {
		t.Fatalf("expected observed tip to advance to 2, got %d", tr.observedLatest)
	}
	if tr.observedBlockHashes[1] != client.headers[1].Hash() {
		t.Fatalf("expected height 1 hash recorded")
	}
	if tr.observedBlockHashes[2] != client.headers[2].Hash() {
		t.Fatalf("expected height 2 hash recorded")
	}
	if st.ReorgCount != 0 {
		t.Fatalf("expected no reorg on a clean forward chain, got count %d", st.ReorgCount)
	}
}

func TestTrackerDetectsReorgOnParentMismatch(t *testing.T) {
	client := newFakeChainClient()
	client.setHeader(0, common.Hash{}, 0)
	client.setHeader(1, client.headers[0].Hash(), 1)

	st := chain.NewState(chain.Config{Network: "ETH1"}, client, nil)
	tr := NewTracker("ETH1", st, nil, zerolog.Nop())
	tr.observedBlockHashes[0] = client.headers[0].Hash()
	tr.observedBlockHashes[1] = common.Hash{0xff} // stale: doesn't match chain's block 1
	tr.observedLatest = 1

	client.setHeader(2, common.Hash{0xaa}, 2) // parent hash doesn't match observed block 1

	tr.poll(context.Background())

	if st.ReorgCount == 0 {
		t.Fatalf("expected a reorg to be recorded")
	}
}

func TestTrackerResyncsADFSRootOnDivergence(t *testing.T) {
	client := newFakeChainClient()
	client.setHeader(0, common.Hash{}, 0)
	var onChainRoot [32]byte
	onChainRoot[0] = 0xab
	client.storage = onChainRoot[:]

	st := chain.NewState(chain.Config{Network: "ETH1", ContractAddress: common.HexToAddress("0x1111111111111111111111111111111111111111")}, client, nil)
	tr := NewTracker("ETH1", st, nil, zerolog.Nop())
	tr.observedBlockHashes[0] = client.headers[0].Hash()
	tr.observedLatest = 0

	tr.resyncADFSRoot(context.Background())

	if st.LocalRoot != onChainRoot {
		t.Fatalf("expected local root to adopt the on-chain root")
	}
}

func TestTrackerResyncsRingBufferIndicesOnRootDivergence(t *testing.T) {
	client := newFakeChainClient()
	client.setHeader(0, common.Hash{}, 0)
	var onChainRoot [32]byte
	onChainRoot[0] = 0xab
	client.storage = onChainRoot[:]

	f := &feeds.Feed{ID: feeds.IDFromUint64(3), Stride: 0}
	// Slot 3 (feed_id mod 16) of the packed row holds the feed's current
	// ring-buffer index.
	binary.BigEndian.PutUint16(client.storage[3*2:3*2+2], 42)

	st := chain.NewState(chain.Config{Network: "ETH1", ContractAddress: common.HexToAddress("0x1111111111111111111111111111111111111111")}, client, nil)
	tr := NewTracker("ETH1", st, map[feeds.ID]*feeds.Feed{f.ID: f}, zerolog.Nop())
	tr.observedBlockHashes[0] = client.headers[0].Hash()
	tr.observedLatest = 0

	tr.resyncADFSRoot(context.Background())

	if st.RingBufferIndex[f.ID] != 42 {
		t.Fatalf("expected ring-buffer index 42 for feed, got %d", st.RingBufferIndex[f.ID])
	}
}
