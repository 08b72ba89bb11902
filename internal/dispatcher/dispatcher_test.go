package dispatcher

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/blockcreator"
	"github.com/blocksense-network/blocksense-sub000/internal/chain"
	"github.com/blocksense-network/blocksense-sub000/internal/consensus"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

type fakeEVMClient struct {
	mu      sync.Mutex
	sentTxs []*types.Transaction
}

func (f *fakeEVMClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeEVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeEVMClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeEVMClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(7), nil }
func (f *fakeEVMClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTxs = append(f.sentTxs, tx)
	return nil
}
func (f *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21000}, nil
}
func (f *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeEVMClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100)}, nil
}
func (f *fakeEVMClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return nil, nil
}
func (f *fakeEVMClient) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}
func (f *fakeEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func testSigner(t *testing.T) chain.Signer {
	t.Helper()
	signer, err := chain.NewSignerFromPrivateKey("fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a1")
	if err != nil {
		t.Fatalf("building test signer: %v", err)
	}
	return signer
}

func testFeed(id byte) *feeds.Feed {
	var fid feeds.ID
	fid[0] = id
	return &feeds.Feed{ID: fid, Name: "test", ValueType: feeds.ValueTypeNumerical, Decimals: 2, Stride: 1, Aggregator: feeds.AggregatorAverage}
}

type fakePublisher struct {
	mu        sync.Mutex
	published int
}

func (f *fakePublisher) PublishAggregatedUpdates(ctx context.Context, network string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

type fakeSafeCaller struct {
	nonce *big.Int
}

func (f *fakeSafeCaller) SafeNonce(ctx context.Context, safeAddress common.Address) (*big.Int, error) {
	return f.nonce, nil
}
func (f *fakeSafeCaller) ExecTransaction(ctx context.Context, safeAddress, to common.Address, data, signatures []byte) (common.Hash, error) {
	return common.HexToHash("0xdead"), nil
}

func TestDispatcherSendsDirectlyWithoutSafe(t *testing.T) {
	client := &fakeEVMClient{}
	feed := testFeed(1)
	st := chain.NewState(chain.Config{
		Network:                      "ETH1",
		ContractAddress:              common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ContractVersion:              chain.ContractVersionADFS,
		TransactionRetriesCountLimit: 1,
		TransactionRetryTimeout:      1000,
		Concurrency:                  2,
	}, client, testSigner(t))

	feedByID := map[feeds.ID]*feeds.Feed{feed.ID: feed}
	pub := &fakePublisher{}
	d := New(map[chain.Network]*chain.State{"ETH1": st}, feedByID, nil, pub, 1, zerolog.Nop())

	ch := make(chan blockcreator.UpdateToSend, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go d.Run(ctx, ch)
	ch <- blockcreator.UpdateToSend{
		BlockHeight: 5,
		Updates: []feeds.VotedFeedUpdate{
			{FeedID: feed.ID, Value: feeds.Value{Kind: feeds.KindNumerical, Num: 12.5}},
		},
	}
	close(ch)

	time.Sleep(100 * time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sentTxs) != 1 {
		t.Fatalf("expected one transaction sent directly, got %d", len(client.sentTxs))
	}
	if pub.published != 1 {
		t.Fatalf("expected aggregated update published once, got %d", pub.published)
	}
}

func TestDispatcherProposesConsensusWhenSafeConfigured(t *testing.T) {
	client := &fakeEVMClient{}
	feed := testFeed(2)
	safeAddress := common.HexToAddress("0x2222222222222222222222222222222222222222")
	st := chain.NewState(chain.Config{
		Network:                      "ETH2",
		ContractAddress:              common.HexToAddress("0x3333333333333333333333333333333333333333"),
		SafeAddress:                  &safeAddress,
		ContractVersion:              chain.ContractVersionADFS,
		TransactionRetriesCountLimit: 1,
		TransactionRetryTimeout:      1000,
		Concurrency:                  1,
	}, client, testSigner(t))

	feedByID := map[feeds.ID]*feeds.Feed{feed.ID: feed}
	reporters := feeds.NewReportersRegistry()
	safe := &fakeSafeCaller{nonce: big.NewInt(3)}
	bridge := consensus.NewBridge(reporters, 1, &noopConsensusPublisher{}, safe, zerolog.Nop())

	d := New(map[chain.Network]*chain.State{"ETH2": st}, feedByID, bridge, nil, 9, zerolog.Nop())

	ch := make(chan blockcreator.UpdateToSend, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go d.Run(ctx, ch)
	ch <- blockcreator.UpdateToSend{
		BlockHeight: 11,
		Updates: []feeds.VotedFeedUpdate{
			{FeedID: feed.ID, Value: feeds.Value{Kind: feeds.KindNumerical, Num: 3.25}},
		},
	}
	close(ch)

	time.Sleep(100 * time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.sentTxs) != 0 {
		t.Fatalf("expected no direct submission when a safe is configured, got %d", len(client.sentTxs))
	}
}

type noopConsensusPublisher struct{}

func (noopConsensusPublisher) PublishConsensusMessage(ctx context.Context, network string, payload []byte) error {
	return nil
}
