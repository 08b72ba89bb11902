package consensus

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

type fakePublisher struct {
	published [][]byte
}

func (f *fakePublisher) PublishConsensusMessage(ctx context.Context, network string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

type fakeSafe struct {
	nonce      *big.Int
	executed   bool
	signatures []byte
}

func (f *fakeSafe) SafeNonce(ctx context.Context, safeAddress common.Address) (*big.Int, error) {
	return f.nonce, nil
}
func (f *fakeSafe) ExecTransaction(ctx context.Context, safeAddress, to common.Address, data, signatures []byte) (common.Hash, error) {
	f.executed = true
	f.signatures = signatures
	return common.HexToHash("0xabc123"), nil
}

func newTestReporter(t *testing.T, id uint64) (*feeds.Reporter, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	pub := crypto.FromECDSAPub(&key.PublicKey)
	return &feeds.Reporter{ID: id, PublicKey: pub}, key
}

func signPrehash(t *testing.T, key *ecdsa.PrivateKey, hash common.Hash) [65]byte {
	t.Helper()
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	var out [65]byte
	copy(out[:], sig)
	out[64] += 27
	return out
}

func TestBridgeProposeAndReachQuorum(t *testing.T) {
	r1, k1 := newTestReporter(t, 1)
	r2, k2 := newTestReporter(t, 2)
	registry := feeds.NewReportersRegistry()
	registry.Add(r1)
	registry.Add(r2)

	pub := &fakePublisher{}
	safe := &fakeSafe{nonce: big.NewInt(5)}
	bridge := NewBridge(registry, 2, pub, safe, zerolog.Nop())

	safeAddress := common.HexToAddress("0x2222222222222222222222222222222222222222")
	contractAddress := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chainID := big.NewInt(1)
	nonce := big.NewInt(5)
	calldata := []byte{0x1a, 0x2d, 0x80, 0xac}

	ctx := context.Background()
	if err := bridge.Propose(ctx, 1, 42, "ETH1", contractAddress, safeAddress, chainID, nonce, calldata, nil); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one published message, got %d", len(pub.published))
	}

	tx := SafeTx{To: contractAddress, Value: big.NewInt(0), Data: calldata, SafeTxGas: big.NewInt(0), BaseGas: big.NewInt(0), GasPrice: big.NewInt(0), Nonce: nonce}
	txHash := SafeTxHash(chainID, safeAddress, tx)

	sig1 := signPrehash(t, k1, txHash)
	result, err := bridge.HandleSignature(ctx, SignatureVote{BlockHeight: 42, Network: "ETH1", Signature: sig1})
	if err != nil {
		t.Fatalf("unexpected error on first signature: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no submission before quorum reached")
	}

	sig2 := signPrehash(t, k2, txHash)
	result, err = bridge.HandleSignature(ctx, SignatureVote{BlockHeight: 42, Network: "ETH1", Signature: sig2})
	if err != nil {
		t.Fatalf("unexpected error on second signature: %v", err)
	}
	if result == nil {
		t.Fatalf("expected submission once quorum reached")
	}
	if !safe.executed {
		t.Fatalf("expected execTransaction to have been called")
	}
	if len(safe.signatures) != 130 {
		t.Fatalf("expected 130 bytes (2x65) of concatenated signatures, got %d", len(safe.signatures))
	}
}

func TestBridgeRejectsUnknownSigner(t *testing.T) {
	registry := feeds.NewReportersRegistry()
	pub := &fakePublisher{}
	safe := &fakeSafe{nonce: big.NewInt(0)}
	bridge := NewBridge(registry, 1, pub, safe, zerolog.Nop())

	safeAddress := common.HexToAddress("0x2222222222222222222222222222222222222222")
	contractAddress := common.HexToAddress("0x1111111111111111111111111111111111111111")
	chainID := big.NewInt(1)
	nonce := big.NewInt(0)
	calldata := []byte{0x1a, 0x2d, 0x80, 0xac}

	ctx := context.Background()
	if err := bridge.Propose(ctx, 1, 7, "ETH1", contractAddress, safeAddress, chainID, nonce, calldata, nil); err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	_, strangerKey := newTestReporter(t, 99)
	tx := SafeTx{To: contractAddress, Value: big.NewInt(0), Data: calldata, SafeTxGas: big.NewInt(0), BaseGas: big.NewInt(0), GasPrice: big.NewInt(0), Nonce: nonce}
	txHash := SafeTxHash(chainID, safeAddress, tx)
	sig := signPrehash(t, strangerKey, txHash)

	_, err := bridge.HandleSignature(ctx, SignatureVote{BlockHeight: 7, Network: "ETH1", Signature: sig})
	if err == nil {
		t.Fatalf("expected an error for a signature from an unregistered reporter")
	}
}

func TestBridgeDiscardStale(t *testing.T) {
	registry := feeds.NewReportersRegistry()
	pub := &fakePublisher{}
	safe := &fakeSafe{nonce: big.NewInt(0)}
	bridge := NewBridge(registry, 1, pub, safe, zerolog.Nop())

	ctx := context.Background()
	contractAddress := common.HexToAddress("0x1111111111111111111111111111111111111111")
	safeAddress := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if err := bridge.Propose(ctx, 1, 10, "ETH1", contractAddress, safeAddress, big.NewInt(1), big.NewInt(0), nil, nil); err != nil {
		t.Fatalf("propose failed: %v", err)
	}

	bridge.DiscardStale(10+5, 10)
	bridge.mu.Lock()
	_, stillPending := bridge.batches[batchKey(10, "ETH1")]
	bridge.mu.Unlock()
	if !stillPending {
		t.Fatalf("expected batch to survive within the discard period")
	}

	bridge.DiscardStale(10+11, 10)
	bridge.mu.Lock()
	_, stillPending = bridge.batches[batchKey(10, "ETH1")]
	bridge.mu.Unlock()
	if stillPending {
		t.Fatalf("expected batch to be discarded past the discard period")
	}
}
