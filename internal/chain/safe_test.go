package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeSafeRPC struct {
	nonce    *big.Int
	lastTo   *common.Address
	lastData []byte
	sentTxs  []*types.Transaction
}

func (f *fakeSafeRPC) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return 0, nil
}
func (f *fakeSafeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 3, nil
}
func (f *fakeSafeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(2), nil }
func (f *fakeSafeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (f *fakeSafeRPC) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeSafeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sentTxs = append(f.sentTxs, tx)
	return nil
}
func (f *fakeSafeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, nil
}
func (f *fakeSafeRPC) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeSafeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return nil, nil
}
func (f *fakeSafeRPC) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return nil, nil
}
func (f *fakeSafeRPC) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}
func (f *fakeSafeRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.lastTo = msg.To
	f.lastData = msg.Data
	out := make([]byte, 32)
	f.nonce.FillBytes(out)
	return out, nil
}

func TestSafeClientSafeNonce(t *testing.T) {
	client := &fakeSafeRPC{nonce: big.NewInt(42)}
	safeClient := &SafeClient{Client: client}
	safeAddress := common.HexToAddress("0x2222222222222222222222222222222222222222")

	nonce, err := safeClient.SafeNonce(context.Background(), safeAddress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nonce.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("expected nonce 42, got %s", nonce)
	}
	if client.lastTo == nil || *client.lastTo != safeAddress {
		t.Fatalf("expected call targeted at the safe address")
	}
}

func TestSafeClientExecTransactionSubmits(t *testing.T) {
	client := &fakeSafeRPC{nonce: big.NewInt(0)}
	signer := mustTestSigner(t)
	safeClient := &SafeClient{Client: client, Signer: signer}

	safeAddress := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	hash, err := safeClient.ExecTransaction(context.Background(), safeAddress, to, []byte{0x1a, 0x2d, 0x80, 0xac}, make([]byte, 130))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash == (common.Hash{}) {
		t.Fatalf("expected a non-zero transaction hash")
	}
	if len(client.sentTxs) != 1 {
		t.Fatalf("expected one transaction submitted, got %d", len(client.sentTxs))
	}
}

func mustTestSigner(t *testing.T) Signer {
	t.Helper()
	signer, err := NewSignerFromPrivateKey("fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a1")
	if err != nil {
		t.Fatalf("building test signer: %v", err)
	}
	return signer
}
