package chain

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// fakeDAGRPC serves a fixed DAG shape: txHash appears in the block at
// foundLevel, and the current tip is at tipLevel.
type fakeDAGRPC struct {
	tipLevel   uint64
	foundLevel uint64
	txHash     common.Hash
	calls      int
}

func (f *fakeDAGRPC) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.calls++
	switch method {
	case "taraxa_dagBlockLevel":
		ptr := result.(*hexUint64)
		*ptr = hexUint64(f.tipLevel)
		return nil
	case "taraxa_getDagBlockByLevel":
		levelHex := args[0].(string)
		var level uint64
		if _, err := fmt.Sscanf(levelHex, "0x%x", &level); err != nil {
			return err
		}
		ptr := result.(*[]taraxaDAGBlock)
		if level == f.foundLevel {
			*ptr = []taraxaDAGBlock{{
				Hash:         common.HexToHash("0xaa"),
				Level:        hexUint64(level),
				Transactions: []common.Hash{f.txHash},
			}}
		} else {
			*ptr = nil
		}
		return nil
	default:
		return fmt.Errorf("unexpected method %s", method)
	}
}

func TestWaitForDAGInclusionFindsAndWaitsForDepth(t *testing.T) {
	txHash := common.HexToHash("0x1234")
	rpc := &fakeDAGRPC{tipLevel: 10, foundLevel: 7, txHash: txHash}

	status, err := WaitForDAGInclusion(context.Background(), rpc, txHash, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.DAGLevel != 7 {
		t.Fatalf("expected dag level 7, got %d", status.DAGLevel)
	}
	if status.DepthReached != 3 {
		t.Fatalf("expected depth 3, got %d", status.DepthReached)
	}
}

func TestWaitForDAGInclusionRejectsZeroDepth(t *testing.T) {
	rpc := &fakeDAGRPC{}
	_, err := WaitForDAGInclusion(context.Background(), rpc, common.Hash{}, 0)
	if err == nil {
		t.Fatalf("expected an error for zero required depth")
	}
}

func TestWaitForDAGInclusionFailsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rpc := &fakeDAGRPC{tipLevel: 5, foundLevel: 999, txHash: common.HexToHash("0xdead")}

	_, err := WaitForDAGInclusion(ctx, rpc, common.HexToHash("0xdead"), 2)
	if err == nil {
		t.Fatalf("expected an error when the context is already cancelled")
	}
}
