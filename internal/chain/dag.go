package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultDAGRequiredDepth is how many additional DAG levels must accumulate
// on top of the block a transaction first appears in before it is
// considered sufficiently included on a Taraxa network.
const DefaultDAGRequiredDepth = 5

const (
	dagInclusionTimeout  = 10 * time.Second
	dagPollInterval      = 500 * time.Millisecond
	dagLookbackMinLevels = 64
	dagLookbackMargin    = 8
)

// RawCaller is the subset of *rpc.Client this package depends on, isolated
// so tests can substitute a fake transport instead of dialing a node.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// DAGInclusionStatus describes where in the DAG a transaction was found and
// how deep it has since been buried.
type DAGInclusionStatus struct {
	TxHash       common.Hash
	DAGBlockHash common.Hash
	DAGLevel     uint64
	DepthReached uint64
	Period       *uint64
}

type taraxaDAGBlock struct {
	Hash         common.Hash   `json:"hash"`
	Level        hexUint64     `json:"level"`
	Period       *hexUint64    `json:"period,omitempty"`
	Transactions []common.Hash `json:"transactions"`
}

// hexUint64 decodes both "0x..." and plain-decimal JSON number
// representations, since not every Taraxa RPC endpoint agrees on one.
type hexUint64 uint64

func (h *hexUint64) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		var n uint64
		if _, err := fmt.Sscanf(v, "0x%x", &n); err != nil {
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return fmt.Errorf("invalid quantity %q", v)
			}
		}
		*h = hexUint64(n)
	case float64:
		*h = hexUint64(uint64(v))
	default:
		return fmt.Errorf("unexpected quantity representation %#v", raw)
	}
	return nil
}

// WaitForDAGInclusion polls a Taraxa node's DAG-specific RPC methods until
// txHash is found in a DAG block and that block has accumulated at least
// requiredDepth further levels on top of it, or the wait times out. The
// methods it calls exist only on Taraxa-family networks; Send and the reorg
// tracker do not call it.
func WaitForDAGInclusion(ctx context.Context, rpc RawCaller, txHash common.Hash, requiredDepth uint64) (*DAGInclusionStatus, error) {
	if requiredDepth == 0 {
		return nil, fmt.Errorf("required dag depth must be greater than zero")
	}

	deadline := time.Now().Add(dagInclusionTimeout)
	var located *taraxaDAGBlock

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %s waiting for dag inclusion of tx %s", dagInclusionTimeout, txHash.Hex())
		}

		currentLevel, err := fetchCurrentDAGLevel(ctx, rpc)
		if err != nil {
			return nil, err
		}

		if located == nil {
			located, err = searchRecentLevels(ctx, rpc, txHash, currentLevel, requiredDepth)
			if err != nil {
				return nil, fmt.Errorf("searching dag levels for transaction: %w", err)
			}
		}

		if located != nil {
			depth := saturatingSub(currentLevel, uint64(located.Level))
			if depth >= requiredDepth {
				return &DAGInclusionStatus{
					TxHash:       txHash,
					DAGBlockHash: located.Hash,
					DAGLevel:     uint64(located.Level),
					DepthReached: depth,
					Period:       periodPointer(located.Period),
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dagPollInterval):
		}
	}
}

func periodPointer(p *hexUint64) *uint64 {
	if p == nil {
		return nil
	}
	v := uint64(*p)
	return &v
}

func searchRecentLevels(ctx context.Context, rpc RawCaller, txHash common.Hash, currentLevel, requiredDepth uint64) (*taraxaDAGBlock, error) {
	lookback := dagLookbackMinLevels
	if wanted := requiredDepth + dagLookbackMargin; wanted > lookback {
		lookback = wanted
	}
	minLevel := saturatingSub(currentLevel, lookback)

	for level := currentLevel; ; level-- {
		blocks, err := fetchBlocksForLevel(ctx, rpc, level)
		if err != nil {
			return nil, err
		}
		for i := range blocks {
			for _, tx := range blocks[i].Transactions {
				if tx == txHash {
					return &blocks[i], nil
				}
			}
		}
		if level == 0 || level == minLevel {
			return nil, nil
		}
	}
}

func fetchCurrentDAGLevel(ctx context.Context, rpc RawCaller) (uint64, error) {
	var level hexUint64
	if err := rpc.CallContext(ctx, &level, "taraxa_dagBlockLevel"); err != nil {
		return 0, fmt.Errorf("taraxa_dagBlockLevel: %w", err)
	}
	return uint64(level), nil
}

func fetchBlocksForLevel(ctx context.Context, rpc RawCaller, level uint64) ([]taraxaDAGBlock, error) {
	var blocks []taraxaDAGBlock
	if err := rpc.CallContext(ctx, &blocks, "taraxa_getDagBlockByLevel", fmt.Sprintf("0x%x", level), false); err != nil {
		return nil, fmt.Errorf("taraxa_getDagBlockByLevel(%d): %w", level, err)
	}
	return blocks, nil
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
