// Package consensus implements the two-round Gnosis Safe multisig
// consensus bridge (spec §4.6): the sequencer proposes a batch's Safe
// transaction hash over Kafka, reporters sign it out-of-process, and once
// a quorum of signatures is collected the sequencer submits
// execTransaction on-chain.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/metrics"
)

// PendingBatch is a batch awaiting reporter signatures, keyed by
// (block_height, network).
type PendingBatch struct {
	SequencerID     uint64
	BlockHeight     uint64
	Network         string
	ContractAddress common.Address
	SafeAddress     common.Address
	Nonce           *big.Int
	ChainID         *big.Int
	TxHash          common.Hash
	CalldataHex     string
	Updates         []feeds.VotedFeedUpdate

	signatures map[common.Address][65]byte
}

// WireMessage is the payload published on the aggregation_consensus topic
// (spec §4.6 step 2) and the shape reporters parse to recover what they
// must sign.
type WireMessage struct {
	SequencerID     uint64 `json:"sequencer_id"`
	BlockHeight     uint64 `json:"block_height"`
	ContractAddress string `json:"contract_address"`
	SafeAddress     string `json:"safe_address"`
	Nonce           string `json:"nonce"`
	ChainID         string `json:"chain_id"`
	TxHash          string `json:"tx_hash"`
	Network         string `json:"network"`
	CalldataHex     string `json:"calldata_hex"`
}

// BusPublisher is the Kafka publication surface the bridge needs.
type BusPublisher interface {
	PublishConsensusMessage(ctx context.Context, network string, payload []byte) error
}

// SafeCaller is the on-chain Safe multisig surface the bridge needs: the
// current nonce and transaction submission.
type SafeCaller interface {
	SafeNonce(ctx context.Context, safeAddress common.Address) (*big.Int, error)
	ExecTransaction(ctx context.Context, safeAddress, to common.Address, data []byte, signatures []byte) (common.Hash, error)
}

// Bridge tracks pending batches across all networks with a Safe configured.
type Bridge struct {
	mu      sync.Mutex
	batches map[string]*PendingBatch // keyed by fmt.Sprintf("%d:%s", height, network)

	Reporters  *feeds.ReportersRegistry
	MinQuorum  int
	Publisher  BusPublisher
	Safe       SafeCaller
	Logger     zerolog.Logger
}

func batchKey(height uint64, network string) string {
	return fmt.Sprintf("%d:%s", height, network)
}

// NewBridge constructs an empty bridge.
func NewBridge(reporters *feeds.ReportersRegistry, minQuorum int, publisher BusPublisher, safe SafeCaller, logger zerolog.Logger) *Bridge {
	return &Bridge{
		batches:   make(map[string]*PendingBatch),
		Reporters: reporters,
		MinQuorum: minQuorum,
		Publisher: publisher,
		Safe:      safe,
		Logger:    logger,
	}
}

// Propose computes the Safe transaction hash for a batch, registers it as
// pending and publishes it for reporters to sign (spec §4.6 steps 1-2).
func (b *Bridge) Propose(ctx context.Context, sequencerID uint64, blockHeight uint64, network string, contractAddress, safeAddress common.Address, chainID *big.Int, nonce *big.Int, calldata []byte, updates []feeds.VotedFeedUpdate) error {
	tx := SafeTx{
		To:             contractAddress,
		Value:          big.NewInt(0),
		Data:           calldata,
		Operation:      0,
		SafeTxGas:      big.NewInt(0),
		BaseGas:        big.NewInt(0),
		GasPrice:       big.NewInt(0),
		GasToken:       common.Address{},
		RefundReceiver: common.Address{},
		Nonce:          nonce,
	}
	txHash := SafeTxHash(chainID, safeAddress, tx)

	batch := &PendingBatch{
		SequencerID:     sequencerID,
		BlockHeight:     blockHeight,
		Network:         network,
		ContractAddress: contractAddress,
		SafeAddress:     safeAddress,
		Nonce:           nonce,
		ChainID:         chainID,
		TxHash:          txHash,
		CalldataHex:     fmt.Sprintf("%x", calldata),
		Updates:         updates,
		signatures:      make(map[common.Address][65]byte),
	}

	b.mu.Lock()
	b.batches[batchKey(blockHeight, network)] = batch
	b.mu.Unlock()
	metrics.PendingBatchesGauge.WithLabelValues(network).Inc()

	msg := WireMessage{
		SequencerID:     sequencerID,
		BlockHeight:     blockHeight,
		ContractAddress: contractAddress.Hex(),
		SafeAddress:     safeAddress.Hex(),
		Nonce:           nonce.String(),
		ChainID:         chainID.String(),
		TxHash:          txHash.Hex(),
		Network:         network,
		CalldataHex:     batch.CalldataHex,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding consensus message: %w", err)
	}
	return b.Publisher.PublishConsensusMessage(ctx, network, payload)
}

// SignatureVote is one reporter's response to a proposed batch.
type SignatureVote struct {
	BlockHeight uint64
	Network     string
	Signature   [65]byte // r‖s‖v, v in {27,28}
}

// HandleSignature verifies a reporter's signature against the pending
// batch's prehash, recovers and checks the signer address, and — once
// quorum is reached — submits the aggregated transaction (spec §4.6
// step 3 and onward). While quorum has not yet been reached it records the
// signature and returns nil, nil.
func (b *Bridge) HandleSignature(ctx context.Context, vote SignatureVote) (submitted *common.Hash, err error) {
	key := batchKey(vote.BlockHeight, vote.Network)

	b.mu.Lock()
	batch, ok := b.batches[key]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("no pending batch for height %d network %s", vote.BlockHeight, vote.Network)
	}

	recovered, err := recoverSigner(batch.TxHash, vote.Signature)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("recovering signer: %w", err)
	}
	if _, known := b.Reporters.ByAddress(recovered); !known {
		b.mu.Unlock()
		return nil, fmt.Errorf("signature recovered to unknown reporter address %s", recovered)
	}

	batch.signatures[recovered] = vote.Signature
	reached := len(batch.signatures) >= b.MinQuorum
	var toSubmit *PendingBatch
	if reached {
		toSubmit = batch
		delete(b.batches, key)
		metrics.PendingBatchesGauge.WithLabelValues(vote.Network).Dec()
	}
	b.mu.Unlock()

	if !reached {
		return nil, nil
	}
	return b.submit(ctx, toSubmit)
}

func recoverSigner(hash common.Hash, sig [65]byte) (common.Address, error) {
	s := make([]byte, 65)
	copy(s, sig[:])
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(hash[:], s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// submit sorts signatures ascending by signer address, concatenates
// r‖s‖v, re-checks the on-chain Safe nonce for staleness, and calls
// execTransaction (spec §4.6 steps 4-6).
func (b *Bridge) submit(ctx context.Context, batch *PendingBatch) (*common.Hash, error) {
	onChainNonce, err := b.Safe.SafeNonce(ctx, batch.SafeAddress)
	if err != nil {
		return nil, fmt.Errorf("reading safe nonce: %w", err)
	}
	if onChainNonce.Cmp(batch.Nonce) != 0 {
		return nil, fmt.Errorf("stale batch: safe nonce %s does not match expected %s", onChainNonce, batch.Nonce)
	}

	addrs := make([]common.Address, 0, len(batch.signatures))
	for addr := range batch.signatures {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })

	signatures := make([]byte, 0, 65*len(addrs))
	for _, addr := range addrs {
		sig := batch.signatures[addr]
		signatures = append(signatures, sig[:]...)
	}

	txHash, err := b.Safe.ExecTransaction(ctx, batch.SafeAddress, batch.ContractAddress, mustDecodeHex(batch.CalldataHex), signatures)
	if err != nil {
		return nil, fmt.Errorf("submitting execTransaction: %w", err)
	}
	metrics.ConsensusBatchesSubmittedTotal.WithLabelValues(batch.Network).Inc()
	return &txHash, nil
}

func mustDecodeHex(s string) []byte {
	b := make([]byte, len(s)/2)
	for i := 0; i < len(b); i++ {
		hi := hexNibble(s[2*i])
		lo := hexNibble(s[2*i+1])
		b[i] = hi<<4 | lo
	}
	return b
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

// DiscardStale drops batches whose block height is older than
// currentHeight - discardPeriodBlocks, called on every block-generation
// tick (spec §4.6 "Expiry").
func (b *Bridge) DiscardStale(currentHeight uint64, discardPeriodBlocks uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, batch := range b.batches {
		if currentHeight > batch.BlockHeight && currentHeight-batch.BlockHeight > discardPeriodBlocks {
			delete(b.batches, key)
			metrics.PendingBatchesGauge.WithLabelValues(batch.Network).Dec()
			metrics.ConsensusBatchesDiscardedTotal.WithLabelValues(batch.Network, "stale").Inc()
			b.Logger.Warn().Str("network", batch.Network).Uint64("block_height", batch.BlockHeight).Msg("discarding stale pending batch")
		}
	}
}
