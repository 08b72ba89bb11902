package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/blocksense-network/blocksense-sub000/internal/adfs"
	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
	"github.com/blocksense-network/blocksense-sub000/internal/metrics"
)

// SendResult reports the outcome of one Send call. On success Send has
// already advanced the ring-buffer index of every feed in FeedIDs; on
// failure it returns a zero SendResult with an error.
type SendResult struct {
	Sent    bool
	TxHash  common.Hash
	GasUsed uint64
	FeedIDs []feeds.ID
}

// Send filters, serializes and submits one batch of updates for a single
// network, implementing spec §4.5 steps 1-8. It holds the provider lock only
// across the short RPC calls and local bookkeeping updates, never across the
// whole retry loop, so other networks' send loops and the reorg tracker are
// never blocked by a slow RPC endpoint.
func Send(ctx context.Context, st *State, updates []feeds.VotedFeedUpdate, feedByID map[feeds.ID]*feeds.Feed, log zerolog.Logger) (SendResult, error) {
	if st.IsDisabled() {
		metrics.TxSubmittedTotal.WithLabelValues(string(st.Config.Network), "skipped").Inc()
		return SendResult{}, nil
	}

	allowed := make([]feeds.VotedFeedUpdate, 0, len(updates))
	for _, u := range updates {
		if st.Config.Allows(u.FeedID) {
			allowed = append(allowed, u)
		}
	}
	if len(allowed) == 0 {
		metrics.TxSubmittedTotal.WithLabelValues(string(st.Config.Network), "skipped").Inc()
		return SendResult{}, nil
	}

	calldata, feedIDs, err := BuildCalldata(st, allowed, feedByID)
	if err != nil {
		return SendResult{}, fmt.Errorf("building calldata for network %s: %w", st.Config.Network, err)
	}

	timeout := time.Duration(st.Config.TransactionRetryTimeout) * time.Millisecond
	retries := st.Config.TransactionRetriesCountLimit
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := submitOnce(attemptCtx, st, calldata, attempt)
		cancel()
		if err == nil {
			st.Lock()
			for _, id := range feedIDs {
				st.NextRingIndex(id)
			}
			st.Status = StatusLastUpdateSucceeded
			st.Unlock()

			metrics.TxSubmittedTotal.WithLabelValues(string(st.Config.Network), "success").Inc()
			metrics.GasUsed.WithLabelValues(string(st.Config.Network)).Observe(float64(result.GasUsed))

			result.FeedIDs = feedIDs
			return result, nil
		}

		lastErr = err
		if attemptCtx.Err() != nil {
			metrics.TxTimedOutTotal.WithLabelValues(string(st.Config.Network)).Inc()
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("network", string(st.Config.Network)).Msg("transaction attempt failed, retrying with escalated fees")
	}

	st.Lock()
	st.Status = StatusLastUpdateFailed
	st.Unlock()
	metrics.TxSubmittedTotal.WithLabelValues(string(st.Config.Network), "failed").Inc()
	return SendResult{}, fmt.Errorf("network %s: all %d attempts failed: %w", st.Config.Network, retries, lastErr)
}

// BuildCalldata serializes updates according to the provider's contract
// version, returning the feed IDs actually included so the caller can
// advance ring-buffer state only for those. Exported so the dispatcher can
// reuse the exact same encoding when proposing a consensus batch instead
// of sending directly.
func BuildCalldata(st *State, updates []feeds.VotedFeedUpdate, feedByID map[feeds.ID]*feeds.Feed) ([]byte, []feeds.ID, error) {
	feedIDs := make([]feeds.ID, 0, len(updates))
	adfsUpdates := make([]adfs.Update, 0, len(updates))

	for _, u := range updates {
		f, ok := feedByID[u.FeedID]
		if !ok {
			continue
		}
		valueBytes, err := feeds.EncodeValueBytes(f, u.Value)
		if err != nil {
			return nil, nil, err
		}
		feedIDs = append(feedIDs, u.FeedID)
		adfsUpdates = append(adfsUpdates, adfs.Update{
			FeedID:     u.FeedID,
			Stride:     f.Stride,
			ValueBytes: valueBytes,
			RingIndex:  st.RingBufferIndex[u.FeedID],
		})
	}

	switch st.Config.ContractVersion {
	case ContractVersionADFS:
		data, err := adfs.EncodeBatch(adfsUpdates)
		return data, feedIDs, err
	case ContractVersionLegacy:
		data, err := adfs.EncodeLegacyBatch(adfsUpdates)
		return data, feedIDs, err
	default:
		return nil, nil, fmt.Errorf("unknown contract version %d", st.Config.ContractVersion)
	}
}

// submitOnce resolves nonce/gas/chainID, signs and submits a single
// transaction attempt, then blocks for its receipt until the caller's
// context expires.
func submitOnce(ctx context.Context, st *State, calldata []byte, attempt int) (SendResult, error) {
	st.Lock()
	client := st.Client
	signer := st.Signer
	st.Unlock()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("fetching chain id: %w", err)
	}

	// Nonce is transaction_count(latest) + in_flight (spec §4.5 step 4):
	// in_flight accounts for attempts already submitted to the mempool
	// whose nonce the latest-block count doesn't yet reflect.
	latestCount, err := client.NonceAt(ctx, signer.Address(), nil)
	if err != nil {
		return SendResult{}, fmt.Errorf("fetching nonce: %w", err)
	}
	st.Lock()
	nonce := latestCount + uint64(st.InFlight)
	st.InFlight++
	st.Unlock()
	defer func() {
		st.Lock()
		st.InFlight--
		st.Unlock()
	}()

	basePriorityFee, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("fetching suggested priority fee: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("fetching suggested gas price: %w", err)
	}

	maxPriority, maxFee := NextFees(attempt, basePriorityFee, gasPrice, st.Config.RetryFeeIncrementFraction)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: maxPriority,
		GasFeeCap: maxFee,
		Gas:       3_000_000,
		To:        &st.Config.ContractAddress,
		Data:      calldata,
	})

	signedTx, err := signer.SignTx(chainID, tx)
	if err != nil {
		return SendResult{}, fmt.Errorf("signing transaction: %w", err)
	}

	start := time.Now()
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return SendResult{}, fmt.Errorf("submitting transaction: %w", err)
	}

	receipt, err := awaitReceipt(ctx, client, signedTx.Hash())
	if err != nil {
		return SendResult{}, err
	}
	metrics.TxConfirmationSeconds.WithLabelValues(string(st.Config.Network)).Observe(time.Since(start).Seconds())

	if receipt.Status != types.ReceiptStatusSuccessful {
		return SendResult{}, fmt.Errorf("transaction %s reverted", signedTx.Hash())
	}

	return SendResult{Sent: true, TxHash: signedTx.Hash(), GasUsed: receipt.GasUsed}, nil
}

// awaitReceipt polls for a transaction receipt until the context expires,
// mirroring go-ethereum's bind.WaitMined without importing accounts/abi/bind.
func awaitReceipt(ctx context.Context, client EVMClient, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
