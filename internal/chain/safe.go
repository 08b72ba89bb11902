package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func ethCallMsg(to common.Address, selector []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: selector}
}

// SafeClient implements consensus.SafeCaller against a real Gnosis Safe
// contract over an EVMClient, submitting the final execTransaction call
// once the bridge has collected quorum.
type SafeClient struct {
	Client EVMClient
	Signer Signer
}

var (
	nonceSelector = crypto.Keccak256([]byte("nonce()"))[:4]
	execTransactionSelector = crypto.Keccak256([]byte(
		"execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)",
	))[:4]
	execTransactionArgs = mustExecTransactionArgs()
)

func mustExecTransactionArgs() abi.Arguments {
	addressT, _ := abi.NewType("address", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	uint8T, _ := abi.NewType("uint8", "", nil)

	return abi.Arguments{
		{Type: addressT}, // to
		{Type: uint256T}, // value
		{Type: bytesT},   // data
		{Type: uint8T},   // operation
		{Type: uint256T}, // safeTxGas
		{Type: uint256T}, // baseGas
		{Type: uint256T}, // gasPrice
		{Type: addressT}, // gasToken
		{Type: addressT}, // refundReceiver
		{Type: bytesT},   // signatures
	}
}

// SafeNonce reads the Safe contract's current nonce via eth_call.
func (c *SafeClient) SafeNonce(ctx context.Context, safeAddress common.Address) (*big.Int, error) {
	out, err := c.Client.CallContract(ctx, ethCallMsg(safeAddress, nonceSelector), nil)
	if err != nil {
		return nil, fmt.Errorf("calling safe nonce(): %w", err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("unexpected nonce() return length %d", len(out))
	}
	return new(big.Int).SetBytes(out), nil
}

// ExecTransaction submits the Safe's execTransaction call with the
// aggregated signatures, using the same zero-value, zero-gas-refund shape
// the bridge hashed over in Propose.
func (c *SafeClient) ExecTransaction(ctx context.Context, safeAddress, to common.Address, data []byte, signatures []byte) (common.Hash, error) {
	packed, err := execTransactionArgs.Pack(
		to,
		big.NewInt(0),
		data,
		uint8(0),
		big.NewInt(0),
		big.NewInt(0),
		big.NewInt(0),
		common.Address{},
		common.Address{},
		signatures,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing execTransaction calldata: %w", err)
	}
	calldata := append(append([]byte{}, execTransactionSelector...), packed...)

	chainID, err := c.Client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching chain id: %w", err)
	}
	nonce, err := c.Client.PendingNonceAt(ctx, c.Signer.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}
	priorityFee, err := c.Client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching suggested priority fee: %w", err)
	}
	gasPrice, err := c.Client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching suggested gas price: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: priorityFee,
		GasFeeCap: gasPrice,
		Gas:       3_000_000,
		To:        &safeAddress,
		Data:      calldata,
	})
	signedTx, err := c.Signer.SignTx(chainID, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing execTransaction: %w", err)
	}
	if err := c.Client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("submitting execTransaction: %w", err)
	}
	return signedTx.Hash(), nil
}
