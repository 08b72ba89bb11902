package consensus

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// The Safe multisig's EIP-712 type hashes, computed the same way the
// contract computes its own compile-time constants: keccak256 of the
// canonical type string. Hardcoding the resulting digest would be opaque
// and unverifiable; deriving it here keeps the byte layout self-evident
// and immune to a hand-transcribed constant going stale.
var (
	domainSeparatorTypeHash = crypto.Keccak256([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypeHash          = crypto.Keccak256([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// SafeTx mirrors the Safe contract's transaction struct. Every field here
// is taken verbatim from the PendingBatch; none are derived elsewhere, per
// the resolved open question that the hash must not depend on anything
// outside the pending batch.
type SafeTx struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

func word32(b []byte) [32]byte {
	var w [32]byte
	copy(w[32-len(b):], b)
	return w
}

func addressWord(a common.Address) [32]byte { return word32(a.Bytes()) }
func uintWord(v *big.Int) [32]byte          { return word32(v.Bytes()) }
func uint8Word(v uint8) [32]byte            { return word32([]byte{v}) }

// structHash computes the EIP-712 struct hash of a SafeTx: the type hash
// followed by each field ABI-encoded to a 32-byte word, with the dynamic
// `data` field replaced by its own keccak256 digest per EIP-712 §3.
func (tx SafeTx) structHash() []byte {
	dataHash := crypto.Keccak256(tx.Data)

	buf := make([]byte, 0, 32*11)
	buf = append(buf, safeTxTypeHash...)
	toW := addressWord(tx.To)
	buf = append(buf, toW[:]...)
	valW := uintWord(tx.Value)
	buf = append(buf, valW[:]...)
	buf = append(buf, dataHash...)
	opW := uint8Word(tx.Operation)
	buf = append(buf, opW[:]...)
	gasW := uintWord(tx.SafeTxGas)
	buf = append(buf, gasW[:]...)
	baseW := uintWord(tx.BaseGas)
	buf = append(buf, baseW[:]...)
	priceW := uintWord(tx.GasPrice)
	buf = append(buf, priceW[:]...)
	tokenW := addressWord(tx.GasToken)
	buf = append(buf, tokenW[:]...)
	refundW := addressWord(tx.RefundReceiver)
	buf = append(buf, refundW[:]...)
	nonceW := uintWord(tx.Nonce)
	buf = append(buf, nonceW[:]...)

	return crypto.Keccak256(buf)
}

// domainSeparator computes keccak256(DOMAIN_TYPEHASH ‖ chainId ‖ safeAddress).
func domainSeparator(chainID *big.Int, safeAddress common.Address) []byte {
	buf := make([]byte, 0, 32*3)
	buf = append(buf, domainSeparatorTypeHash...)
	chainW := uintWord(chainID)
	buf = append(buf, chainW[:]...)
	addrW := addressWord(safeAddress)
	buf = append(buf, addrW[:]...)
	return crypto.Keccak256(buf)
}

// SafeTxHash computes the prehash reporters sign and the sequencer
// verifies signatures against: keccak256(0x1901 ‖ domain_hash ‖
// keccak256(type_hash ‖ encoded(safe_tx))).
func SafeTxHash(chainID *big.Int, safeAddress common.Address, tx SafeTx) common.Hash {
	domain := domainSeparator(chainID, safeAddress)
	txHash := tx.structHash()

	buf := make([]byte, 0, 2+32+32)
	buf = append(buf, 0x19, 0x01)
	buf = append(buf, domain...)
	buf = append(buf, txHash...)
	return common.BytesToHash(crypto.Keccak256(buf))
}
