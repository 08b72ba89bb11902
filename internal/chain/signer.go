package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces signed transactions for a provider's sender address.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// ecdsaSigner is the production Signer, backed by a secp256k1 private key.
type ecdsaSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSignerFromPrivateKey builds a Signer from a raw private key.
func NewSignerFromPrivateKey(keyHex string) (Signer, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing provider signing key: %w", err)
	}
	return &ecdsaSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *ecdsaSigner) Address() common.Address { return s.addr }

func (s *ecdsaSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.key)
}
