package feeds

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// EncodeValueBytes renders a vote's value into the canonical byte encoding
// used both for the signature preimage and (for numerical feeds) for the
// on-chain calldata: the value scaled by the feed's decimals, as an
// unsigned big-endian integer.
func EncodeValueBytes(f *Feed, v Value) ([]byte, error) {
	switch v.Kind {
	case KindNumerical:
		if !f.ValueType.isNumerical() {
			return nil, fmt.Errorf("feed %s is not numerical", f.ID)
		}
		scale := math.Pow(10, float64(f.Decimals))
		scaled := new(big.Float).Mul(big.NewFloat(v.Num), big.NewFloat(scale))
		i, _ := scaled.Int(nil)
		if i.Sign() < 0 {
			return nil, fmt.Errorf("negative values are not supported by the ring buffer encoding")
		}
		return i.Bytes(), nil
	case KindText:
		return []byte(v.Str), nil
	case KindBytes:
		return v.Raw, nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

func (t ValueType) isNumerical() bool { return t == ValueTypeNumerical }

// Preimage builds feed_id‖timestamp‖value_bytes, the exact byte string the
// reporter signs over (spec §3 Report).
func Preimage(feedID ID, timestampMS int64, valueBytes []byte) []byte {
	buf := make([]byte, 0, 16+8+len(valueBytes))
	buf = append(buf, feedID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMS))
	buf = append(buf, ts[:]...)
	buf = append(buf, valueBytes...)
	return buf
}

// VerifySignature recovers the signer's uncompressed public key from a
// 65-byte [R‖S‖V] signature over keccak256(preimage) and checks it matches
// the reporter's known public key byte for byte.
func VerifySignature(publicKey []byte, preimage []byte, signature []byte) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	hash := crypto.Keccak256(preimage)

	// crypto.Ecrecover expects v in {0,1}; accept the common {27,28} form too.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	recovered, err := crypto.Ecrecover(hash, sig)
	if err != nil {
		return false, fmt.Errorf("recovering signer: %w", err)
	}
	if len(recovered) != len(publicKey) {
		return false, nil
	}
	for i := range recovered {
		if recovered[i] != publicKey[i] {
			return false, nil
		}
	}
	return true, nil
}

// Sign is the reporter-side counterpart used by tests to build valid
// fixtures: signs keccak256(preimage) with an ECDSA private key, returning
// a 65-byte [R‖S‖V] signature with v in {27,28}.
func Sign(privateKeyD []byte, preimage []byte) ([]byte, error) {
	priv, err := crypto.ToECDSA(privateKeyD)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	hash := crypto.Keccak256(preimage)
	sig, err := crypto.Sign(hash, priv)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
