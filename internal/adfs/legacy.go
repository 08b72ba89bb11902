package adfs

import (
	"encoding/binary"
	"fmt"
)

// EncodeLegacyBatch serializes updates for contract version 1:
// selector ‖ for each update: (feed_id_be4 ‖ value_be_padded_to_32). The
// contract accepts both encodings behind the same write selector,
// WriteSelector, distinguishing them only by the calldata that follows.
func EncodeLegacyBatch(updates []Update) ([]byte, error) {
	out := append([]byte{}, WriteSelector[:]...)
	for _, u := range updates {
		if len(u.ValueBytes) > 32 {
			return nil, fmt.Errorf("value does not fit in 32 bytes for legacy encoding")
		}
		var feedIDBytes [4]byte
		binary.BigEndian.PutUint32(feedIDBytes[:], uint32(u.FeedID.Uint64()))
		out = append(out, feedIDBytes[:]...)

		var padded [32]byte
		copy(padded[32-len(u.ValueBytes):], u.ValueBytes)
		out = append(out, padded[:]...)
	}
	return out, nil
}
