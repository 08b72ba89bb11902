// Package blockcreator batches feed updates and feed-management commands
// into fixed-capacity, merkle-rooted blocks and appends them to an
// in-memory, append-only blockchain database.
package blockcreator

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// FeedLookup resolves a feed's metadata by id, matching *feeds.Registry's
// Get method. It is an interface (not a direct *feeds.Registry dependency)
// so tests can supply a plain map-backed fake.
type FeedLookup interface {
	Get(id feeds.ID) (*feeds.Feed, bool)
}

// Block is a single sequencer block: a batch of aggregated updates plus any
// feed registrations/deletions that accumulated since the previous tick.
type Block struct {
	Height                     uint64
	SequencerID                uint64
	ParentHeaderHash           [32]byte
	NewFeeds                   []*feeds.Feed
	DeletedFeedIDs             []feeds.ID
	AggregatedUpdatesMerkleRoot [32]byte
}

// HeaderHash hashes Height and SequencerID (big-endian uint64 each),
// ParentHeaderHash and AggregatedUpdatesMerkleRoot with keccak256; the next
// block links to this hash via ParentHeaderHash. NewFeeds and
// DeletedFeedIDs are not part of the hash.
func (b *Block) HeaderHash() [32]byte {
	buf := make([]byte, 0, 8+8+32+32)
	buf = binary.BigEndian.AppendUint64(buf, b.Height)
	buf = binary.BigEndian.AppendUint64(buf, b.SequencerID)
	buf = append(buf, b.ParentHeaderHash[:]...)
	buf = append(buf, b.AggregatedUpdatesMerkleRoot[:]...)
	return [32]byte(crypto.Keccak256(buf))
}

// leafHash hashes a single VotedFeedUpdate for inclusion in the updates
// merkle tree: feed_id ‖ end_slot_timestamp ‖ value_bytes. value_bytes uses
// the same decimals-scaled encoding as the signature preimage and the
// on-chain calldata (feeds.EncodeValueBytes), so the same vote hashes
// identically everywhere it is committed to.
func leafHash(lookup FeedLookup, u feeds.VotedFeedUpdate) ([32]byte, error) {
	f, ok := lookup.Get(u.FeedID)
	if !ok {
		return [32]byte{}, fmt.Errorf("merkle leaf for unregistered feed %s", u.FeedID)
	}
	valueBytes, err := feeds.EncodeValueBytes(f, u.Value)
	if err != nil {
		return [32]byte{}, err
	}
	buf := make([]byte, 0, 16+8+len(valueBytes))
	buf = append(buf, u.FeedID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(u.EndSlotTimestampMS))
	buf = append(buf, valueBytes...)
	return [32]byte(crypto.Keccak256(buf)), nil
}

// MerkleRoot computes the root of a pairwise keccak256 Merkle tree over a
// batch of updates, in the order given. An odd trailing leaf is paired with
// itself, the common convention the source's bundled tests rely on.
func MerkleRoot(lookup FeedLookup, updates []feeds.VotedFeedUpdate) ([32]byte, error) {
	if len(updates) == 0 {
		return [32]byte{}, nil
	}

	level := make([][32]byte, 0, len(updates))
	for _, u := range updates {
		h, err := leafHash(lookup, u)
		if err != nil {
			return [32]byte{}, err
		}
		level = append(level, h)
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			combined := append(append([]byte{}, left[:]...), right[:]...)
			next = append(next, [32]byte(crypto.Keccak256(combined)))
		}
		level = next
	}
	return level[0], nil
}
