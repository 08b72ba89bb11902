// Package adfs implements the wire codec for the Aggregated Data Feed
// Store contract: the ring-buffered ADFS calldata format (contract
// version 2) and the legacy fixed-width format (contract version 1), per
// spec §4.5 step 2 and the §8 S6 canonical test vector.
package adfs

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// WriteSelector is the first 4 bytes of calldata that tells the
// aggregated-data-feed-store contract to interpret the remainder as a
// ring-buffer write (spec §6).
var WriteSelector = [4]byte{0x1a, 0x2d, 0x80, 0xac}

// Update is a single feed's value destined for the ring buffer: its id,
// the on-chain byte width selector (stride), the encoded value bytes, and
// the ring-buffer slot it will occupy.
type Update struct {
	FeedID     feeds.ID
	Stride     uint8
	ValueBytes []byte
	RingIndex  uint64 // position within the feed's MAX_HISTORY_ELEMENTS_PER_FEED ring
}

// feedsPerRow is the number of feeds packed into a single 32-byte
// ring-buffer-index row (spec §3 RingBufferedEntry).
const feedsPerRow = 16

type indexRow struct {
	index *big.Int
	slots [feedsPerRow]uint64
}

// EncodeBatch serializes a batch of updates into the ADFS TLV format:
// a 4-byte update count, followed by one record per update, followed by
// one ring-buffer-index table row per touched 16-feed group.
//
// Record layout: stride_u8 ‖ index_len_u8 ‖ index_be ‖ value_len_len_u8 ‖
// value_len_be ‖ value_bytes, where index = (feed_id*8192 + ring_index) << stride.
func EncodeBatch(updates []Update) ([]byte, error) {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(updates)))

	rows := make(map[string]*indexRow)
	rowOrder := make([]string, 0)

	for _, u := range updates {
		rec, err := encodeRecord(u)
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)

		rowIdx := ringIndexRowFor(u.FeedID, u.Stride)
		key := rowIdx.String()
		r, ok := rows[key]
		if !ok {
			r = &indexRow{index: rowIdx}
			rows[key] = r
			rowOrder = append(rowOrder, key)
		}
		slot := int(u.FeedID.Uint64() % feedsPerRow)
		r.slots[slot] = u.RingIndex
	}

	// Deterministic row order: ascending row index.
	sort.Slice(rowOrder, func(i, j int) bool {
		return rows[rowOrder[i]].index.Cmp(rows[rowOrder[j]].index) < 0
	})

	for _, key := range rowOrder {
		r := rows[key]
		rowIdxBytes := minimalBigEndian(r.index)
		out = append(out, byte(len(rowIdxBytes)))
		out = append(out, rowIdxBytes...)

		var packed [32]byte
		for slot := 0; slot < feedsPerRow; slot++ {
			binary.BigEndian.PutUint16(packed[slot*2:slot*2+2], uint16(r.slots[slot]))
		}
		out = append(out, packed[:]...)
	}

	return out, nil
}

func encodeRecord(u Update) ([]byte, error) {
	if len(u.ValueBytes) > 255 {
		return nil, fmt.Errorf("value too large for ADFS encoding: %d bytes", len(u.ValueBytes))
	}

	rawIndex := new(big.Int).Mul(u.FeedID.Big(), big.NewInt(8192))
	rawIndex.Add(rawIndex, new(big.Int).SetUint64(u.RingIndex))
	rawIndex.Lsh(rawIndex, uint(u.Stride))

	indexBytes := minimalBigEndian(rawIndex)
	valueLenBytes := minimalBigEndian(big.NewInt(int64(len(u.ValueBytes))))

	rec := make([]byte, 0, 2+len(indexBytes)+1+len(valueLenBytes)+len(u.ValueBytes))
	rec = append(rec, u.Stride)
	rec = append(rec, byte(len(indexBytes)))
	rec = append(rec, indexBytes...)
	rec = append(rec, byte(len(valueLenBytes)))
	rec = append(rec, valueLenBytes...)
	rec = append(rec, u.ValueBytes...)
	return rec, nil
}

// DecodeBatch parses a batch encoded by EncodeBatch back into its updates,
// ignoring the trailing ring-buffer-index table rows (they are redundant
// with the per-record index field, which is what the round-trip property
// in spec §8 is defined over).
func DecodeBatch(data []byte) ([]Update, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("adfs batch too short: %d bytes", len(data))
	}
	count := binary.BigEndian.Uint32(data[:4])
	pos := 4

	updates := make([]Update, 0, count)
	for i := uint32(0); i < count; i++ {
		u, consumed, err := decodeRecord(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("decoding record %d: %w", i, err)
		}
		updates = append(updates, u)
		pos += consumed
	}
	return updates, nil
}

func decodeRecord(data []byte) (Update, int, error) {
	if len(data) < 2 {
		return Update{}, 0, fmt.Errorf("truncated record header")
	}
	stride := data[0]
	indexLen := int(data[1])
	pos := 2
	if len(data) < pos+indexLen {
		return Update{}, 0, fmt.Errorf("truncated index")
	}
	rawIndex := new(big.Int).SetBytes(data[pos : pos+indexLen])
	pos += indexLen

	if len(data) < pos+1 {
		return Update{}, 0, fmt.Errorf("truncated value-length-length")
	}
	valueLenLen := int(data[pos])
	pos++
	if len(data) < pos+valueLenLen {
		return Update{}, 0, fmt.Errorf("truncated value length")
	}
	valueLen := int(new(big.Int).SetBytes(data[pos : pos+valueLenLen]).Int64())
	pos += valueLenLen

	if len(data) < pos+valueLen {
		return Update{}, 0, fmt.Errorf("truncated value")
	}
	valueBytes := append([]byte{}, data[pos:pos+valueLen]...)
	pos += valueLen

	shifted := new(big.Int).Rsh(rawIndex, uint(stride))
	feedIDBig := new(big.Int).Div(shifted, big.NewInt(8192))
	ringIndex := new(big.Int).Mod(shifted, big.NewInt(8192)).Uint64()

	feedID, err := feeds.IDFromBig(feedIDBig)
	if err != nil {
		return Update{}, 0, fmt.Errorf("recovering feed id: %w", err)
	}

	return Update{
		FeedID:     feedID,
		Stride:     stride,
		ValueBytes: valueBytes,
		RingIndex:  ringIndex,
	}, pos, nil
}

// ringIndexRowFor computes the packed-row index a feed's ring-buffer
// position table entry lives at: (2^115*stride + feed_id) / 16 (spec §3).
func ringIndexRowFor(id feeds.ID, stride uint8) *big.Int {
	base := new(big.Int).Lsh(big.NewInt(int64(stride)), 115)
	base.Add(base, id.Big())
	base.Div(base, big.NewInt(feedsPerRow))
	return base
}

// RingIndexRowFor and RingIndexSlotFor expose the packed-row addressing
// scheme to callers that need to read ring-buffer-index rows back off
// chain (the reorg tracker's resync), rather than only encode them.
func RingIndexRowFor(id feeds.ID, stride uint8) *big.Int { return ringIndexRowFor(id, stride) }

// RingIndexSlotFor is the feed's position within its packed row (spec §3:
// "slot position is feed_id mod 16").
func RingIndexSlotFor(id feeds.ID) int {
	return int(id.Uint64() % feedsPerRow)
}

func minimalBigEndian(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}
