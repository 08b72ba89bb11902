package adfs

import (
	"encoding/hex"
	"testing"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

// TestEncodeBatchS6Prefix reproduces the canonical test vector from spec §8
// scenario S6: feed 1, value 12343267643573 (hex), ring index 6, stride 1
// must serialize to the documented byte prefix.
func TestEncodeBatchS6Prefix(t *testing.T) {
	value, err := hex.DecodeString("12343267643573")
	if err != nil {
		t.Fatalf("bad test fixture: %v", err)
	}

	updates := []Update{
		{FeedID: feeds.IDFromUint64(1), Stride: 1, ValueBytes: value, RingIndex: 6},
	}
	// S6 describes a 5-update batch; this test encodes only its first
	// update and compares the bytes after the 4-byte count header with
	// S6's first record.
	encoded, err := EncodeBatch(updates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantPrefix := "0102400c010712343267643573"
	gotHeaderAndFirstRecord := hex.EncodeToString(encoded[4 : 4+len(wantPrefix)/2])
	if gotHeaderAndFirstRecord != wantPrefix {
		t.Fatalf("record mismatch:\n got: %s\nwant: %s", gotHeaderAndFirstRecord, wantPrefix)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := map[uint64]string{1: "12343267643573", 2: "2456", 3: "3678", 4: "4890", 5: "5abc"}
	ringIdx := map[uint64]uint64{1: 6, 2: 5, 3: 4, 4: 3, 5: 2}

	var updates []Update
	for fid := uint64(1); fid <= 5; fid++ {
		v, _ := hex.DecodeString(pad(values[fid]))
		updates = append(updates, Update{
			FeedID:     feeds.IDFromUint64(fid),
			Stride:     1,
			ValueBytes: v,
			RingIndex:  ringIdx[fid],
		})
	}

	encoded, err := EncodeBatch(updates)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	decoded, err := DecodeBatch(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(decoded) != len(updates) {
		t.Fatalf("expected %d decoded updates, got %d", len(updates), len(decoded))
	}

	for i, u := range updates {
		d := decoded[i]
		if d.FeedID != u.FeedID {
			t.Fatalf("update %d: feed id mismatch: got %v want %v", i, d.FeedID, u.FeedID)
		}
		if d.RingIndex != u.RingIndex {
			t.Fatalf("update %d: ring index mismatch: got %d want %d", i, d.RingIndex, u.RingIndex)
		}
		if hex.EncodeToString(d.ValueBytes) != hex.EncodeToString(u.ValueBytes) {
			t.Fatalf("update %d: value mismatch: got %x want %x", i, d.ValueBytes, u.ValueBytes)
		}
	}
}

func pad(s string) string {
	if len(s)%2 == 1 {
		return "0" + s
	}
	return s
}
