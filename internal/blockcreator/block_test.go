package blockcreator

import (
	"testing"

	"github.com/blocksense-network/blocksense-sub000/internal/feeds"
)

func testLookup() FeedLookup {
	r := feeds.NewRegistry()
	r.Register(&feeds.Feed{ID: feeds.IDFromUint64(1), ValueType: feeds.ValueTypeNumerical, Decimals: 2})
	r.Register(&feeds.Feed{ID: feeds.IDFromUint64(2), ValueType: feeds.ValueTypeNumerical, Decimals: 2})
	return r
}

func TestMerkleRootDeterministic(t *testing.T) {
	lookup := testLookup()
	updates := []feeds.VotedFeedUpdate{
		{FeedID: feeds.IDFromUint64(1), Value: feeds.NumericalValue(1), EndSlotTimestampMS: 1000},
		{FeedID: feeds.IDFromUint64(2), Value: feeds.NumericalValue(2), EndSlotTimestampMS: 1000},
	}
	r1, err := MerkleRoot(lookup, updates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := MerkleRoot(lookup, updates)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1 != r2 {
		t.Fatal("expected deterministic merkle root for the same input")
	}

	other := []feeds.VotedFeedUpdate{updates[1], updates[0]}
	r3, err := MerkleRoot(lookup, other)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1 == r3 {
		t.Fatal("expected order to affect the merkle root")
	}
}

func TestChainAppendMonotonicity(t *testing.T) {
	c := NewChain()

	b0 := Block{Height: 0, ParentHeaderHash: [32]byte{}}
	if err := c.Append(b0); err != nil {
		t.Fatalf("unexpected error appending genesis: %v", err)
	}

	b1 := Block{Height: 1, ParentHeaderHash: b0.HeaderHash()}
	if err := c.Append(b1); err != nil {
		t.Fatalf("unexpected error appending block 1: %v", err)
	}

	// Wrong height.
	bad := Block{Height: 5, ParentHeaderHash: b1.HeaderHash()}
	if err := c.Append(bad); err == nil {
		t.Fatal("expected an error for a non-monotonic height")
	}

	// Wrong parent hash.
	badParent := Block{Height: 2, ParentHeaderHash: [32]byte{0xff}}
	if err := c.Append(badParent); err == nil {
		t.Fatal("expected an error for a mismatched parent hash")
	}

	if c.Height() != 1 {
		t.Fatalf("expected chain height 1, got %d", c.Height())
	}
}

func TestCreatorSubmitUpdateOverflowsToBacklog(t *testing.T) {
	c := &Creator{
		Chain:                   NewChain(),
		MaxFeedUpdatesInBlock:   1,
		MaxNewFeedsInBlock:      10,
		MaxFeedIDToDeleteInBlock: 10,
	}
	c.SubmitUpdate(feeds.VotedFeedUpdate{FeedID: feeds.IDFromUint64(1)})
	c.SubmitUpdate(feeds.VotedFeedUpdate{FeedID: feeds.IDFromUint64(2)})

	updates, _, _ := c.take()
	if len(updates) != 1 {
		t.Fatalf("expected 1 update taken, got %d", len(updates))
	}
	if len(c.backlog) != 1 {
		t.Fatalf("expected 1 update spilled to backlog, got %d", len(c.backlog))
	}
}
