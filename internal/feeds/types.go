// Package feeds holds the core oracle data model: feed metadata, reporter
// votes, per-feed report tables and the aggregator dispatch table described
// in the sequencer pipeline's ingress and slot-processing stages.
package feeds

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// ID is a feed identifier: a 128-bit unsigned integer stored big-endian so
// it is directly comparable and usable as a map key.
type ID [16]byte

// IDFromUint64 builds an ID from a small integer, the common case for
// tests and for feeds registered with sequential ids.
func IDFromUint64(v uint64) ID {
	var id ID
	for i := 0; i < 8; i++ {
		id[15-i] = byte(v >> (8 * i))
	}
	return id
}

// IDFromBig converts an arbitrary 128-bit unsigned value.
func IDFromBig(v *big.Int) (ID, error) {
	if v.Sign() < 0 {
		return ID{}, fmt.Errorf("feed id must be unsigned")
	}
	b := v.Bytes()
	if len(b) > 16 {
		return ID{}, fmt.Errorf("feed id does not fit in 128 bits")
	}
	var id ID
	copy(id[16-len(b):], b)
	return id, nil
}

// Big returns the feed id as a big.Int, used by the ADFS row-index
// computation which needs to multiply by 2^115.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Uint64 returns the low 64 bits of the id. Safe for ids that were created
// via IDFromUint64; truncates silently otherwise (only used in logging and
// tests where ids are known to be small).
func (id ID) Uint64() uint64 {
	var v uint64
	for i := 8; i < 16; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ValueType is the feed's declared value shape; votes whose value doesn't
// match are dropped during slot collection (spec §4.2 step 1).
type ValueType uint8

const (
	ValueTypeNumerical ValueType = iota
	ValueTypeText
)

// ValueKind tags the variant actually carried by a Value.
type ValueKind uint8

const (
	KindNumerical ValueKind = iota
	KindText
	KindBytes
)

// Value is the tagged union of everything a reporter can vote, or a slot
// processor can aggregate: Numerical(f64), Text(string) or Bytes([]byte).
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Raw  []byte
}

// NumericalValue constructs a numerical Value.
func NumericalValue(v float64) Value { return Value{Kind: KindNumerical, Num: v} }

// TextValue constructs a text Value.
func TextValue(v string) Value { return Value{Kind: KindText, Str: v} }

// BytesValue constructs a bytes Value.
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Raw: v} }

// MatchesType reports whether the value's runtime kind is compatible with a
// feed's declared ValueType (numerical feeds accept only Numerical values;
// text feeds accept Text or Bytes, since majority-vote can run over either).
func (v Value) MatchesType(t ValueType) bool {
	switch t {
	case ValueTypeNumerical:
		return v.Kind == KindNumerical
	case ValueTypeText:
		return v.Kind == KindText || v.Kind == KindBytes
	default:
		return false
	}
}

// AggregatorKind selects the per-feed aggregation function.
type AggregatorKind uint8

const (
	AggregatorAverage AggregatorKind = iota
	AggregatorMedian
	AggregatorMajority
)

func ParseAggregatorKind(s string) (AggregatorKind, error) {
	switch s {
	case "average":
		return AggregatorAverage, nil
	case "median":
		return AggregatorMedian, nil
	case "majority-vote", "majority":
		return AggregatorMajority, nil
	default:
		return 0, fmt.Errorf("unknown aggregator %q", s)
	}
}

// Feed is the immutable (post-registration) metadata describing a single
// logical data series and its scheduling grid.
type Feed struct {
	ID                     ID
	Name                   string
	ValueType              ValueType
	Decimals               uint8
	Stride                 uint8 // log2(byte width), in {0..7} per the ring buffer format
	Aggregator             AggregatorKind
	QuorumPercentage       float64 // 0..100
	ReportIntervalMS       int64
	FirstSlotStartMS       int64
	HeartbeatMS            *int64
	DeviationPercentage    *float64
	PegToValue             *float64
	PegTolerancePercentage *float64
	OneShot                bool

	// Opaque passthrough fields for the out-of-scope WASM reporter
	// plugins and schema registry; echoed by admin introspection only.
	Script   string
	SchemaID string
}

// Slot returns the slot index containing timestamp t (ms since epoch).
func (f *Feed) Slot(tMS int64) int64 {
	if f.ReportIntervalMS <= 0 {
		return 0
	}
	return (tMS - f.FirstSlotStartMS) / f.ReportIntervalMS
}

// SlotBounds returns [start, end) for slot index k.
func (f *Feed) SlotBounds(k int64) (start, end int64) {
	start = f.FirstSlotStartMS + k*f.ReportIntervalMS
	end = start + f.ReportIntervalMS
	return
}

// ValueByteWidth returns the on-chain byte width implied by stride:
// 2^(stride+5), per spec §3 RingBufferedEntry.
func (f *Feed) ValueByteWidth() int {
	return 1 << (f.Stride + 5)
}

// VotedFeedUpdate is the output of a single feed's slot aggregation.
type VotedFeedUpdate struct {
	FeedID             ID
	Value              Value
	EndSlotTimestampMS int64

	// Anomaly is attached by the slot processor when enough history exists
	// to run detection; it never gates publication (spec §4.2 step 5).
	Anomaly *AnomalyResult
}

// AnomalyResult is the (informational only) outcome of anomaly detection
// over a numerical feed's recent history.
type AnomalyResult struct {
	ZScore    float64
	IsAnomaly bool
}
