package feeds

import (
	"fmt"
	"sort"
)

// Aggregate computes a single value from a slot's collected votes using the
// feed's declared aggregator. Per the resolved open question in spec §9,
// mixed text/bytes input to the majority aggregator is a validation error
// (the slot is skipped), not a panic.
func Aggregate(kind AggregatorKind, values []Value) (Value, error) {
	if len(values) == 0 {
		return Value{}, fmt.Errorf("no values to aggregate")
	}
	switch kind {
	case AggregatorAverage:
		return aggregateAverage(values)
	case AggregatorMedian:
		return aggregateMedian(values)
	case AggregatorMajority:
		return aggregateMajority(values)
	default:
		return Value{}, fmt.Errorf("unknown aggregator kind %d", kind)
	}
}

func aggregateAverage(values []Value) (Value, error) {
	sum := 0.0
	for _, v := range values {
		if v.Kind != KindNumerical {
			return Value{}, fmt.Errorf("average aggregator requires numerical values, got kind %d", v.Kind)
		}
		sum += v.Num
	}
	return NumericalValue(sum / float64(len(values))), nil
}

func aggregateMedian(values []Value) (Value, error) {
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if v.Kind != KindNumerical {
			return Value{}, fmt.Errorf("median aggregator requires numerical values, got kind %d", v.Kind)
		}
		nums = append(nums, v.Num)
	}
	sort.Float64s(nums)
	n := len(nums)
	if n%2 == 1 {
		return NumericalValue(nums[n/2]), nil
	}
	return NumericalValue((nums[n/2-1] + nums[n/2]) / 2), nil
}

// aggregateMajority computes the mode over text or byte-string values.
// Ties go to the value that occurs first in values, which is acceptable
// because inputs are already deduplicated by reporter (spec §4.2 step 4).
func aggregateMajority(values []Value) (Value, error) {
	kind := values[0].Kind
	if kind != KindText && kind != KindBytes {
		return Value{}, fmt.Errorf("majority aggregator requires text or bytes values, got kind %d", kind)
	}

	type count struct {
		n   int
		val Value
	}
	order := make([]string, 0, len(values))
	counts := make(map[string]*count)

	for _, v := range values {
		if v.Kind != kind {
			return Value{}, fmt.Errorf("majority aggregator received mixed value kinds (%d and %d); skipping slot", kind, v.Kind)
		}
		key := majorityKey(v)
		c, ok := counts[key]
		if !ok {
			c = &count{val: v}
			counts[key] = c
			order = append(order, key)
		}
		c.n++
	}

	best := order[0]
	for _, key := range order[1:] {
		if counts[key].n > counts[best].n {
			best = key
		}
	}
	return counts[best].val, nil
}

func majorityKey(v Value) string {
	if v.Kind == KindText {
		return "t:" + v.Str
	}
	return "b:" + string(v.Raw)
}
