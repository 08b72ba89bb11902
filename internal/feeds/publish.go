package feeds

import "math"

// PublishCriteria bundles the deviation/heartbeat/peg filters applied
// before an aggregate is allowed to reach the chain (spec §4.2 step 6 and
// §4.5 step 1). The same struct is evaluated both with the feed's global
// defaults in the slot processor and with a provider's overrides in the
// per-network send loop.
type PublishCriteria struct {
	DeviationPercentage    float64
	HeartbeatMS            int64
	PegToValue             float64
	PegTolerancePercentage float64
	HasPeg                 bool
}

// CriteriaFromFeed builds the default PublishCriteria from a feed's
// optional global settings.
func CriteriaFromFeed(f *Feed) PublishCriteria {
	c := PublishCriteria{}
	if f.DeviationPercentage != nil {
		c.DeviationPercentage = *f.DeviationPercentage
	}
	if f.HeartbeatMS != nil {
		c.HeartbeatMS = *f.HeartbeatMS
	}
	if f.PegToValue != nil && f.PegTolerancePercentage != nil {
		c.HasPeg = true
		c.PegToValue = *f.PegToValue
		c.PegTolerancePercentage = *f.PegTolerancePercentage
	}
	return c
}

// ApplyPeg replaces a numerical value with the peg value when it falls
// within the configured tolerance of it (spec §4.2 step 6, last sentence).
func ApplyPeg(v Value, c PublishCriteria) Value {
	if !c.HasPeg || v.Kind != KindNumerical || c.PegToValue == 0 {
		return v
	}
	delta := math.Abs((v.Num - c.PegToValue) / c.PegToValue * 100)
	if delta < c.PegTolerancePercentage {
		return NumericalValue(c.PegToValue)
	}
	return v
}

// ShouldSkip reports whether a new aggregate should be withheld from
// publication: true when the relative deviation from the previous
// published value is below the configured percentage AND the heartbeat
// interval has not yet elapsed (spec §4.2 step 6, testable property 7).
//
// A feed with no prior publication (hasPrev == false) is never skipped.
func ShouldSkip(hasPrev bool, prevValue float64, newValue Value, nowMS, lastPublishedMS int64, c PublishCriteria) bool {
	if !hasPrev {
		return false
	}
	if newValue.Kind != KindNumerical {
		// Deviation/heartbeat skipping is only meaningful for numerical
		// feeds; text/bytes feeds always publish.
		return false
	}
	if prevValue == 0 {
		return false
	}
	deviation := math.Abs(newValue.Num-prevValue) / math.Abs(prevValue) * 100
	withinHeartbeat := c.HeartbeatMS > 0 && (nowMS-lastPublishedMS) < c.HeartbeatMS
	return deviation < c.DeviationPercentage && withinHeartbeat
}
