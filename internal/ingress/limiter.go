// Package ingress implements the reporter-facing HTTP surface (spec §4.1):
// vote submission, batch vote submission, consensus signature submission,
// and the last-published-value query.
package ingress

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages one token bucket per reporter, generalized from the
// teacher's per-client limiter to key on reporter id instead of connection
// id: a misbehaving or compromised reporter is throttled without affecting
// the rest of the quorum.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[uint64]*rate.Limiter
	burst    int
	perSec   float64
}

// NewRateLimiter builds a limiter with the given sustained rate
// (votes/second) and burst allowance, applied per reporter id.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[uint64]*rate.Limiter),
		burst:    burst,
		perSec:   perSec,
	}
}

// Allow reports whether reporterID may submit a vote right now, creating
// and seeding that reporter's bucket on first use.
func (rl *RateLimiter) Allow(reporterID uint64) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[reporterID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.perSec), rl.burst)
		rl.limiters[reporterID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
