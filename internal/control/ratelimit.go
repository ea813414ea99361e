package control

import (
	"sync"

	"golang.org/x/time/rate"
)

// clientRateLimiter gives every connected client its own token bucket so one
// noisy client can't starve RPC handling for the rest (grounded on the
// teacher's per-request-per-minute gateway rate limiter, reimplemented here
// with golang.org/x/time/rate's token bucket instead of a hand-rolled
// sliding window).
type clientRateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newClientRateLimiter(rpm, burst int) *clientRateLimiter {
	return &clientRateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (c *clientRateLimiter) enabled() bool { return c.rpm > 0 }

// Allow reports whether clientID may issue one more RPC right now.
func (c *clientRateLimiter) Allow(clientID string) bool {
	if !c.enabled() {
		return true
	}
	c.mu.Lock()
	lim, ok := c.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(c.rpm)/60.0), c.burst)
		c.limiters[clientID] = lim
	}
	c.mu.Unlock()
	return lim.Allow()
}

func (c *clientRateLimiter) forget(clientID string) {
	c.mu.Lock()
	delete(c.limiters, clientID)
	c.mu.Unlock()
}
