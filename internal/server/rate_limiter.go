// Package server builds the optional per-connection frame rate limiter that
// protects the broker from a single noisy peer.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter allows Burst frames per RefillInterval. A zero Burst
// disables limiting and returns nil.
func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	if cfg.Burst <= 0 {
		return nil
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(cfg.Burst)), cfg.Burst)
}
