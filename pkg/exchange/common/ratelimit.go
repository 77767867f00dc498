package common

import (
	"context"
	"log"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-exchange token bucket. Backpressure is applied by
// delaying within the bucket; a submitted order is never dropped.
type RateLimiter struct {
	limiter *rate.Limiter
	name    string
}

// NewRateLimiter builds a token bucket allowing requestsPerSecond sustained
// throughput with the given burst.
func NewRateLimiter(name string, requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		name:    name,
	}
}

// Wait blocks until a token is available or ctx is canceled. Cancellation is
// cooperative: the call returns ctx.Err() as soon as the context is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.limiter.Allow() {
		return nil
	}
	log.Printf("[RATE_LIMIT] %s: delaying request for a free token", r.name)
	return r.limiter.Wait(ctx)
}
