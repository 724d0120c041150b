package transport

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitConfig throttles attempts across all nodes of a Transport.
// Retries consume tokens like first attempts.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained attempt rate. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the number of attempts allowed above the rate at once.
	Burst int

	// WaitOnLimit blocks for a token, bounded by the call context. When
	// false, an attempt without a token fails with ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig allows 100 attempts per second with a burst of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// ErrRateLimited is returned when an attempt is refused by the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// rateLimiter gates attempts. A nil *rateLimiter lets everything through.
type rateLimiter struct {
	limiter *rate.Limiter
	wait    bool
}

// newRateLimiter returns nil when rl is unset or disabled.
func newRateLimiter(rl *RateLimitConfig) *rateLimiter {
	if rl == nil || rl.RequestsPerSecond <= 0 {
		return nil
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst),
		wait:    rl.WaitOnLimit,
	}
}

// acquire takes one token.
func (r *rateLimiter) acquire(ctx context.Context) error {
	if r == nil {
		return nil
	}

	if !r.wait {
		if !r.limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The wait would outlast the context deadline.
		return ErrRateLimited
	}
	return nil
}

// RateLimiterStats provides visibility into rate limiter state.
type RateLimiterStats struct {
	Limit           float64
	Burst           int
	TokensAvailable float64
}

// stats returns a snapshot, zero when limiting is disabled.
func (r *rateLimiter) stats() RateLimiterStats {
	if r == nil {
		return RateLimiterStats{}
	}
	return RateLimiterStats{
		Limit:           float64(r.limiter.Limit()),
		Burst:           r.limiter.Burst(),
		TokensAvailable: r.limiter.Tokens(),
	}
}
