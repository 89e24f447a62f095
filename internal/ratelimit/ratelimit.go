// Package ratelimit throttles inbound HTTP traffic per client.
//
// The server runs a single process, so the default implementation is an
// in-process token bucket keyed by client address. Limiter is the seam
// for swapping in a shared backend when the API runs behind more than
// one replica.
package ratelimit

import "context"

// Limiter answers whether the request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether one request for key fits under the limit.
	// Keys are opaque to the limiter; the middleware derives them from
	// the client address. An error means the limiter itself broke, and
	// callers let the request through rather than failing traffic on a
	// throttling bug.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases whatever the limiter holds open.
	Close() error
}

// NoopLimiter admits everything. It stands in when throttling is
// switched off in config.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
