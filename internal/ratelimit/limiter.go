package ratelimit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

// Limiter blocks provider calls until the account's bucket has a token
type Limiter struct {
	bucket  *TokenBucket
	maxWait time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewLimiter waits at most maxWait for a token before giving up with
// retry.ErrRateLimited.
func NewLimiter(bucket *TokenBucket, maxWait time.Duration) *Limiter {
	return &Limiter{
		bucket:  bucket,
		maxWait: maxWait,
		sleep:   sleepContext,
	}
}

// Wait takes one token for key. Redis being unavailable lets the call
// through; the provider's own quota still applies.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	var waited time.Duration
	for {
		allowed, _, err := l.bucket.Allow(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Warning: rate limiter unavailable for %s: %v", key, err)
			return nil
		}
		if allowed {
			return nil
		}

		if waited >= l.maxWait {
			telemetry.RateLimitRejections.Inc()
			return fmt.Errorf("%w: no token for %s after %s", retry.ErrRateLimited, key, waited)
		}
		telemetry.RateLimitWaits.Inc()

		d := l.bucket.retryAfter()
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
		waited += d
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Transport takes a token before every request
type Transport struct {
	Limiter *Limiter
	Key     string
	Base    http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(req.Context(), t.Key); err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
