package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/storage"
)

// RateLimit is the fixed-window request budget of user shards.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultRateLimit allows 60 requests per minute per user.
var DefaultRateLimit = RateLimit{Requests: 60, Window: time.Minute}

// checkRateLimit consumes one request from the user's fixed window. It
// returns the seconds until the window resets when the budget is exhausted.
// The counter persists through the shard's batched store so eviction does
// not reset the window.
func checkRateLimit(ctx context.Context, store storage.Store, userID string, limit RateLimit) (retryAfter int64, err error) {
	if limit.Requests <= 0 {
		return 0, nil
	}
	key := storage.RateLimitKey(userID)
	now := time.Now().UnixMilli()

	counter := storage.RateLimitCounter{Count: 0, ResetAt: now + limit.Window.Milliseconds()}
	raw, found, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("rate limit read: %w", err)
	}
	if found {
		decoded, err := storage.Decode[storage.RateLimitCounter](raw)
		if err != nil {
			return 0, fmt.Errorf("rate limit decode: %w", err)
		}
		if now < decoded.ResetAt {
			counter = decoded
		}
	}

	if counter.Count >= limit.Requests {
		retry := (counter.ResetAt - now + 999) / 1000
		if retry < 1 {
			retry = 1
		}
		return retry, nil
	}
	counter.Count++
	if err := store.Put(ctx, key, counter); err != nil {
		return 0, fmt.Errorf("rate limit write: %w", err)
	}
	return 0, nil
}
