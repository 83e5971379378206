// Package ratelimit enforces the per-user request budget of the AI
// endpoints with a sliding-window log and a block period on exhaustion.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/eventdesk/assistant/internal/aierr"
)

// Category is the endpoint family the AI budget applies to.
const Category = "ai"

// Config is the budget: Capacity requests per Window; exhausting it blocks
// the key for Block (zero disables blocking).
type Config struct {
	Capacity int
	Window   time.Duration
	Block    time.Duration
}

// DefaultConfig is 20 requests per minute with a one minute block.
var DefaultConfig = Config{Capacity: 20, Window: time.Minute, Block: time.Minute}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterMs returns RetryAfter in whole milliseconds, rounded up.
func (d Decision) RetryAfterMs() int64 {
	return int64(math.Ceil(float64(d.RetryAfter) / float64(time.Millisecond)))
}

// Limiter records and checks requests for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Key builds the limiter key for a caller: per user within a tenant, or
// per client IP for unauthenticated traffic.
func Key(tenantID, userID, ip string) string {
	if userID == "" {
		return Category + ":ip:" + ip
	}
	return Category + ":" + tenantID + ":" + userID
}

// CheckRateLimit records one request for the caller and returns a
// RATE_LIMIT_EXCEEDED error carrying the retry delay when it is over budget.
func CheckRateLimit(ctx context.Context, l Limiter, tenantID, userID, ip string) error {
	d, err := l.Allow(ctx, Key(tenantID, userID, ip))
	if err != nil {
		return err
	}
	if !d.Allowed {
		return aierr.RateLimited(d.RetryAfter)
	}
	return nil
}
