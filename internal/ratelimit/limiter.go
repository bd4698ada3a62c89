package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tumpillipavan/reachinbox/internal/cache"
)

// counterTTL reclaims stale hour buckets. The key rolls over every hour, so
// anything near a day old is unreachable anyway.
const counterTTL = 24 * time.Hour

// HourBucket truncates t to its hour window, in UTC
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// NextWindow returns the start of the hour window after t. A task denied at t
// is rescheduled to exactly this boundary, not t+1h, so a persistently
// over-quota account does not drift.
func NextWindow(t time.Time) time.Time {
	return HourBucket(t).Add(time.Hour)
}

// BucketKey builds the counter key for an account's hour window
func BucketKey(accountID string, at time.Time) string {
	return fmt.Sprintf("sent:%s:%s", accountID, HourBucket(at).Format("2006-01-02T15"))
}

// HourlyLimiter answers admit/deny per account per hour window. Admission is
// a single compare-and-increment against the counter store, wrapped in a
// circuit breaker: when the store is unreachable the limiter fails closed and
// denies, so a storage outage can never push an account over quota.
type HourlyLimiter struct {
	cache   cache.Cache
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewHourlyLimiter creates a limiter over the given counter store
func NewHourlyLimiter(c cache.Cache) *HourlyLimiter {
	logger := slog.Default().With("component", "rate-limiter")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rate-limiter-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("rate limiter circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &HourlyLimiter{
		cache:   c,
		breaker: breaker,
		logger:  logger,
	}
}

// TryAdmit decides whether one send for accountID may proceed under limit at
// the given instant, incrementing the window counter when it may. The counter
// is incremented before the send happens; a crash between admission and send
// wastes a quota slot rather than allowing a duplicate admit.
func (l *HourlyLimiter) TryAdmit(ctx context.Context, accountID string, limit int, at time.Time) bool {
	if limit <= 0 {
		return false
	}

	key := BucketKey(accountID, at)

	result, err := l.breaker.Execute(func() (interface{}, error) {
		_, admitted, err := l.cache.IncrementBelow(ctx, key, int64(limit), counterTTL)
		if err != nil {
			return false, err
		}
		return admitted, nil
	})
	if err != nil {
		// Counter store unavailable or breaker open: fail closed.
		l.logger.Warn("admission check unavailable, denying",
			"account_id", accountID,
			"error", err)
		return false
	}

	return result.(bool)
}

// WindowCount reports how many sends accountID has consumed in the hour
// window containing at. Missing counters read as zero.
func (l *HourlyLimiter) WindowCount(ctx context.Context, accountID string, at time.Time) (int64, error) {
	count, err := l.cache.Get(ctx, BucketKey(accountID, at))
	if err == cache.ErrNotFound {
		return 0, nil
	}
	return count, err
}
