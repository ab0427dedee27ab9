package rate

import (
	"math"

	"golang.org/x/time/rate"

	"github.com/code-payments/escrow-server/pkg/cache"
)

// defaultMaxKeys bounds how many callers are tracked at once. The least
// recently seen caller is forgotten first and starts again with a full burst.
const defaultMaxKeys = 100_000

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(key string) (bool, error)
}

// NoLimiter allows everything.
type NoLimiter struct{}

func (NoLimiter) Allow(string) (bool, error) {
	return true, nil
}

// LocalLimiter keeps a token bucket per key in process memory.
type LocalLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache[string, *rate.Limiter]
}

// NewLocalRateLimiter allows limit operations per second for each key, with a
// burst of limit rounded up and never below one.
func NewLocalRateLimiter(limit rate.Limit) *LocalLimiter {
	return newLocalLimiter(limit, defaultMaxKeys)
}

func newLocalLimiter(limit rate.Limit, maxKeys int) *LocalLimiter {
	return &LocalLimiter{
		limit:   limit,
		burst:   max(1, int(math.Ceil(float64(limit)))),
		buckets: cache.New[string, *rate.Limiter](maxKeys),
	}
}

func (l *LocalLimiter) Allow(key string) (bool, error) {
	bucket := l.buckets.GetOrInsert(key, 1, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	return bucket.Allow(), nil
}
