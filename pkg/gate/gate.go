// Package gate is the admission gate for extraction calls. Activities
// acquire before invoking the extractor; the gate bounds request rate but
// never retries on its own. Two implementations: a local token bucket for
// single-worker deployments and a Redis fixed-window counter shared across
// workers.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/corralhq/corral/pkg/fault"
)

// Gate admits one extraction call per Wait. Wait blocks until admission or
// context cancellation; a refused window returns a rate-limited error
// carrying the remaining window so the activity's retry policy honors it.
type Gate interface {
	Wait(ctx context.Context) error
}

// LocalGate is an in-process token bucket.
type LocalGate struct {
	limiter *rate.Limiter
}

// NewLocalGate builds a bucket admitting rps requests per second with the
// given burst. Non-positive values fall back to 1.
func NewLocalGate(rps float64, burst int) *LocalGate {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalGate{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (g *LocalGate) Wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fault.Transient("gate.wait", ctx.Err())
		}
		return fault.Transient("gate.wait", err)
	}
	return nil
}

// RedisGate is a fixed-window counter shared by all workers on a deployment.
// Each window of the given size admits at most limit calls; an exhausted
// window surfaces RateLimited with the time left in the window.
type RedisGate struct {
	client redis.Cmdable
	key    string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisGate.
type RedisOption func(*RedisGate)

// WithClock injects the timestamp source, for deterministic tests.
func WithClock(now func() time.Time) RedisOption {
	return func(g *RedisGate) { g.now = now }
}

// NewRedisGate builds the shared gate. key namespaces one logical extractor
// budget; all workers sharing the budget must use the same key.
func NewRedisGate(client redis.Cmdable, key string, limit int64, window time.Duration, opts ...RedisOption) *RedisGate {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	g := &RedisGate{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Wait admits the call when the current window has budget, otherwise returns
// RateLimited with the remainder of the window. INCR and EXPIRE run in one
// pipeline so a fresh window always carries its TTL.
func (g *RedisGate) Wait(ctx context.Context) error {
	now := g.now()
	windowKey := fmt.Sprintf("%s:%d", g.key, now.UnixNano()/int64(g.window))

	pipe := g.client.TxPipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Transient("gate.redis", err)
	}
	if count.Val() > g.limit {
		remaining := g.window - time.Duration(now.UnixNano()%int64(g.window))
		return fault.RateLimited(remaining, fmt.Errorf("extraction window %s exhausted", windowKey))
	}
	return nil
}
