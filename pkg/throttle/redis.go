package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abdhe/tryon-inference-proxy/pkg/metrics"
)

// KeyPrefix namespaces throttle counters in Redis.
const KeyPrefix = "throttle:"

// allowScript increments the identity's counter and starts the window on the
// first request. The key expiring ends the window.
var allowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisGuard shares fixed windows across replicas through Redis. When Redis
// cannot answer, it falls back to an in-process MemoryGuard.
type RedisGuard struct {
	client   *redis.Client
	limit    int
	window   time.Duration
	timeout  time.Duration
	fallback *MemoryGuard
	logger   *zap.Logger
}

// NewRedisClient opens a Redis client for the throttle.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(client *redis.Client, cfg Config, logger *zap.Logger) *RedisGuard {
	fallback := NewMemoryGuard(cfg)
	return &RedisGuard{
		client:   client,
		limit:    fallback.limit,
		window:   fallback.window,
		timeout:  500 * time.Millisecond,
		fallback: fallback,
		logger:   logger,
	}
}

// Allow counts the request in Redis. On any Redis error the decision is
// taken by the in-memory fallback.
func (g *RedisGuard) Allow(ctx context.Context, identity string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	n, err := allowScript.Run(ctx, g.client, []string{KeyPrefix + identity}, g.window.Milliseconds()).Int64()
	if err != nil {
		g.logger.Warn("throttle: redis unavailable, using in-memory window",
			zap.String("identity", identity),
			zap.Error(err),
		)
		metrics.ThrottleDecisions.WithLabelValues("redis", "fallback").Inc()
		return g.fallback.allow(identity)
	}

	allowed := n <= int64(g.limit)
	metrics.ThrottleDecisions.WithLabelValues("redis", decision(allowed)).Inc()
	return allowed
}

// Fallback exposes the in-memory guard so its sweeper can be started.
func (g *RedisGuard) Fallback() *MemoryGuard {
	return g.fallback
}

// Ping checks the Redis connection.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
