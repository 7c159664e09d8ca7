package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultClaimPrefix is prepended to every claim key in Redis
const DefaultClaimPrefix = "billing:claim:"

const maxLocalClaims = 10000

// WorkClaims hands a unit of work to exactly one of the instances that ask for it.
// Claim returns true to the first caller for key until ttl expires.
type WorkClaims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisWorkClaims claims work across instances with SET NX
type RedisWorkClaims struct {
	client *redis.Client
	prefix string
}

// NewRedisWorkClaims creates claims on a client the caller owns
func NewRedisWorkClaims(client *redis.Client, prefix string) *RedisWorkClaims {
	if prefix == "" {
		prefix = DefaultClaimPrefix
	}
	return &RedisWorkClaims{client: client, prefix: prefix}
}

// Claim sets the claim key if absent
func (c *RedisWorkClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// LocalWorkClaims claims work within one process. Claims are also bounded by
// count; the oldest is forgotten first.
type LocalWorkClaims struct {
	mu     sync.Mutex
	claims map[time.Duration]*lru.LRU[string, struct{}]
}

// NewLocalWorkClaims creates an empty in-process claim table
func NewLocalWorkClaims() *LocalWorkClaims {
	return &LocalWorkClaims{claims: make(map[time.Duration]*lru.LRU[string, struct{}])}
}

// Claim records key for ttl unless it is already recorded
func (c *LocalWorkClaims) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, table := range c.claims {
		if _, held := table.Peek(key); held {
			return false, nil
		}
	}
	table, ok := c.claims[ttl]
	if !ok {
		table = lru.NewLRU[string, struct{}](maxLocalClaims, nil, ttl)
		c.claims[ttl] = table
	}
	table.Add(key, struct{}{})
	return true, nil
}

// NewWorkClaims returns claims that reach the same instances as notifier:
// shared through Redis for the Redis notifier, process-local otherwise.
func NewWorkClaims(notifier entitlement.ChangeNotifier, logger *zap.Logger) WorkClaims {
	if n, ok := notifier.(*RedisChangeNotifier); ok {
		logger.Info("using Redis work claims")
		return NewRedisWorkClaims(n.client, "")
	}
	logger.Info("using process-local work claims")
	return NewLocalWorkClaims()
}

var (
	_ WorkClaims = (*RedisWorkClaims)(nil)
	_ WorkClaims = (*LocalWorkClaims)(nil)
)
