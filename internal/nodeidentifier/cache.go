package nodeidentifier

import (
	"context"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/graphtypes"
)

// IdentityCache is the two-tier in-memory + remote cache mapping
// (tenant, node_type, static_key_hash) to a resolved uid, patterned directly
// on the teacher's L1Cache: an in-memory ristretto layer in front of an
// optional shared redis layer. Only static identities are cached; session
// resolution always reads the store.
type IdentityCache struct {
	l1     *ristretto.Cache[string, uint64]
	l2     *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdentityCache builds a cache with capacity entries tracked in L1 and,
// if redisClient is non-nil, a shared L2. A nil redisClient degrades
// gracefully to an L1-only cache.
func NewIdentityCache(capacity int64, ttl time.Duration, redisClient *redis.Client, logger *zap.Logger) (*IdentityCache, error) {
	l1, err := ristretto.NewCache(&ristretto.Config[string, uint64]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &IdentityCache{l1: l1, l2: redisClient, ttl: ttl, logger: logger.Named("identitycache")}, nil
}

// Get looks up key, trying L1 then L2, promoting an L2 hit back into L1.
func (c *IdentityCache) Get(ctx context.Context, key string) (graphtypes.Uid, bool) {
	if v, ok := c.l1.Get(key); ok {
		return graphtypes.Uid(v), true
	}

	if c.l2 != nil {
		s, err := c.l2.Get(ctx, key).Result()
		if err == nil {
			uid, parseErr := strconv.ParseUint(s, 10, 64)
			if parseErr == nil {
				c.l1.SetWithTTL(key, uid, 1, c.ttl)
				return graphtypes.Uid(uid), true
			}
		}
	}

	return 0, false
}

// Set writes key -> uid into both tiers.
func (c *IdentityCache) Set(ctx context.Context, key string, uid graphtypes.Uid) {
	c.l1.SetWithTTL(key, uint64(uid), 1, c.ttl)
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, strconv.FormatUint(uint64(uid), 10), c.ttl).Err(); err != nil {
			c.logger.Warn("identity cache L2 write failed", zap.String("key", key), zap.Error(err))
		}
	}
}
