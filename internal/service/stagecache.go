package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dvalera/taquilla-pos/internal/model"
)

// StageCache is a read-through cache for the active stage of a scope.  It
// is strictly a performance accelerant: the durable store always wins on
// disagreement, every mutating operation invalidates the entry, and any
// redis error degrades to a miss.  Entries carry the stage's own date
// bound so a quote never uses a cached stage whose end date has passed,
// even before the TTL expires.
type StageCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewStageCache builds a cache on the given client.  rdb may be nil, in
// which case every lookup is a miss and writes are no-ops.
func NewStageCache(rdb *redis.Client, ttl time.Duration, prefix string) *StageCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if prefix == "" {
		prefix = "stage"
	}
	return &StageCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *StageCache) key(scopeID string) string { return c.prefix + ":" + scopeID }

// Get returns the cached active stage for a scope, or ok=false on a miss.
// A cached stage whose EndAt is not after now is treated as a miss, since
// a later stage may already be eligible.
func (c *StageCache) Get(ctx context.Context, scopeID string, now time.Time) (*model.PriceStage, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, c.key(scopeID)).Bytes()
	if err != nil {
		return nil, false
	}
	var stage model.PriceStage
	if err := json.Unmarshal(raw, &stage); err != nil {
		return nil, false
	}
	if stage.EndAt != nil && !now.Before(*stage.EndAt) {
		return nil, false
	}
	return &stage, true
}

// Put stores the active stage under the configured TTL.  Failures are
// ignored; the next read simply misses.
func (c *StageCache) Put(ctx context.Context, scopeID string, stage *model.PriceStage) {
	if c == nil || c.rdb == nil || stage == nil {
		return
	}
	raw, err := json.Marshal(stage)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, c.key(scopeID), raw, c.ttl).Err()
}

// Invalidate drops the cached entry after a mutation.
func (c *StageCache) Invalidate(ctx context.Context, scopeID string) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, c.key(scopeID)).Err()
}
