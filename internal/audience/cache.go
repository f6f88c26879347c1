package audience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-shield/campaign-engine/internal/database"
)

// PreviewCache stores resolved audience previews in Redis so repeated
// preview calls while an operator tunes targeting do not re-scan the
// directory. Cache misses and Redis failures both fall through to a fresh
// resolution; the cache is never load-bearing.
type PreviewCache struct {
	logger *slog.Logger
	client *redis.Client
	ttl    time.Duration
}

// NewPreviewCache creates a preview cache
func NewPreviewCache(logger *slog.Logger, client *redis.Client, ttl time.Duration) *PreviewCache {
	return &PreviewCache{
		logger: logger,
		client: client,
		ttl:    ttl,
	}
}

// Get returns the cached resolution for (orgID, spec), if present
func (c *PreviewCache) Get(ctx context.Context, orgID string, spec database.TargetingSpec) ([]*Person, bool) {
	data, err := c.client.Get(ctx, c.key(orgID, spec)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Preview cache read failed", "error", err)
		}
		return nil, false
	}

	var people []*Person
	if err := json.Unmarshal(data, &people); err != nil {
		c.logger.Warn("Preview cache entry corrupt, ignoring", "error", err)
		return nil, false
	}

	return people, true
}

// Put stores a resolution with the configured TTL
func (c *PreviewCache) Put(ctx context.Context, orgID string, spec database.TargetingSpec, people []*Person) {
	data, err := json.Marshal(people)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, c.key(orgID, spec), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Preview cache write failed", "error", err)
	}
}

func (c *PreviewCache) key(orgID string, spec database.TargetingSpec) string {
	raw, _ := json.Marshal(spec)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("campaign-engine:preview:%s:%s", orgID, hex.EncodeToString(sum[:8]))
}
