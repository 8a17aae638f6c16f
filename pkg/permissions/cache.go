package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Cache is a two-tier resolution cache: a small in-process expirable LRU
// in front of a shared redis tier. Entries are short-lived; grant and
// revoke paths invalidate per document. The redis client may be nil, in
// which case only the in-process tier is used.
type Cache struct {
	l1  *lru.LRU[string, CapabilitySet]
	l2  *redis.Client
	ttl time.Duration
	log *logrus.Entry
}

// NewCache creates a resolution cache. size bounds the in-process tier.
func NewCache(size int, ttl time.Duration, client *redis.Client) *Cache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		l1:  lru.NewLRU[string, CapabilitySet](size, nil, ttl),
		l2:  client,
		ttl: ttl,
		log: logrus.WithField("component", "permission-cache"),
	}
}

func cacheKey(documentID, principal string) string {
	return fmt.Sprintf("perm:%s:%s", documentID, principal)
}

// Get returns a cached capability set, consulting the in-process tier
// first and promoting redis hits into it.
func (c *Cache) Get(ctx context.Context, documentID, principal string) (CapabilitySet, bool) {
	key := cacheKey(documentID, principal)

	if caps, ok := c.l1.Get(key); ok {
		return caps, true
	}

	if c.l2 == nil {
		return CapabilitySet{}, false
	}

	data, err := c.l2.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Debug("redis cache read failed")
		}
		return CapabilitySet{}, false
	}

	var caps CapabilitySet
	if err := json.Unmarshal(data, &caps); err != nil {
		return CapabilitySet{}, false
	}

	c.l1.Add(key, caps)
	return caps, true
}

// Set stores a resolution result in both tiers
func (c *Cache) Set(ctx context.Context, documentID, principal string, caps CapabilitySet) {
	key := cacheKey(documentID, principal)
	c.l1.Add(key, caps)

	if c.l2 == nil {
		return
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return
	}
	if err := c.l2.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("redis cache write failed")
	}
}

// InvalidateDocument drops every cached resolution for a document
func (c *Cache) InvalidateDocument(ctx context.Context, documentID string) {
	prefix := fmt.Sprintf("perm:%s:", documentID)

	for _, key := range c.l1.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l1.Remove(key)
		}
	}

	if c.l2 == nil {
		return
	}

	var cursor uint64
	for {
		keys, next, err := c.l2.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			c.log.WithError(err).Warn("redis cache invalidation scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.l2.Del(ctx, keys...).Err(); err != nil {
				c.log.WithError(err).Warn("redis cache invalidation delete failed")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
