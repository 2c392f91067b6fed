package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coocood/freecache"
	"go.uber.org/zap"
)

// CachedPreferences is a read-through cache in front of a PreferenceStore.
// Misses are not cached, so a user who configures preferences is picked up
// on the next lookup.
type CachedPreferences struct {
	next   PreferenceStore
	cache  *freecache.Cache
	ttl    int
	logger *zap.Logger
}

// NewCachedPreferences wraps next with a freecache of size bytes. Entries
// expire after ttl; ttl is rounded down to whole seconds and must be at
// least one second.
func NewCachedPreferences(next PreferenceStore, size int, ttl time.Duration, logger *zap.Logger) *CachedPreferences {
	if logger == nil {
		logger = zap.NewNop()
	}
	seconds := int(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return &CachedPreferences{
		next:   next,
		cache:  freecache.NewCache(size),
		ttl:    seconds,
		logger: logger.Named("preferences"),
	}
}

func (c *CachedPreferences) FindPreferences(ctx context.Context, userID string) (*Preferences, error) {
	key := []byte(userID)
	if data, err := c.cache.Get(key); err == nil {
		var p Preferences
		if err := json.Unmarshal(data, &p); err == nil {
			return &p, nil
		}
		c.cache.Del(key)
	} else if !errors.Is(err, freecache.ErrNotFound) {
		c.logger.Warn("preferences: cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	p, err := c.next.FindPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.store(userID, p)
	return p, nil
}

// UpsertPreferences writes through and evicts the cached entry.
func (c *CachedPreferences) UpsertPreferences(ctx context.Context, p *Preferences) error {
	err := c.next.UpsertPreferences(ctx, p)
	c.Invalidate(p.UserID)
	return err
}

func (c *CachedPreferences) Invalidate(userID string) {
	c.cache.Del([]byte(userID))
}

func (c *CachedPreferences) store(userID string, p *Preferences) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.cache.Set([]byte(userID), data, c.ttl); err != nil {
		c.logger.Warn("preferences: cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}
