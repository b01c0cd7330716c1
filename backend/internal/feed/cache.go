package feed

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/eventmap"
	"trustfeed/backend/pkg/logger"
)

// Cache keeps the working sets of recently mounted feeds so a remount is instant.
// A cached set is shared with the pipeline that put it there; only one pipeline per
// feed id may be mounted at a time.
type Cache struct {
	log   *zap.Logger
	feeds *lru.Cache[string, *eventmap.Events]
}

// NewCache creates a cache holding up to size working sets
func NewCache(size int, log *zap.Logger) (*Cache, error) {
	if size <= 0 {
		size = constants.DefaultFeedCacheSize
	}
	c := &Cache{log: logger.OrNamed(log, "feed-cache")}
	feeds, err := lru.NewWithEvict[string, *eventmap.Events](size, func(id string, set *eventmap.Events) {
		cacheEvictions.Inc()
		c.log.Debug("Evicted feed working set", zap.String("feed", id), zap.Int("events", set.Len()))
	})
	if err != nil {
		return nil, err
	}
	c.feeds = feeds
	return c, nil
}

// Get returns the cached working set for a feed
func (c *Cache) Get(id string) (*eventmap.Events, bool) {
	return c.feeds.Get(id)
}

// Put stores the working set for a feed
func (c *Cache) Put(id string, set *eventmap.Events) {
	c.feeds.Add(id, set)
}

// Remove drops a feed's working set
func (c *Cache) Remove(id string) bool {
	return c.feeds.Remove(id)
}

// Len returns the number of cached working sets
func (c *Cache) Len() int {
	return c.feeds.Len()
}
