package ensproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CacheConfig bounds a Cache. The zero value never evicts, so memory grows
// with every distinct key for the lifetime of the process.
type CacheConfig struct {
	// Size is the maximum number of entries. 0 means unbounded.
	Size int `json:"size,omitempty"`

	// TTL is how long an entry is served before it must be resolved again. 0
	// means entries never expire.
	TTL Duration `json:"ttl,omitempty"`
}

// Cache memoizes successful resolutions by key. Failures are never stored, so
// a failing key is resolved again on every request. Concurrent loads of the
// same key share a single call to the underlying resolver.
type Cache[V any] struct {
	name    string
	lru     *expirable.LRU[string, V]
	group   singleflight.Group
	metrics CacheMetrics
}

// CacheMetrics receives hit and miss counts. It may be nil.
type CacheMetrics interface {
	CacheLookup(table string, hit bool)
}

// NewCache returns an empty cache reporting under the given table name.
func NewCache[V any](name string, conf CacheConfig, m CacheMetrics) *Cache[V] {
	return &Cache[V]{
		name:    name,
		lru:     expirable.NewLRU[string, V](conf.Size, nil, time.Duration(conf.TTL)),
		metrics: m,
	}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if c.metrics != nil {
		c.metrics.CacheLookup(c.name, ok)
	}
	return v, ok
}

func (c *Cache[V]) Put(key string, v V) {
	c.lru.Add(key, v)
}

// Load returns the cached value for key, or calls fn, caches its result on
// success, and returns it. cached reports whether fn was skipped.
func (c *Cache[V]) Load(
	ctx context.Context,
	key string,
	fn func(context.Context) (V, error),
) (v V, cached bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have finished between our miss and
		// joining the group.
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("load %s: %w", key, err)
	}
	return res.(V), false, nil
}
