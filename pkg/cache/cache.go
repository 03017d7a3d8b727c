package cache

import (
	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheMetrics = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "engine_cache",
		Help: "",
	},
	[]string{
		"name",
		"result",
	},
)

// Cache is a bounded LRU with hit/miss accounting. The observer's seen-set
// sits on top of it: the capacity bound is what keeps the set from growing
// with ledger history.
type Cache[K comparable, V any] struct {
	cache      *cache.Cache[K, V]
	metricName string
}

func NewLRUCache[K comparable, V any](size int, metricName string) Cache[K, V] {
	return Cache[K, V]{
		cache:      cache.New(cache.AsLRU[K, V](lru.WithCapacity(size))),
		metricName: metricName,
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	val, ok := c.cache.Get(key)
	if ok {
		cacheMetrics.WithLabelValues(c.metricName, "hit").Inc()
		return val, ok
	}
	cacheMetrics.WithLabelValues(c.metricName, "miss").Inc()
	return val, ok
}

// Contains reports membership without touching the hit/miss counters.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.cache.Get(key)
	return ok
}

func (c *Cache[K, V]) Set(key K, val V) {
	c.cache.Set(key, val)
}
