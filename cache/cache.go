// Package cache defines the cache port the engine components receive
// explicitly instead of reaching for process-global state. Misses always
// fall back to the store; a miss is never an error.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cache is the port each component receives. TTLs are configuration, set
// by the caller per Set.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Invalidate(key string)
}

// Ristretto is the default in-process implementation.
type Ristretto struct {
	cache *ristretto.Cache
}

// NewRistretto builds a cache sized for roughly maxItems entries.
func NewRistretto(maxItems int64) (*Ristretto, error) {
	if maxItems <= 0 {
		maxItems = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Ristretto{cache: c}, nil
}

func (r *Ristretto) Get(key string) (interface{}, bool) {
	return r.cache.Get(key)
}

func (r *Ristretto) Set(key string, value interface{}, ttl time.Duration) {
	if ttl > 0 {
		r.cache.SetWithTTL(key, value, 1, ttl)
		return
	}
	r.cache.Set(key, value, 1)
}

func (r *Ristretto) Invalidate(key string) {
	r.cache.Del(key)
}

// Close releases the cache's internal goroutines.
func (r *Ristretto) Close() {
	r.cache.Close()
}
