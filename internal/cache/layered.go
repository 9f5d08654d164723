package cache

import (
	"errors"
	"sync/atomic"
	"time"
)

// LayeredCache reads through an ordered list of layers, fastest first.
// A hit in a slower layer is copied into every faster one.
type LayeredCache struct {
	layers []Cache
	hits   []atomic.Int64
	misses atomic.Int64
}

// NewLayeredCache creates a memory cache backed by a disk cache in diskDir
func NewLayeredCache(memoryTTL time.Duration, diskDir string, diskTTL time.Duration) *LayeredCache {
	return NewLayers(NewMemoryCache(memoryTTL, 10*time.Minute), NewDiskCache(diskDir, diskTTL))
}

// NewLayers creates a cache over the given layers
func NewLayers(layers ...Cache) *LayeredCache {
	return &LayeredCache{
		layers: layers,
		hits:   make([]atomic.Int64, len(layers)),
	}
}

// Get returns the value from the first layer holding key
func (c *LayeredCache) Get(key string) ([]byte, bool) {
	for i, layer := range c.layers {
		val, found := layer.Get(key)
		if !found {
			continue
		}
		c.hits[i].Add(1)
		for _, faster := range c.layers[:i] {
			_ = faster.Set(key, val, 0)
		}
		return val, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set writes key to every layer, slowest first, so a fast hit implies a durable copy
func (c *LayeredCache) Set(key string, value []byte, ttl time.Duration) error {
	for i := len(c.layers) - 1; i >= 0; i-- {
		if err := c.layers[i].Set(key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key from every layer
func (c *LayeredCache) Delete(key string) error {
	var errs []error
	for _, layer := range c.layers {
		errs = append(errs, layer.Delete(key))
	}
	return errors.Join(errs...)
}

// Clear empties every layer
func (c *LayeredCache) Clear() error {
	var errs []error
	for _, layer := range c.layers {
		errs = append(errs, layer.Clear())
	}
	return errors.Join(errs...)
}

// Stats returns the hit count per layer and the number of misses
func (c *LayeredCache) Stats() (hits []int64, misses int64) {
	hits = make([]int64, len(c.hits))
	for i := range c.hits {
		hits[i] = c.hits[i].Load()
	}
	return hits, c.misses.Load()
}
