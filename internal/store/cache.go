package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the in-memory LRU over decompressed objects. It only affects
// read latency; the on-disk store remains the source of truth.
type Cache struct {
	lru *lru.Cache[string, []byte]
}

// NewCache creates a cache holding at most maxEntries objects.
func NewCache(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	c, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: c}, nil
}

func (c *Cache) Get(digest string) ([]byte, bool) {
	return c.lru.Get(digest)
}

func (c *Cache) Add(digest string, data []byte) {
	c.lru.Add(digest, data)
}

func (c *Cache) Contains(digest string) bool {
	return c.lru.Contains(digest)
}

func (c *Cache) Remove(digest string) {
	c.lru.Remove(digest)
}

func (c *Cache) Purge() {
	c.lru.Purge()
}
