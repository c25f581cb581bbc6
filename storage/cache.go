// Package storage
//
// @author: xwc1125
package storage

import (
	"context"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/pkg/errors"
)

var _ Repository = new(CacheRepository)

// CacheRepository is the in-memory cache layer backed by bigcache. Entries
// expire after the life window, so it never holds the only copy of a value.
type CacheRepository struct {
	cache *bigcache.BigCache
}

func NewCacheRepository(ctx context.Context, lifeWindow time.Duration) (*CacheRepository, error) {
	config := bigcache.DefaultConfig(lifeWindow)
	config.Shards = 64
	config.CleanWindow = lifeWindow / 2
	config.Verbose = false
	cache, err := bigcache.New(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "create bigcache")
	}
	return &CacheRepository{cache: cache}, nil
}

func (c *CacheRepository) Get(key []byte) ([]byte, error) {
	v, err := c.cache.Get(string(key))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, nil
	}
	return v, err
}

func (c *CacheRepository) Put(key []byte, value []byte) error {
	return c.cache.Set(string(key), value)
}

func (c *CacheRepository) Contains(key []byte) (bool, error) {
	_, err := c.cache.Get(string(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bigcache.ErrEntryNotFound):
		return false, nil
	}
	return false, err
}

func (c *CacheRepository) Remove(key []byte) error {
	err := c.cache.Delete(string(key))
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (c *CacheRepository) Len() (uint64, error) {
	return uint64(c.cache.Len()), nil
}

func (c *CacheRepository) Keys() ([][]byte, error) {
	var keys [][]byte
	it := c.cache.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			return nil, err
		}
		keys = append(keys, []byte(entry.Key()))
	}
	return keys, nil
}

func (c *CacheRepository) Close() error {
	return c.cache.Close()
}
