// Package storage
//
// @author: xwc1125
package storage

import (
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
)

var (
	ErrKeyEmpty   = errors.New("key cannot be empty")
	ErrValueNil   = errors.New("value cannot be nil")
	errRepository = errors.New("repository is nil")
)

// Repository is the byte-oriented key/value contract every layer implements.
// Get returns (nil, nil) for a missing key.
type Repository interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Contains(key []byte) (bool, error)
	Remove(key []byte) error
	Len() (uint64, error)
	Keys() ([][]byte, error)
}

var _ Repository = new(Storage)

// Storage layers a cache in front of a persistence repository. Reads are
// served from the cache first; writes go to persistence, then to the cache.
type Storage struct {
	log         logger.Logger
	cache       Repository
	persistence Repository
}

func New(cache, persistence Repository) (*Storage, error) {
	if persistence == nil {
		return nil, errRepository
	}
	return &Storage{
		log:         logger.New("storage"),
		cache:       cache,
		persistence: persistence,
	}, nil
}

func (s *Storage) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyEmpty
	}
	if s.cache != nil {
		if v, err := s.cache.Get(key); err == nil && v != nil {
			return v, nil
		} else if err != nil {
			s.log.Debug("cache get failed, fallback to persistence", "err", err)
		}
	}
	v, err := s.persistence.Get(key)
	if err != nil || v == nil {
		return v, err
	}
	if s.cache != nil {
		if err := s.cache.Put(key, v); err != nil {
			s.log.Debug("cache fill failed", "err", err)
		}
	}
	return v, nil
}

func (s *Storage) Put(key []byte, value []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if value == nil {
		return ErrValueNil
	}
	if err := s.persistence.Put(key, value); err != nil {
		return errors.Wrap(err, "persistence put")
	}
	if s.cache != nil {
		if err := s.cache.Put(key, value); err != nil {
			// persistence is authoritative; drop the stale cached value
			s.log.Warn("cache put failed", "err", err)
			_ = s.cache.Remove(key)
		}
	}
	return nil
}

func (s *Storage) Contains(key []byte) (bool, error) {
	if s.cache != nil {
		if ok, err := s.cache.Contains(key); err == nil && ok {
			return true, nil
		}
	}
	return s.persistence.Contains(key)
}

func (s *Storage) Remove(key []byte) error {
	if s.cache != nil {
		if err := s.cache.Remove(key); err != nil {
			return errors.Wrap(err, "cache remove")
		}
	}
	return s.persistence.Remove(key)
}

func (s *Storage) Len() (uint64, error) {
	return s.persistence.Len()
}

func (s *Storage) Keys() ([][]byte, error) {
	return s.persistence.Keys()
}
