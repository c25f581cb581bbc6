// Package storage
//
// @author: xwc1125
package storage

import (
	"github.com/chain5j/chain5j-pkg/codec"
	"github.com/pkg/errors"
)

// CodecStore stores values of type V under a key prefix, encoding them with
// the chain5j codec.
type CodecStore[V any] struct {
	repo   Repository
	prefix []byte
}

func NewCodecStore[V any](repo Repository, prefix string) *CodecStore[V] {
	return &CodecStore[V]{repo: repo, prefix: []byte(prefix)}
}

func (s *CodecStore[V]) key(key []byte) []byte {
	k := make([]byte, 0, len(s.prefix)+len(key))
	return append(append(k, s.prefix...), key...)
}

// Get returns (nil, nil) when key is absent.
func (s *CodecStore[V]) Get(key []byte) (*V, error) {
	data, err := s.repo.Get(s.key(key))
	if err != nil || data == nil {
		return nil, err
	}
	v := new(V)
	if err := codec.Coder().Decode(data, v); err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.prefix)
	}
	return v, nil
}

func (s *CodecStore[V]) Put(key []byte, v *V) error {
	data, err := codec.Coder().Encode(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", s.prefix)
	}
	return s.repo.Put(s.key(key), data)
}

func (s *CodecStore[V]) Contains(key []byte) (bool, error) {
	return s.repo.Contains(s.key(key))
}

func (s *CodecStore[V]) Remove(key []byte) error {
	return s.repo.Remove(s.key(key))
}
