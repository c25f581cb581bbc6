// Package block
//
// @author: xwc1125
package block

import (
	"bytes"
	"encoding/binary"

	"github.com/chain5j/chain5j-pkg/types"
	"golang.org/x/crypto/sha3"
)

// Header is the immutable part of a block that consensus verifies.
type Header struct {
	ParentID        types.Hash `json:"parentId"`
	Number          uint64     `json:"number"`
	Timestamp       uint64     `json:"timestamp"`
	Author          string     `json:"author"`
	TxRoot          types.Hash `json:"txRoot"`
	Difficulty      uint64     `json:"difficulty"`
	ConsensusHeader []byte     `json:"consensusHeader"`
}

// ID returns the keccak256 hash over every header field.
func (h *Header) ID() types.Hash {
	return h.hash(true)
}

// SealHash returns the hash of the header without its consensus header. It is
// the input consensus engines seal over.
func (h *Header) SealHash() types.Hash {
	return h.hash(false)
}

func (h *Header) hash(withSeal bool) (id types.Hash) {
	hw := sha3.NewLegacyKeccak256()
	var num [8]byte
	hw.Write(h.ParentID[:])
	binary.BigEndian.PutUint64(num[:], h.Number)
	hw.Write(num[:])
	binary.BigEndian.PutUint64(num[:], h.Timestamp)
	hw.Write(num[:])
	// 变长字段带长度前缀
	binary.BigEndian.PutUint64(num[:], uint64(len(h.Author)))
	hw.Write(num[:])
	hw.Write([]byte(h.Author))
	hw.Write(h.TxRoot[:])
	binary.BigEndian.PutUint64(num[:], h.Difficulty)
	hw.Write(num[:])
	if withSeal {
		binary.BigEndian.PutUint64(num[:], uint64(len(h.ConsensusHeader)))
		hw.Write(num[:])
		hw.Write(h.ConsensusHeader)
	}
	copy(id[:], hw.Sum(nil))
	return id
}

// Copy returns a deep copy, so sealing a template never touches the original.
func (h *Header) Copy() *Header {
	cpy := *h
	if h.ConsensusHeader != nil {
		cpy.ConsensusHeader = append([]byte(nil), h.ConsensusHeader...)
	}
	return &cpy
}

// Compare orders headers by number, then by id.
func (h *Header) Compare(other *Header) int {
	switch {
	case h.Number < other.Number:
		return -1
	case h.Number > other.Number:
		return 1
	}
	a, b := h.ID(), other.ID()
	return bytes.Compare(a[:], b[:])
}
