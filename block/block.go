// Package block
//
// @author: xwc1125
package block

import (
	"github.com/chain5j/chain5j-pkg/types"
	"golang.org/x/crypto/sha3"
)

// Body holds the transactions of the block identified by BlockID.
type Body struct {
	BlockID      types.Hash `json:"blockId"`
	Transactions [][]byte   `json:"transactions"`
}

// Info is the per-block metadata produced when the block was connected.
type Info struct {
	BlockID         types.Hash `json:"blockId"`
	TotalDifficulty uint64     `json:"totalDifficulty"`
	TxCount         uint64     `json:"txCount"`
}

// Block bundles the three artifacts peers serve for one block id.
type Block struct {
	Header *Header `json:"header"`
	Body   *Body   `json:"body"`
	Info   *Info   `json:"info"`
}

// NewBlock creates a block for header, binding body and info to its id.
func NewBlock(header *Header, txs [][]byte, totalDifficulty uint64) *Block {
	id := header.ID()
	return &Block{
		Header: header,
		Body:   &Body{BlockID: id, Transactions: txs},
		Info: &Info{
			BlockID:         id,
			TotalDifficulty: totalDifficulty,
			TxCount:         uint64(len(txs)),
		},
	}
}

func (b *Block) ID() types.Hash {
	return b.Header.ID()
}

func (b *Block) Number() uint64 {
	return b.Header.Number
}

// Compare orders blocks by number, then by id. Two blocks compare equal only
// when they carry the same header.
func (b *Block) Compare(other *Block) int {
	return b.Header.Compare(other.Header)
}

// TxRoot hashes the transaction list. An empty list hashes to the zero hash.
func TxRoot(txs [][]byte) (root types.Hash) {
	if len(txs) == 0 {
		return root
	}
	hw := sha3.NewLegacyKeccak256()
	for _, tx := range txs {
		h := sha3.NewLegacyKeccak256()
		h.Write(tx)
		hw.Write(h.Sum(nil))
	}
	copy(root[:], hw.Sum(nil))
	return root
}

// Genesis returns the deterministic genesis block of a network.
func Genesis(network string, timestamp uint64) *Block {
	header := &Header{
		Number:     0,
		Timestamp:  timestamp,
		Author:     network,
		Difficulty: 1,
	}
	return NewBlock(header, nil, header.Difficulty)
}

// Validate checks that body and info belong to the header.
func (b *Block) Validate() bool {
	if b == nil || b.Header == nil || b.Body == nil || b.Info == nil {
		return false
	}
	id := b.Header.ID()
	if b.Body.BlockID != id || b.Info.BlockID != id {
		return false
	}
	if TxRoot(b.Body.Transactions) != b.Header.TxRoot {
		return false
	}
	return b.Info.TxCount == uint64(len(b.Body.Transactions))
}
