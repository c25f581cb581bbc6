// Package consensus
//
// @author: xwc1125
package consensus

import (
	"context"

	"github.com/chain5j/chain5j-sync/block"
)

var _ Consensus = new(Dummy)

// Dummy accepts every header and seals templates unchanged. It is meant for
// tests and benchmarks.
type Dummy struct{}

func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) Name() string { return DummyEngine }

func (d *Dummy) VerifyHeader(*Config, ChainReader, *block.Header) error { return nil }

func (d *Dummy) CreateBlock(ctx context.Context, _ *Config, _ ChainReader, template *block.Block) (*block.Block, error) {
	if template == nil || template.Header == nil || template.Body == nil || template.Info == nil {
		return nil, ErrInvalidTemplate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	header := template.Header.Copy()
	header.ConsensusHeader = nil
	return block.NewBlock(header, template.Body.Transactions, template.Info.TotalDifficulty), nil
}
