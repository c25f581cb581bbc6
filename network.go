// Package syncer
//
// @author: xwc1125
package syncer

import (
	"context"

	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/consensus"
)

// Network fetches block artifacts from a peer. Bodies and infos are returned
// aligned with the requested ids.
type Network interface {
	GetHeaders(ctx context.Context, peer models.P2PID, req *GetBlockHeaders) ([]*block.Header, error)
	GetBodyByHash(ctx context.Context, peer models.P2PID, ids []types.Hash) ([]*block.Body, error)
	GetInfoByHash(ctx context.Context, peer models.P2PID, ids []types.Hash) ([]*block.Info, error)
}

// Chain is the local ledger the syncer reads from and the processor writes to.
type Chain interface {
	consensus.ChainReader
	GetBody(id types.Hash) *block.Body
	GetInfo(id types.Hash) *block.Info
	TryConnect(b *block.Block) error
}
