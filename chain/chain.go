// Package chain
//
// @author: xwc1125
package chain

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/chain5j/chain5j-sync/storage"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
)

var (
	ErrBlockKnown      = errors.New("block already known")
	ErrUnknownParent   = errors.New("unknown parent")
	ErrParentMismatch  = errors.New("parent mismatch")
	ErrInvalidBlock    = errors.New("invalid block")
	ErrGenesisMismatch = errors.New("genesis mismatch")
)

var (
	headKey        = []byte("head")
	canonicalPrefx = []byte("n/")
)

var _ consensus.ChainReader = new(BlockChain)

// BlockChain is a storage-backed chain. Blocks of side branches are kept; the
// master head follows the branch with the highest total difficulty.
type BlockChain struct {
	log    logger.Logger
	mu     sync.RWMutex
	engine consensus.Consensus
	config *consensus.Config

	repo    storage.Repository
	headers *storage.CodecStore[block.Header]
	bodies  *storage.CodecStore[block.Body]
	infos   *storage.CodecStore[block.Info]

	genesis  *block.Header
	head     *block.Header
	headInfo *block.Info
}

// New opens the chain stored in repo, writing genesis when repo is empty.
func New(repo storage.Repository, engine consensus.Consensus, config *consensus.Config, genesis *block.Block) (*BlockChain, error) {
	bc := &BlockChain{
		log:     logger.New("chain"),
		engine:  engine,
		config:  config,
		repo:    repo,
		headers: storage.NewCodecStore[block.Header](repo, "h/"),
		bodies:  storage.NewCodecStore[block.Body](repo, "b/"),
		infos:   storage.NewCodecStore[block.Info](repo, "i/"),
		genesis: genesis.Header,
	}
	headID, err := repo.Get(headKey)
	if err != nil {
		return nil, err
	}
	if headID == nil {
		if err := bc.writeBlock(genesis); err != nil {
			return nil, err
		}
		if err := bc.setCanonical(0, genesis.ID()); err != nil {
			return nil, err
		}
		if err := bc.writeHead(genesis.Header, genesis.Info); err != nil {
			return nil, err
		}
		bc.log.Info("Wrote genesis", "id", genesis.ID())
		return bc, nil
	}
	if id := bc.canonicalID(0); id == nil || *id != genesis.ID() {
		return nil, ErrGenesisMismatch
	}
	var id types.Hash
	copy(id[:], headID)
	head, info := bc.getHeader(id), bc.getInfo(id)
	if head == nil || info == nil {
		return nil, errors.Errorf("missing head block %x", headID)
	}
	bc.head, bc.headInfo = head, info
	bc.log.Info("Loaded chain", "number", head.Number, "id", id)
	return bc, nil
}

// MasterHeadHeader returns the current head header.
func (bc *BlockChain) MasterHeadHeader() *block.Header {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.head
}

// MasterHeadInfo returns the info of the current head.
func (bc *BlockChain) MasterHeadInfo() *block.Info {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.headInfo
}

func (bc *BlockChain) Genesis() *block.Header {
	return bc.genesis
}

// GetHeaderByNumber returns the canonical header at number.
func (bc *BlockChain) GetHeaderByNumber(number uint64) *block.Header {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	id := bc.canonicalID(number)
	if id == nil {
		return nil
	}
	return bc.getHeader(*id)
}

func (bc *BlockChain) GetHeaderByID(id types.Hash) *block.Header {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.getHeader(id)
}

func (bc *BlockChain) GetBody(id types.Hash) *block.Body {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	body, err := bc.bodies.Get(id[:])
	if err != nil {
		bc.log.Error("get body failed", "id", id, "err", err)
		return nil
	}
	return body
}

func (bc *BlockChain) GetInfo(id types.Hash) *block.Info {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.getInfo(id)
}

// TryConnect stores a verified block whose parent is known. The block becomes
// the head when it extends the head or outweighs it.
func (bc *BlockChain) TryConnect(b *block.Block) error {
	if !b.Validate() {
		return errors.Wrap(ErrInvalidBlock, "artifacts do not match header")
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	id := b.ID()
	if ok, err := bc.headers.Contains(id[:]); err != nil {
		return err
	} else if ok {
		return ErrBlockKnown
	}
	parent := bc.getHeader(b.Header.ParentID)
	if parent == nil {
		return errors.Wrapf(ErrUnknownParent, "number=%d, parent=%x", b.Number(), b.Header.ParentID)
	}
	if parent.Number+1 != b.Number() {
		return errors.Wrapf(ErrParentMismatch, "number=%d, parentNumber=%d", b.Number(), parent.Number)
	}
	parentInfo := bc.getInfo(parent.ID())
	if parentInfo == nil {
		return errors.Wrapf(ErrUnknownParent, "missing parent info %x", b.Header.ParentID)
	}
	if td := parentInfo.TotalDifficulty + b.Header.Difficulty; b.Info.TotalDifficulty != td {
		return errors.Wrapf(ErrInvalidBlock, "total difficulty: have %d, want %d", b.Info.TotalDifficulty, td)
	}
	if err := bc.writeBlock(b); err != nil {
		return err
	}

	switch {
	case parent.ID() == bc.head.ID():
		if err := bc.setCanonical(b.Number(), id); err != nil {
			return err
		}
	case b.Info.TotalDifficulty > bc.headInfo.TotalDifficulty:
		if err := bc.reorg(b.Header); err != nil {
			return err
		}
	default:
		bc.log.Debug("Stored side block", "number", b.Number(), "id", id)
		return nil
	}
	return bc.writeHead(b.Header, b.Info)
}

// MineBlock seals a block with txs on top of the head and connects it.
func (bc *BlockChain) MineBlock(ctx context.Context, author string, txs [][]byte) (*block.Block, error) {
	head, headInfo := bc.MasterHeadHeader(), bc.MasterHeadInfo()
	timestamp := uint64(time.Now().Unix())
	if timestamp <= head.Timestamp {
		timestamp = head.Timestamp + 1
	}
	header := &block.Header{
		ParentID:   head.ID(),
		Number:     head.Number + 1,
		Timestamp:  timestamp,
		Author:     author,
		TxRoot:     block.TxRoot(txs),
		Difficulty: bc.config.Difficulty,
	}
	template := block.NewBlock(header, txs, headInfo.TotalDifficulty+header.Difficulty)
	b, err := bc.engine.CreateBlock(ctx, bc.config, bc, template)
	if err != nil {
		return nil, errors.Wrap(err, "create block")
	}
	if err := bc.TryConnect(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (bc *BlockChain) reorg(newHead *block.Header) error {
	for n := newHead.Number + 1; n <= bc.head.Number; n++ {
		if err := bc.repo.Remove(numberKey(n)); err != nil {
			return err
		}
	}
	h := newHead
	for {
		id := h.ID()
		if cur := bc.canonicalID(h.Number); cur != nil && *cur == id {
			break
		}
		if err := bc.setCanonical(h.Number, id); err != nil {
			return err
		}
		if h.Number == 0 {
			break
		}
		if h = bc.getHeader(h.ParentID); h == nil {
			return errors.Wrap(ErrUnknownParent, "reorg walk")
		}
	}
	bc.log.Info("Chain reorganised", "oldNumber", bc.head.Number, "oldHead", bc.head.ID(), "newNumber", newHead.Number, "newHead", newHead.ID(), "forkNumber", h.Number)
	return nil
}

func (bc *BlockChain) writeBlock(b *block.Block) error {
	id := b.ID()
	if err := bc.headers.Put(id[:], b.Header); err != nil {
		return err
	}
	if err := bc.bodies.Put(id[:], b.Body); err != nil {
		return err
	}
	return bc.infos.Put(id[:], b.Info)
}

func (bc *BlockChain) writeHead(head *block.Header, info *block.Info) error {
	id := head.ID()
	if err := bc.repo.Put(headKey, id[:]); err != nil {
		return err
	}
	bc.head, bc.headInfo = head, info
	return nil
}

func (bc *BlockChain) setCanonical(number uint64, id types.Hash) error {
	return bc.repo.Put(numberKey(number), id[:])
}

func (bc *BlockChain) canonicalID(number uint64) *types.Hash {
	data, err := bc.repo.Get(numberKey(number))
	if err != nil || data == nil {
		return nil
	}
	var id types.Hash
	copy(id[:], data)
	return &id
}

func (bc *BlockChain) getHeader(id types.Hash) *block.Header {
	header, err := bc.headers.Get(id[:])
	if err != nil {
		bc.log.Error("get header failed", "id", id, "err", err)
		return nil
	}
	return header
}

func (bc *BlockChain) getInfo(id types.Hash) *block.Info {
	info, err := bc.infos.Get(id[:])
	if err != nil {
		bc.log.Error("get info failed", "id", id, "err", err)
		return nil
	}
	return info
}

func numberKey(number uint64) []byte {
	key := make([]byte, len(canonicalPrefx)+8)
	copy(key, canonicalPrefx)
	binary.BigEndian.PutUint64(key[len(canonicalPrefx):], number)
	return key
}
