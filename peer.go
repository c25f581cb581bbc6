// Package syncer
//
// @author: xwc1125
package syncer

import (
	"sync"
	"time"

	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/pkg/errors"
)

var (
	errClosed            = errors.New("peer set is closed")
	errAlreadyRegistered = errors.New("peer is already registered")
	errNotRegistered     = errors.New("peer is not registered")
)

// 每一个连接的节点，记录其公布的链头
type peer struct {
	models.P2PID

	head            types.Hash
	number          uint64
	totalDifficulty uint64
	// 在该时间之前不参与同步（链不兼容）
	incompatibleUntil time.Time
	mu                sync.RWMutex

	quitCh chan struct{}
}

func newPeer(id models.P2PID) *peer {
	return &peer{
		P2PID:  id,
		quitCh: make(chan struct{}),
	}
}

func (p *peer) close() {
	close(p.quitCh)
}

// closed is closed once the peer is deregistered.
func (p *peer) closed() <-chan struct{} {
	return p.quitCh
}

// SetHead records the advertised head. A head with less total difficulty than
// the known one is ignored.
func (p *peer) SetHead(hash types.Hash, number, td uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if td < p.totalDifficulty {
		return false
	}
	p.head = hash
	p.number = number
	p.totalDifficulty = td
	return true
}

func (p *peer) Head() (hash types.Hash, number uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head, p.number
}

func (p *peer) Info() *PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &PeerInfo{
		ID:              p.P2PID,
		HeadID:          p.head,
		Number:          p.number,
		TotalDifficulty: p.totalDifficulty,
	}
}

func (p *peer) markIncompatible(until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incompatibleUntil = until
}

func (p *peer) compatible(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !now.Before(p.incompatibleUntil)
}
