// Package syncer
//
// @author: xwc1125
package syncer

import (
	"sync"
	"time"

	"github.com/chain5j/chain5j-protocol/models"
)

type peerSet struct {
	peers  map[models.P2PID]*peer
	lock   sync.RWMutex
	closed bool
}

func newPeerSet() *peerSet {
	return &peerSet{
		peers: make(map[models.P2PID]*peer),
	}
}

func (ps *peerSet) Register(p *peer) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.closed {
		return errClosed
	}
	if _, ok := ps.peers[p.P2PID]; ok {
		return errAlreadyRegistered
	}
	ps.peers[p.P2PID] = p
	return nil
}

func (ps *peerSet) Deregister(id models.P2PID) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	p, ok := ps.peers[id]
	if !ok {
		return errNotRegistered
	}
	delete(ps.peers, id)
	p.close()

	return nil
}

func (ps *peerSet) Peer(id models.P2PID) *peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return ps.peers[id]
}

func (ps *peerSet) IsExist(id models.P2PID) bool {
	return ps.Peer(id) != nil
}

func (ps *peerSet) Len() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()
	return len(ps.peers)
}

// Peers returns a snapshot of every registered peer.
func (ps *peerSet) Peers() []*PeerInfo {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	infos := make([]*PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		infos = append(infos, p.Info())
	}
	return infos
}

// MarkIncompatible keeps id out of BestPeer until the given time.
func (ps *peerSet) MarkIncompatible(id models.P2PID, until time.Time) {
	if p := ps.Peer(id); p != nil {
		p.markIncompatible(until)
	}
}

func (ps *peerSet) Close() {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	for id, p := range ps.peers {
		p.close()
		delete(ps.peers, id)
	}
	ps.closed = true
}

// BestPeer 选择总难度最高的节点进行同步，难度相同时选择高度更高的节点。
// Peers cooling down after an incompatible chain are skipped.
func (ps *peerSet) BestPeer(now time.Time) *PeerInfo {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	var best *PeerInfo
	for _, p := range ps.peers {
		if !p.compatible(now) {
			continue
		}
		info := p.Info()
		if best == nil || better(info, best) {
			best = info
		}
	}
	return best
}

// better orders peers by total difficulty, then number, then id so the choice
// does not depend on map iteration.
func better(a, b *PeerInfo) bool {
	if a.TotalDifficulty != b.TotalDifficulty {
		return a.TotalDifficulty > b.TotalDifficulty
	}
	if a.Number != b.Number {
		return a.Number > b.Number
	}
	return a.ID < b.ID
}
