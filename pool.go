// Package syncer
//
// @author: xwc1125
package syncer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/google/btree"
)

const (
	defaultPoolTTL = time.Hour
	poolDegree     = 16
)

// Ordered is implemented by artifacts that carry their own total order.
type Ordered[E any] interface {
	Compare(other E) int
}

// TTLEntry wraps a pooled artifact with its ordering key, expiry and the
// peers that offered it.
type TTLEntry[E Ordered[E]] struct {
	Data           E
	BlockNumber    uint64
	ExpirationTime time.Time
	Peers          map[models.P2PID]struct{}
}

func (e *TTLEntry[E]) PeerIDs() []models.P2PID {
	ids := make([]models.P2PID, 0, len(e.Peers))
	for id := range e.Peers {
		ids = append(ids, id)
	}
	return ids
}

func lessEntry[E Ordered[E]](a, b *TTLEntry[E]) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.Data.Compare(b.Data) < 0
}

// TTLPool is an ordered, deduplicating and expiring buffer of artifacts.
// Entries are ordered by (block number, artifact order).
type TTLPool[E Ordered[E]] struct {
	mu    sync.Mutex
	ttl   time.Duration
	clock clock.Clock
	tree  *btree.BTreeG[*TTLEntry[E]]
}

func NewTTLPool[E Ordered[E]](ttl time.Duration, clk clock.Clock) *TTLPool[E] {
	if ttl <= 0 {
		ttl = defaultPoolTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TTLPool[E]{
		ttl:   ttl,
		clock: clk,
		tree:  btree.NewG[*TTLEntry[E]](poolDegree, lessEntry[E]),
	}
}

// Insert adds data offered by peer. An equal artifact already pooled only
// gains the peer; its position and expiry stay as they were.
func (p *TTLPool[E]) Insert(peer models.P2PID, number uint64, data E) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.tree.Get(&TTLEntry[E]{Data: data, BlockNumber: number}); ok {
		entry.Peers[peer] = struct{}{}
		return
	}
	p.tree.ReplaceOrInsert(&TTLEntry[E]{
		Data:           data,
		BlockNumber:    number,
		ExpirationTime: p.clock.Now().Add(p.ttl),
		Peers:          map[models.P2PID]struct{}{peer: {}},
	})
}

// Take removes and returns up to n of the lowest ordered artifacts.
func (p *TTLPool[E]) Take(n int) []E {
	entries := p.TakeEntries(n)
	result := make([]E, len(entries))
	for i, entry := range entries {
		result[i] = entry.Data
	}
	return result
}

// TakeEntries is Take returning the entries with their peer sets.
func (p *TTLPool[E]) TakeEntries(n int) []*TTLEntry[E] {
	p.mu.Lock()
	defer p.mu.Unlock()

	var entries []*TTLEntry[E]
	for i := 0; i < n; i++ {
		entry, ok := p.tree.DeleteMin()
		if !ok {
			break
		}
		entries = append(entries, entry)
	}
	return entries
}

// PopMinIf removes and returns the lowest entry if its block number is at
// most max.
func (p *TTLPool[E]) PopMinIf(max uint64) (*TTLEntry[E], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.tree.Min()
	if !ok || entry.BlockNumber > max {
		return nil, false
	}
	p.tree.DeleteMin()
	return entry, true
}

// Peek returns the lowest artifact without removing it.
func (p *TTLPool[E]) Peek() (data E, number uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.tree.Min()
	if !ok {
		return data, 0, false
	}
	return entry.Data, entry.BlockNumber, true
}

// GC removes every entry expired at now and returns their artifacts.
func (p *TTLPool[E]) GC(now time.Time) []E {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*TTLEntry[E]
	p.tree.Ascend(func(entry *TTLEntry[E]) bool {
		if !entry.ExpirationTime.After(now) {
			expired = append(expired, entry)
		}
		return true
	})
	result := make([]E, 0, len(expired))
	for _, entry := range expired {
		p.tree.Delete(entry)
		result = append(result, entry.Data)
	}
	return result
}

func (p *TTLPool[E]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Len()
}
