// Package syncer
//
// @author: xwc1125
package syncer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/pkg/errors"
)

// StatusTopic is the event bus topic session status is published on.
const StatusTopic = "sync:status"

var (
	ErrPeerUnavailable    = errors.New("no peer available")
	ErrAncestorNotFound   = errors.New("common ancestor not found")
	ErrFetch              = errors.New("fetch failed")
	ErrFetchTimeout       = errors.WithMessage(ErrFetch, "request timeout")
	ErrNonContiguousBatch = errors.WithMessage(ErrFetch, "non contiguous batch")
	ErrVerificationFailed = errors.New("block verification failed")
	ErrSuperseded         = errors.New("session superseded by a better peer")
	ErrStopped            = errors.New("syncer stopped")

	errApplyTimeout = errors.New("blocks not applied in time")
)

// retryable reports whether a failed session may be retried in the same round.
func retryable(err error) bool {
	return errors.Is(err, ErrFetch) ||
		errors.Is(err, ErrPeerUnavailable) ||
		errors.Is(err, errApplyTimeout)
}

// State is the state of a synchronization session.
type State int32

const (
	StateIdle State = iota
	StateFindingAncestor
	StateFetching
	StateConverged
	StateFailed
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFindingAncestor:
		return "finding_ancestor"
	case StateFetching:
		return "fetching"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	case StateSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Terminal reports whether a session in s has ended.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateFailed || s == StateSuperseded
}

// SyncStatus is published on every session state change.
type SyncStatus struct {
	Session uint64
	Peer    models.P2PID
	State   State
	Head    uint64 // local head number
	Target  uint64 // peer head number
	Err     error
}

// PeerInfo is the advertised head of a peer.
type PeerInfo struct {
	ID              models.P2PID
	HeadID          types.Hash
	Number          uint64
	TotalDifficulty uint64
}

// SyncFlow is the state of one session against one peer. The downloader fills
// its pool, the processor drains it and moves the cursor.
type SyncFlow struct {
	ID       uint64
	Peer     PeerInfo
	Ancestor *block.Header

	pool *TTLPool[*block.Block]

	mu       sync.Mutex
	state    State
	cursor   *block.Header // last block of the peer's branch known to the local chain
	applied  int
	err      error
	progress chan struct{}
}

func newSyncFlow(id uint64, peer PeerInfo, ttl time.Duration, clk clock.Clock) *SyncFlow {
	return &SyncFlow{
		ID:       id,
		Peer:     peer,
		pool:     NewTTLPool[*block.Block](ttl, clk),
		state:    StateIdle,
		progress: make(chan struct{}, 1),
	}
}

func (f *SyncFlow) Pool() *TTLPool[*block.Block] {
	return f.pool
}

func (f *SyncFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *SyncFlow) setState(state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

// Cursor returns the highest block of the session known to the local chain.
func (f *SyncFlow) Cursor() *block.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Applied returns how many blocks the processor connected in this session.
func (f *SyncFlow) Applied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func (f *SyncFlow) setAncestor(ancestor *block.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ancestor = ancestor
	f.cursor = ancestor
}

func (f *SyncFlow) advance(header *block.Header, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = header
	if connected {
		f.applied++
	}
}

// Err returns the error that halted the session, if any.
func (f *SyncFlow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *SyncFlow) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.notify()
}

func (f *SyncFlow) notify() {
	select {
	case f.progress <- struct{}{}:
	default:
	}
}

// HashOrNumber selects a header either by id or by number.
type HashOrNumber struct {
	Hash   types.Hash
	Number uint64
}

// GetBlockHeaders is a header query. An origin given by hash returns headers
// starting after it; an origin given by number returns headers starting at it.
type GetBlockHeaders struct {
	Origin  HashOrNumber
	Amount  uint64
	Reverse bool
}

// processResult is what the processor reports after draining a session pool.
type processResult struct {
	flow    *SyncFlow
	head    *block.Header
	applied int
	err     error
}
