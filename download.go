// Package syncer
//
// @author: xwc1125
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
)

// Downloader brings the local chain to the head of the best peer: it finds
// the common ancestor, fetches the missing blocks batch by batch into the
// session pool and hands the pool to the processor.
type Downloader struct {
	log     logger.Logger
	config  *Config
	chain   Chain
	network Network
	peers   *peerSet
	clock   clock.Clock
	metrics *metrics

	sessionID uint64

	process func(flow *SyncFlow)
	status  func(status *SyncStatus)

	box chan struct{}

	mu      sync.Mutex
	waiting []*syncRequest
}

type syncResult struct {
	status *SyncStatus
	err    error
}

// syncRequest waits for the outcome of the next round.
type syncRequest struct {
	done chan syncResult
}

func newSyncRequest() *syncRequest {
	return &syncRequest{done: make(chan syncResult, 1)}
}

func newDownloader(config *Config, chain Chain, network Network, peers *peerSet, clk clock.Clock, m *metrics) *Downloader {
	return &Downloader{
		log:     logger.New("syncer.downloader"),
		config:  config,
		chain:   chain,
		network: network,
		peers:   peers,
		clock:   clk,
		metrics: m,
		box:     make(chan struct{}, 1),
	}
}

func (d *Downloader) BestPeer() *PeerInfo {
	return d.peers.BestPeer(d.clock.Now())
}

func (d *Downloader) MasterHeadHeader() *block.Header {
	return d.chain.MasterHeadHeader()
}

// post asks the downloader actor for a round. Requests made while a round is
// running coalesce into one.
func (d *Downloader) post() {
	select {
	case d.box <- struct{}{}:
	default:
	}
}

// request posts a round whose outcome is delivered to req.
func (d *Downloader) request(req *syncRequest) {
	d.mu.Lock()
	d.waiting = append(d.waiting, req)
	d.mu.Unlock()
	d.post()
}

func (d *Downloader) takeWaiting() []*syncRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiting := d.waiting
	d.waiting = nil
	return waiting
}

func (d *Downloader) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.box:
			waiting := d.takeWaiting()
			status, err := d.Synchronise(ctx)
			if err != nil && ctx.Err() == nil {
				d.log.Debug("Synchronisation round failed", "err", err)
			}
			for _, req := range waiting {
				req.done <- syncResult{status: status, err: err}
			}
		}
	}
}

// Synchronise runs one round: sessions against the best peer until one ends,
// retrying failed attempts up to MaxAttempts.
func (d *Downloader) Synchronise(ctx context.Context) (*SyncStatus, error) {
	var lastErr error
	for attempt := 0; attempt < d.config.MaxAttempts; {
		peer := d.BestPeer()
		if peer == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrPeerUnavailable
		}
		status, err := d.runSession(ctx, peer)
		if err == nil {
			return status, nil
		}
		lastErr = err
		switch {
		case ctx.Err() != nil:
			return status, ctx.Err()
		case errors.Is(err, ErrSuperseded):
			continue
		case errors.Is(err, ErrAncestorNotFound), errors.Is(err, ErrVerificationFailed):
			d.peers.MarkIncompatible(peer.ID, d.clock.Now().Add(d.config.IncompatiblePeerCooldown))
		case !retryable(err):
			return status, err
		}
		attempt++
		d.log.Warn("Sync attempt failed", "attempt", attempt, "peer", peer.ID, "err", err)
	}
	return nil, lastErr
}

func (d *Downloader) runSession(ctx context.Context, peer *PeerInfo) (*SyncStatus, error) {
	head := d.MasterHeadHeader()
	if head == nil {
		return nil, errors.New("local chain is not initialised")
	}
	flow := newSyncFlow(atomic.AddUint64(&d.sessionID, 1), *peer, d.config.PoolTTL, d.clock)
	if peer.HeadID == head.ID() {
		flow.setAncestor(head)
		return d.report(flow, StateConverged, nil), nil
	}
	if peer.TotalDifficulty <= d.localTD(head) {
		d.log.Debug("Peer is not ahead", "peer", peer.ID, "number", peer.Number, "td", peer.TotalDifficulty)
		return d.report(flow, StateIdle, nil), nil
	}
	p := d.peers.Peer(peer.ID)
	if p == nil {
		return nil, errors.Wrapf(ErrPeerUnavailable, "peer %s gone", peer.ID)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.closed():
			cancel()
		case <-sctx.Done():
		}
	}()

	d.log.Info("Synchronisation started", "session", flow.ID, "peer", peer.ID, "local", head.Number, "target", peer.Number)
	err := d.syncWith(sctx, flow)
	if err != nil && ctx.Err() == nil && sctx.Err() != nil {
		err = errors.Wrapf(ErrPeerUnavailable, "peer %s dropped", peer.ID)
	}
	if err != nil {
		// stop the processor on this pool
		flow.fail(err)
	}
	switch {
	case err == nil:
		d.log.Info("Synchronisation converged", "session", flow.ID, "peer", peer.ID, "applied", flow.Applied(), "number", flow.Cursor().Number)
		return d.report(flow, StateConverged, nil), nil
	case errors.Is(err, ErrSuperseded):
		d.log.Info("Synchronisation superseded", "session", flow.ID, "peer", peer.ID, "err", err)
		return d.report(flow, StateSuperseded, err), err
	}
	d.log.Warn("Synchronisation failed", "session", flow.ID, "peer", peer.ID, "err", err)
	return d.report(flow, StateFailed, err), err
}

func (d *Downloader) syncWith(ctx context.Context, flow *SyncFlow) error {
	peer := flow.Peer
	begin := d.MasterHeadHeader().Number
	if peer.Number < begin {
		begin = peer.Number
	}
	d.report(flow, StateFindingAncestor, nil)
	ancestor, err := d.FindAncestorHeader(ctx, peer.ID, begin, d.config.FullScan)
	if err != nil {
		return err
	}
	flow.setAncestor(ancestor)
	d.log.Debug("Found common ancestor", "peer", peer.ID, "number", ancestor.Number, "id", ancestor.ID())
	d.report(flow, StateFetching, nil)

	for next := ancestor; next.Number < peer.Number; {
		if err := d.checkSession(ctx, flow); err != nil {
			return err
		}
		if err := d.waitFor(ctx, flow, func() bool { return flow.pool.Size() < d.config.MaxPoolSize }); err != nil {
			return err
		}
		amount := peer.Number - next.Number
		if amount > uint64(d.config.HeaderBatch) {
			amount = uint64(d.config.HeaderBatch)
		}
		headers, err := d.fetchHeaders(ctx, peer.ID, next, amount)
		if err != nil {
			return err
		}
		ids := make([]types.Hash, len(headers))
		for i, h := range headers {
			ids[i] = h.ID()
		}
		var (
			bodies []*block.Body
			infos  []*block.Info
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			bodies, err = fetchAligned(gctx, d, "bodies", ids, func(ctx context.Context, ids []types.Hash) ([]*block.Body, error) {
				return d.network.GetBodyByHash(ctx, peer.ID, ids)
			}, bodyID)
			return err
		})
		g.Go(func() (err error) {
			infos, err = fetchAligned(gctx, d, "infos", ids, func(ctx context.Context, ids []types.Hash) ([]*block.Info, error) {
				return d.network.GetInfoByHash(ctx, peer.ID, ids)
			}, infoID)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if err := d.DoBlocks(flow, headers, bodies, infos); err != nil {
			return err
		}
		d.requestProcess(flow)
		next = headers[len(headers)-1]
	}

	if err := d.waitFor(ctx, flow, func() bool {
		return flow.Cursor().Number >= peer.Number
	}); err != nil {
		return err
	}
	// the advertised head must be on the local chain now
	if h := d.chain.GetHeaderByNumber(peer.Number); h == nil || h.ID() != peer.HeadID {
		return errors.Wrapf(ErrVerificationFailed, "peer %s head %d (%x) not reached", peer.ID, peer.Number, peer.HeadID[:4])
	}
	return nil
}

// FindAncestorHeader returns the highest local header at or below begin that
// the peer has too. Heights are checked at exponentially growing distance
// below begin; with allowFullScan the gap between the first match and the
// last mismatch is binary searched for the exact ancestor.
func (d *Downloader) FindAncestorHeader(ctx context.Context, peer models.P2PID, begin uint64, allowFullScan bool) (*block.Header, error) {
	var (
		number   = begin
		mismatch = begin + 1
		step     = uint64(1)
	)
	for {
		ok, err := d.matchesAt(ctx, peer, number)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		mismatch = number
		if number == 0 {
			return nil, errors.Wrapf(ErrAncestorNotFound, "peer=%s, begin=%d", peer, begin)
		}
		if step > number {
			number = 0
		} else {
			number -= step
		}
		step *= 2
	}
	if allowFullScan {
		// number matches, mismatch does not (or lies past begin)
		for number+1 < mismatch {
			mid := number + (mismatch-number)/2
			ok, err := d.matchesAt(ctx, peer, mid)
			if err != nil {
				return nil, err
			}
			if ok {
				number = mid
			} else {
				mismatch = mid
			}
		}
	}
	return d.chain.GetHeaderByNumber(number), nil
}

func (d *Downloader) matchesAt(ctx context.Context, peer models.P2PID, number uint64) (bool, error) {
	local := d.chain.GetHeaderByNumber(number)
	if local == nil {
		return false, nil
	}
	var remote *block.Header
	err := d.retry(ctx, "ancestor", func(ctx context.Context) error {
		headers, err := d.network.GetHeaders(ctx, peer, &GetBlockHeaders{Origin: HashOrNumber{Number: number}, Amount: 1})
		if err != nil {
			return err
		}
		if len(headers) == 0 || headers[0] == nil || headers[0].Number != number {
			return errors.Wrapf(ErrNonContiguousBatch, "no header at %d", number)
		}
		remote = headers[0]
		return nil
	})
	if err != nil {
		return false, err
	}
	return remote.ID() == local.ID(), nil
}

func (d *Downloader) fetchHeaders(ctx context.Context, peer models.P2PID, parent *block.Header, amount uint64) ([]*block.Header, error) {
	var headers []*block.Header
	err := d.retry(ctx, "headers", func(ctx context.Context) error {
		hs, err := d.network.GetHeaders(ctx, peer, &GetBlockHeaders{Origin: HashOrNumber{Hash: parent.ID()}, Amount: amount})
		if err != nil {
			return err
		}
		if err := checkContiguous(parent, hs, amount); err != nil {
			return err
		}
		headers = hs
		return nil
	})
	return headers, err
}

// checkContiguous verifies that headers chain from parent.
func checkContiguous(parent *block.Header, headers []*block.Header, amount uint64) error {
	if len(headers) == 0 || uint64(len(headers)) > amount {
		return errors.Wrapf(ErrNonContiguousBatch, "got %d headers, asked %d", len(headers), amount)
	}
	for _, h := range headers {
		if h == nil || h.Number != parent.Number+1 || h.ParentID != parent.ID() {
			return errors.Wrapf(ErrNonContiguousBatch, "header does not follow %d", parent.Number)
		}
		parent = h
	}
	return nil
}

func bodyID(b *block.Body) (types.Hash, bool) {
	if b == nil {
		return types.Hash{}, false
	}
	return b.BlockID, true
}

func infoID(i *block.Info) (types.Hash, bool) {
	if i == nil {
		return types.Hash{}, false
	}
	return i.BlockID, true
}

// fetchAligned fetches one artifact per id. Peers may answer with a prefix of
// the ids; the rest is requested again.
func fetchAligned[T any](ctx context.Context, d *Downloader, kind string, ids []types.Hash,
	fetch func(ctx context.Context, ids []types.Hash) ([]T, error), idOf func(T) (types.Hash, bool)) ([]T, error) {
	result := make([]T, 0, len(ids))
	for len(result) < len(ids) {
		rest := ids[len(result):]
		var got []T
		err := d.retry(ctx, kind, func(ctx context.Context) error {
			items, err := fetch(ctx, rest)
			if err != nil {
				return err
			}
			if len(items) == 0 || len(items) > len(rest) {
				return errors.Wrapf(ErrNonContiguousBatch, "got %d %s, asked %d", len(items), kind, len(rest))
			}
			for i, item := range items {
				if id, ok := idOf(item); !ok || id != rest[i] {
					return errors.Wrapf(ErrNonContiguousBatch, "%s not aligned at %d", kind, i)
				}
			}
			got = items
			return nil
		})
		if err != nil {
			return nil, err
		}
		result = append(result, got...)
	}
	return result, nil
}

// DoBlocks inserts a fetched batch into the session pool. The three slices
// must be aligned by block id.
func (d *Downloader) DoBlocks(flow *SyncFlow, headers []*block.Header, bodies []*block.Body, infos []*block.Info) error {
	if len(headers) != len(bodies) || len(headers) != len(infos) {
		return errors.Wrapf(ErrNonContiguousBatch, "headers=%d, bodies=%d, infos=%d", len(headers), len(bodies), len(infos))
	}
	for i, header := range headers {
		id := header.ID()
		if bodies[i] == nil || infos[i] == nil || bodies[i].BlockID != id || infos[i].BlockID != id {
			return errors.Wrapf(ErrNonContiguousBatch, "artifacts of block %d not aligned", header.Number)
		}
		flow.pool.Insert(flow.Peer.ID, header.Number, &block.Block{Header: header, Body: bodies[i], Info: infos[i]})
	}
	d.metrics.poolSize.Set(float64(flow.pool.Size()))
	return nil
}

func (d *Downloader) requestProcess(flow *SyncFlow) {
	if d.process != nil {
		d.process(flow)
	}
}

func (d *Downloader) checkSession(ctx context.Context, flow *SyncFlow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := flow.Err(); err != nil {
		return err
	}
	if !d.peers.IsExist(flow.Peer.ID) {
		return errors.Wrapf(ErrPeerUnavailable, "peer %s gone", flow.Peer.ID)
	}
	if best := d.BestPeer(); best != nil && best.ID != flow.Peer.ID && best.TotalDifficulty > flow.Peer.TotalDifficulty {
		return errors.Wrapf(ErrSuperseded, "peer %s has td %d", best.ID, best.TotalDifficulty)
	}
	return nil
}

// waitFor blocks until cond holds, the processor halts the session, or the
// processor makes no progress for ApplyTimeout.
func (d *Downloader) waitFor(ctx context.Context, flow *SyncFlow, cond func() bool) error {
	timer := d.clock.Timer(d.config.ApplyTimeout)
	defer timer.Stop()
	for {
		if err := flow.Err(); err != nil {
			return err
		}
		if cond() {
			return nil
		}
		select {
		case <-flow.progress:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.config.ApplyTimeout)
		case <-timer.C:
			return errors.Wrapf(errApplyTimeout, "session=%d, cursor=%d", flow.ID, flow.Cursor().Number)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// retry runs op with a per-request timeout, retrying fetch errors with
// exponential backoff.
func (d *Downloader) retry(ctx context.Context, kind string, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.config.RequestRetries)), ctx)

	return backoff.RetryNotify(func() error {
		rctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
		defer cancel()
		err := op(rctx)
		if err == nil {
			return nil
		}
		d.metrics.fetchErrors.WithLabelValues(kind).Inc()
		if ctx.Err() != nil || !errors.Is(err, ErrFetch) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		d.log.Debug("Retrying request", "kind", kind, "wait", wait, "err", err)
	})
}

func (d *Downloader) localTD(head *block.Header) uint64 {
	if info := d.chain.GetInfo(head.ID()); info != nil {
		return info.TotalDifficulty
	}
	return 0
}

func (d *Downloader) report(flow *SyncFlow, state State, err error) *SyncStatus {
	flow.setState(state)
	status := &SyncStatus{
		Session: flow.ID,
		Peer:    flow.Peer.ID,
		State:   state,
		Head:    d.MasterHeadHeader().Number,
		Target:  flow.Peer.Number,
		Err:     err,
	}
	if d.status != nil {
		d.status(status)
	}
	return status
}
