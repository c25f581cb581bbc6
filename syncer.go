// Package syncer
//
// @author: xwc1125
package syncer

import (
	"context"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-pkg/codec"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/chain5j/chain5j-sync/p2p"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Syncer routes sync ticks and process requests between the downloader and
// the processor actors, and keeps the peer registry fed from the messenger.
type Syncer struct {
	log    logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	config          *Config
	chain           Chain
	engine          consensus.Consensus
	consensusConfig *consensus.Config
	messenger       p2p.Messenger
	network         Network
	clock           clock.Clock
	bus             EventBus.Bus
	registry        prometheus.Registerer
	metrics         *metrics

	peers      *peerSet
	client     *client
	server     *server
	downloader *Downloader
	processor  *Processor

	downloadCh chan struct{}
	syncCh     chan *syncRequest
	processCh  *mailbox[SyncFlow]
	resultCh   *mailbox[processResult]

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewSyncer(rootCtx context.Context, opts ...option) (*Syncer, error) {
	ctx, cancel := context.WithCancel(rootCtx)
	s := &Syncer{
		log:    logger.New("syncer"),
		ctx:    ctx,
		cancel: cancel,

		config:          DefaultConfig(),
		consensusConfig: consensus.DefaultConfig(),
		clock:           clock.New(),

		peers:      newPeerSet(),
		downloadCh: make(chan struct{}, 1),
		syncCh:     make(chan *syncRequest),
		processCh:  newMailbox[SyncFlow](),
		resultCh:   newMailbox[processResult](),
	}
	if err := apply(s, opts...); err != nil {
		s.log.Error("apply is error", "err", err)
		cancel()
		return nil, err
	}
	switch {
	case s.chain == nil:
		cancel()
		return nil, errors.New("syncer requires a chain")
	case s.engine == nil:
		cancel()
		return nil, errors.New("syncer requires a consensus engine")
	case s.network == nil && s.messenger == nil:
		cancel()
		return nil, errors.New("syncer requires a network or a messenger")
	}
	if s.bus == nil {
		s.bus = EventBus.New()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	if s.messenger != nil {
		s.client = newClient(s.messenger)
		s.server = newServer(s.chain, s.messenger)
		if s.network == nil {
			s.network = s.client
		}
	}

	s.downloader = newDownloader(s.config, s.chain, s.network, s.peers, s.clock, s.metrics)
	s.downloader.process = s.processCh.post
	s.downloader.status = s.publish
	s.processor = newProcessor(s.chain, s.engine, s.consensusConfig, s.clock, s.metrics)
	s.processor.report = s.resultCh.post
	return s, nil
}

func (s *Syncer) Start() error {
	s.metrics.localHeight.Set(float64(s.chain.MasterHeadHeader().Number))
	s.goFunc(s.syncBlocks)
	s.goFunc(func() { s.downloader.loop(s.ctx) })
	s.goFunc(func() { s.processor.loop(s.ctx) })
	if s.messenger != nil {
		s.goFunc(s.listen)
	}
	return nil
}

func (s *Syncer) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		s.peers.Close()
		s.wg.Wait()
	})
	return nil
}

func (s *Syncer) goFunc(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Sync asks for a synchronization round against the best peer.
func (s *Syncer) Sync() {
	select {
	case s.downloadCh <- struct{}{}:
	default:
	}
}

// Synchronise asks for a round and waits for its outcome. The round runs on
// the downloader actor like the ones Sync triggers, so the syncer must be
// started.
func (s *Syncer) Synchronise(ctx context.Context) (*SyncStatus, error) {
	req := newSyncRequest()
	select {
	case s.syncCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrStopped
	}
	select {
	case res := <-req.done:
		return res.status, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrStopped
	}
}

// SubscribeStatus calls fn on every session state change. fn runs on the
// downloader goroutine and must not block.
func (s *Syncer) SubscribeStatus(fn func(status *SyncStatus)) error {
	return s.bus.Subscribe(StatusTopic, fn)
}

func (s *Syncer) UnsubscribeStatus(fn func(status *SyncStatus)) error {
	return s.bus.Unsubscribe(StatusTopic, fn)
}

// AddPeer registers info or updates the known head of the peer. A peer ahead
// of the local chain triggers a sync.
func (s *Syncer) AddPeer(info PeerInfo) {
	p := s.peers.Peer(info.ID)
	if p == nil {
		p = newPeer(info.ID)
		if err := s.peers.Register(p); err != nil && !errors.Is(err, errAlreadyRegistered) {
			s.log.Debug("register peer failed", "peer", info.ID, "err", err)
			return
		}
		p = s.peers.Peer(info.ID)
		if p == nil {
			return
		}
		s.log.Debug("Peer registered", "peer", info.ID, "number", info.Number, "td", info.TotalDifficulty)
	}
	if p.SetHead(info.HeadID, info.Number, info.TotalDifficulty) && info.TotalDifficulty > s.localTD() {
		s.Sync()
	}
}

func (s *Syncer) RemovePeer(id models.P2PID) {
	if err := s.peers.Deregister(id); err == nil {
		s.log.Debug("Peer deregistered", "peer", id)
	}
	if s.client != nil {
		s.client.dropPeer(id)
	}
}

// Peers returns the known heads of the registered peers.
func (s *Syncer) Peers() []*PeerInfo {
	return s.peers.Peers()
}

func (s *Syncer) syncBlocks() {
	forceSync := s.clock.Ticker(s.config.ForceSyncCycle)
	defer forceSync.Stop()
	statusTicker := s.clock.Ticker(s.config.StatusCycle)
	defer statusTicker.Stop()

	for {
		select {
		case <-s.downloadCh:
			s.downloader.post()
		case req := <-s.syncCh:
			s.downloader.request(req)
		case <-s.processCh.wait():
			if flow := s.processCh.take(); flow != nil {
				s.processor.post(flow)
			}
		case <-s.resultCh.wait():
			if result := s.resultCh.take(); result != nil {
				s.processed(result)
			}
		case <-forceSync.C:
			// 强制执行同步时，选择总难度最高的节点进行同步
			s.downloader.post()
		case <-statusTicker.C:
			s.broadcastStatus()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Syncer) processed(result *processResult) {
	if result.err != nil {
		s.log.Warn("Processing halted", "session", result.flow.ID, "peer", result.flow.Peer.ID, "err", result.err)
		return
	}
	if result.applied > 0 {
		s.log.Debug("Blocks applied", "session", result.flow.ID, "count", result.applied, "number", result.head.Number)
	}
}

func (s *Syncer) publish(status *SyncStatus) {
	if status.State.Terminal() {
		s.metrics.sessions.WithLabelValues(status.State.String()).Inc()
	}
	s.bus.Publish(StatusTopic, status)
	if status.State == StateConverged && s.messenger != nil {
		s.broadcastStatus()
		// the peer may have moved on during the session
		if best := s.downloader.BestPeer(); best != nil && best.TotalDifficulty > s.localTD() &&
			(best.ID != status.Peer || best.Number > status.Target) {
			s.Sync()
		}
	}
}

func (s *Syncer) localTD() uint64 {
	return s.downloader.localTD(s.chain.MasterHeadHeader())
}

// ==============messenger=============
func (s *Syncer) listen() {
	msgCh, eventCh := s.messenger.Messages(), s.messenger.PeerEvents()
	for msgCh != nil || eventCh != nil {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				msgCh = nil
				break
			}
			s.handleMsg(msg)
		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				break
			}
			if ev.Dropped {
				s.RemovePeer(ev.Peer)
				break
			}
			s.sendStatus(ev.Peer)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Syncer) handleMsg(msg *models.P2PMessage) {
	if msg.Type == StatusMsg {
		s.handleStatus(msg)
		return
	}
	if s.client.handle(msg) || s.server.handle(msg) {
		return
	}
	s.log.Debug("unknown message", "peer", msg.Peer, "type", msg.Type)
}

func (s *Syncer) handleStatus(msg *models.P2PMessage) {
	var status statusPacket
	if err := codec.Coder().Decode(msg.Data, &status); err != nil {
		s.log.Warn("status decode err", "peer", msg.Peer, "err", err)
		return
	}
	if genesis := s.chain.GetHeaderByNumber(0); genesis == nil || genesis.ID() != status.Genesis {
		s.log.Warn("Peer is on another network", "peer", msg.Peer, "genesis", status.Genesis)
		return
	}
	s.AddPeer(PeerInfo{
		ID:              msg.Peer,
		HeadID:          status.Head,
		Number:          status.Number,
		TotalDifficulty: status.TotalDifficulty,
	})
}

func (s *Syncer) localStatus() *statusPacket {
	head := s.chain.MasterHeadHeader()
	status := &statusPacket{
		Head:            head.ID(),
		Number:          head.Number,
		TotalDifficulty: s.localTD(),
	}
	if genesis := s.chain.GetHeaderByNumber(0); genesis != nil {
		status.Genesis = genesis.ID()
	}
	return status
}

func (s *Syncer) sendStatus(peer models.P2PID) {
	data, err := codec.Coder().Encode(s.localStatus())
	if err != nil {
		s.log.Error("status codec.Encode err", "err", err)
		return
	}
	err = s.messenger.Send(peer, &models.P2PMessage{
		Type: StatusMsg,
		Peer: s.messenger.ID(),
		Data: data,
	})
	if err != nil {
		s.log.Debug("send status failed", "peer", peer, "err", err)
	}
}

// broadcastStatus 向所有已知节点广播本地链头
func (s *Syncer) broadcastStatus() {
	if s.messenger == nil {
		return
	}
	for _, p := range s.peers.Peers() {
		s.sendStatus(p.ID)
	}
}
