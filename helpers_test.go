package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/chain"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/chain5j/chain5j-sync/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T, network string) *chain.BlockChain {
	t.Helper()
	db, err := storage.OpenDB("memdb", "chain", "")
	require.NoError(t, err)
	bc, err := chain.New(db, consensus.NewDummy(), consensus.DefaultConfig(), block.Genesis(network, 1))
	require.NoError(t, err)
	return bc
}

func mineBlocks(t *testing.T, bc *chain.BlockChain, author string, n int) []*block.Block {
	t.Helper()
	blocks := make([]*block.Block, 0, n)
	for i := 0; i < n; i++ {
		b, err := bc.MineBlock(context.Background(), author, [][]byte{[]byte(fmt.Sprintf("%s-%d", author, i))})
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	return blocks
}

// forkedChains returns two chains sharing common blocks after genesis, then
// extended by aOnly and bOnly blocks of their own.
func forkedChains(t *testing.T, common, aOnly, bOnly int) (a, b *chain.BlockChain) {
	t.Helper()
	a, b = newTestChain(t, "test"), newTestChain(t, "test")
	for _, blk := range mineBlocks(t, a, "common", common) {
		require.NoError(t, b.TryConnect(blk))
	}
	mineBlocks(t, a, "a", aOnly)
	mineBlocks(t, b, "b", bOnly)
	return a, b
}

func blockOf(bc *chain.BlockChain, id types.Hash) *block.Block {
	return &block.Block{Header: bc.GetHeaderByID(id), Body: bc.GetBody(id), Info: bc.GetInfo(id)}
}

func headInfo(bc *chain.BlockChain) PeerInfo {
	head := bc.MasterHeadHeader()
	return PeerInfo{HeadID: head.ID(), Number: head.Number, TotalDifficulty: bc.MasterHeadInfo().TotalDifficulty}
}

func registerPeer(t *testing.T, peers *peerSet, id models.P2PID, bc *chain.BlockChain) {
	t.Helper()
	p := peers.Peer(id)
	if p == nil {
		p = newPeer(id)
		require.NoError(t, peers.Register(p))
	}
	info := headInfo(bc)
	p.SetHead(info.HeadID, info.Number, info.TotalDifficulty)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.RequestRetries = 2
	cfg.HeaderBatch = 8
	cfg.MaxPoolSize = 32
	cfg.ApplyTimeout = 2 * time.Second
	return cfg
}

// recordingChain records every block that changed the chain and flags those
// that did not sit exactly one above the head at the time.
type recordingChain struct {
	*chain.BlockChain
	mu        sync.Mutex
	connected []uint64
	outOfLine []uint64
}

func (c *recordingChain) TryConnect(b *block.Block) error {
	head := c.BlockChain.MasterHeadHeader()
	if err := c.BlockChain.TryConnect(b); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.Number() != head.Number+1 {
		c.outOfLine = append(c.outOfLine, b.Number())
	}
	c.connected = append(c.connected, b.Number())
	return nil
}

func (c *recordingChain) Connected() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.connected...)
}

// testNetwork serves peers' chains directly, with optional fault injection.
type testNetwork struct {
	mu     sync.Mutex
	chains map[models.P2PID]*chain.BlockChain
	calls  map[string]int
	// fault, if set, may fail the n-th call (from 1) of kind against peer.
	fault func(kind string, peer models.P2PID, n int) error
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		chains: make(map[models.P2PID]*chain.BlockChain),
		calls:  make(map[string]int),
	}
}

func (n *testNetwork) add(id models.P2PID, bc *chain.BlockChain) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chains[id] = bc
}

func (n *testNetwork) setFault(fault func(kind string, peer models.P2PID, n int) error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fault = fault
}

func (n *testNetwork) before(ctx context.Context, kind string, peer models.P2PID) (*server, error) {
	n.mu.Lock()
	n.calls[kind]++
	call, fault, bc := n.calls[kind], n.fault, n.chains[peer]
	n.mu.Unlock()

	if bc == nil {
		return nil, ErrFetch
	}
	if fault != nil {
		if err := fault(kind, peer, call); err != nil {
			if err == context.DeadlineExceeded {
				<-ctx.Done()
				return nil, ErrFetchTimeout
			}
			return nil, err
		}
	}
	return &server{chain: bc}, nil
}

func (n *testNetwork) GetHeaders(ctx context.Context, peer models.P2PID, req *GetBlockHeaders) ([]*block.Header, error) {
	kind := "headers"
	if req.Origin.Hash == (types.Hash{}) {
		kind = "ancestor"
	}
	srv, err := n.before(ctx, kind, peer)
	if err != nil {
		return nil, err
	}
	return srv.BlockHeaders(*req), nil
}

func (n *testNetwork) GetBodyByHash(ctx context.Context, peer models.P2PID, ids []types.Hash) ([]*block.Body, error) {
	srv, err := n.before(ctx, "bodies", peer)
	if err != nil {
		return nil, err
	}
	return srv.BlockBodies(ids), nil
}

func (n *testNetwork) GetInfoByHash(ctx context.Context, peer models.P2PID, ids []types.Hash) ([]*block.Info, error) {
	srv, err := n.before(ctx, "infos", peer)
	if err != nil {
		return nil, err
	}
	return srv.BlockInfos(ids), nil
}

func (n *testNetwork) Calls(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[kind]
}

// newTestDownloader wires a downloader to a processor that drains the session
// pool synchronously.
func newTestDownloader(local Chain, network Network, cfg *Config) (*Downloader, *Processor) {
	m := newMetrics(prometheus.NewRegistry())
	d := newDownloader(cfg, local, network, newPeerSet(), clock.New(), m)
	p := newProcessor(local, consensus.NewDummy(), consensus.DefaultConfig(), clock.New(), m)
	d.process = func(flow *SyncFlow) { p.Process(flow) }
	return d, p
}
