package syncer

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rejectingEngine accepts every header except the one at number reject.
type rejectingEngine struct {
	*consensus.Dummy
	reject uint64
}

func (e *rejectingEngine) VerifyHeader(config *consensus.Config, reader consensus.ChainReader, header *block.Header) error {
	if header.Number == e.reject {
		return errors.Wrap(consensus.ErrInvalidHeader, "rejected")
	}
	return nil
}

func newSessionFlow(local Chain, peer PeerInfo) *SyncFlow {
	flow := newSyncFlow(1, peer, time.Hour, clock.New())
	flow.setAncestor(local.MasterHeadHeader())
	return flow
}

func poolBlocks(flow *SyncFlow, blocks []*block.Block, numbers ...uint64) {
	for _, n := range numbers {
		b := blocks[n-1]
		flow.pool.Insert(flow.Peer.ID, b.Number(), b)
	}
}

func TestProcessAppliesInHeightOrder(t *testing.T) {
	remote := newTestChain(t, "test")
	blocks := mineBlocks(t, remote, "a", 6)
	local := &recordingChain{BlockChain: newTestChain(t, "test")}
	_, p := newTestDownloader(local, newTestNetwork(), testConfig())

	flow := newSessionFlow(local, PeerInfo{ID: "a"})
	poolBlocks(flow, blocks, 4, 2, 6, 1, 5, 3, 2)

	result := p.Process(flow)
	require.NoError(t, result.err)
	assert.Equal(t, 6, result.applied)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, local.Connected())
	assert.Empty(t, local.outOfLine)
	assert.Equal(t, blocks[5].ID(), local.MasterHeadHeader().ID())
	assert.Zero(t, flow.pool.Size())
}

func TestProcessDefersOnGap(t *testing.T) {
	remote := newTestChain(t, "test")
	blocks := mineBlocks(t, remote, "a", 5)
	local := &recordingChain{BlockChain: newTestChain(t, "test")}
	_, p := newTestDownloader(local, newTestNetwork(), testConfig())

	flow := newSessionFlow(local, PeerInfo{ID: "a"})
	poolBlocks(flow, blocks, 1, 2, 4, 5)

	result := p.Process(flow)
	assert.Equal(t, 2, result.applied)
	assert.EqualValues(t, 2, local.MasterHeadHeader().Number)
	assert.Equal(t, 2, flow.pool.Size(), "blocks past the gap wait")

	poolBlocks(flow, blocks, 3)
	result = p.Process(flow)
	assert.Equal(t, 3, result.applied)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, local.Connected())
	assert.Empty(t, local.outOfLine)
}

func TestProcessHaltsOnVerificationFailure(t *testing.T) {
	remote := newTestChain(t, "test")
	blocks := mineBlocks(t, remote, "a", 5)
	local := newTestChain(t, "test")
	p := newProcessor(local, &rejectingEngine{Dummy: consensus.NewDummy(), reject: 3}, consensus.DefaultConfig(), clock.New(), newMetrics(prometheus.NewRegistry()))

	flow := newSessionFlow(local, PeerInfo{ID: "a"})
	poolBlocks(flow, blocks, 1, 2, 3, 4, 5)
	flow.pool.Insert("b", 3, blocks[2])

	result := p.Process(flow)
	assert.ErrorIs(t, result.err, ErrVerificationFailed)
	assert.ErrorIs(t, flow.Err(), ErrVerificationFailed)
	assert.Contains(t, result.err.Error(), "a")
	assert.Contains(t, result.err.Error(), "b")
	assert.EqualValues(t, 2, local.MasterHeadHeader().Number)
	assert.Equal(t, 2, flow.pool.Size(), "blocks after the bad one are not applied")

	// a halted session stays halted
	result = p.Process(flow)
	assert.Zero(t, result.applied)
	assert.EqualValues(t, 2, local.MasterHeadHeader().Number)
}

func TestProcessSkipsKnownBlocks(t *testing.T) {
	remote, base := forkedChains(t, 3, 2, 0)
	local := &recordingChain{BlockChain: base}
	_, p := newTestDownloader(local, newTestNetwork(), testConfig())

	flow := newSyncFlow(1, PeerInfo{ID: "a"}, time.Hour, clock.New())
	flow.setAncestor(base.GetHeaderByNumber(1))
	for n := uint64(2); n <= 5; n++ {
		b := blockOf(remote, remote.GetHeaderByNumber(n).ID())
		flow.pool.Insert("a", n, b)
	}

	result := p.Process(flow)
	require.NoError(t, result.err)
	assert.Equal(t, 2, result.applied)
	assert.Equal(t, []uint64{4, 5}, local.Connected())
	assert.EqualValues(t, 5, flow.Cursor().Number)
	assert.Equal(t, remote.MasterHeadHeader().ID(), base.MasterHeadHeader().ID())
}

func TestProcessDropsOffBranchBlocks(t *testing.T) {
	remote := newTestChain(t, "test")
	blocks := mineBlocks(t, remote, "a", 3)
	sibling := newTestChain(t, "test")
	siblings := mineBlocks(t, sibling, "s", 2)
	local := newTestChain(t, "test")
	_, p := newTestDownloader(local, newTestNetwork(), testConfig())

	flow := newSessionFlow(local, PeerInfo{ID: "a"})
	poolBlocks(flow, blocks, 1, 2, 3)
	flow.pool.Insert("a", 2, siblings[1])

	result := p.Process(flow)
	require.NoError(t, result.err)
	assert.Equal(t, 3, result.applied)
	assert.Equal(t, blocks[2].ID(), local.MasterHeadHeader().ID())
	assert.Nil(t, local.GetHeaderByID(siblings[1].ID()))
}

func TestProcessEvictsExpiredBlocks(t *testing.T) {
	remote := newTestChain(t, "test")
	blocks := mineBlocks(t, remote, "a", 3)
	local := newTestChain(t, "test")
	mock := clock.NewMock()
	m := newMetrics(prometheus.NewRegistry())
	p := newProcessor(local, consensus.NewDummy(), consensus.DefaultConfig(), mock, m)

	flow := newSyncFlow(1, PeerInfo{ID: "a"}, time.Hour, mock)
	flow.setAncestor(local.MasterHeadHeader())
	poolBlocks(flow, blocks, 3)
	mock.Add(time.Hour)

	result := p.Process(flow)
	assert.Zero(t, result.applied)
	assert.Zero(t, flow.pool.Size())
}
