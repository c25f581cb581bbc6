package syncer

import (
	"testing"
	"time"

	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addPeer(t *testing.T, ps *peerSet, id models.P2PID, number, td uint64) *peer {
	t.Helper()
	p := newPeer(id)
	require.NoError(t, ps.Register(p))
	p.SetHead(types.Hash{byte(number)}, number, td)
	return p
}

func TestBestPeer(t *testing.T) {
	now := time.Now()
	ps := newPeerSet()
	assert.Nil(t, ps.BestPeer(now))

	addPeer(t, ps, "a", 10, 100)
	addPeer(t, ps, "b", 20, 90)
	best := ps.BestPeer(now)
	require.NotNil(t, best)
	assert.Equal(t, models.P2PID("a"), best.ID, "total difficulty first")

	addPeer(t, ps, "c", 12, 100)
	assert.Equal(t, models.P2PID("c"), ps.BestPeer(now).ID, "then number")

	addPeer(t, ps, "0", 12, 100)
	assert.Equal(t, models.P2PID("0"), ps.BestPeer(now).ID, "then the lower id")
}

func TestBestPeerSkipsIncompatible(t *testing.T) {
	now := time.Now()
	ps := newPeerSet()
	addPeer(t, ps, "a", 10, 100)
	addPeer(t, ps, "b", 5, 50)

	ps.MarkIncompatible("a", now.Add(time.Minute))
	assert.Equal(t, models.P2PID("b"), ps.BestPeer(now).ID)
	assert.Equal(t, models.P2PID("a"), ps.BestPeer(now.Add(time.Minute)).ID)

	ps.MarkIncompatible("b", now.Add(time.Minute))
	assert.Nil(t, ps.BestPeer(now))
}

func TestPeerSetHeadIgnoresLighterHead(t *testing.T) {
	p := newPeer("a")
	assert.True(t, p.SetHead(types.Hash{1}, 10, 100))
	assert.False(t, p.SetHead(types.Hash{2}, 11, 99))
	hash, number := p.Head()
	assert.Equal(t, types.Hash{1}, hash)
	assert.EqualValues(t, 10, number)

	assert.True(t, p.SetHead(types.Hash{3}, 9, 100))
	assert.EqualValues(t, 100, p.Info().TotalDifficulty)
}

func TestPeerSetRegistration(t *testing.T) {
	ps := newPeerSet()
	p := addPeer(t, ps, "a", 1, 1)
	assert.ErrorIs(t, ps.Register(newPeer("a")), errAlreadyRegistered)
	assert.True(t, ps.IsExist("a"))
	assert.Len(t, ps.Peers(), 1)

	require.NoError(t, ps.Deregister("a"))
	assert.ErrorIs(t, ps.Deregister("a"), errNotRegistered)
	assert.False(t, ps.IsExist("a"))
	select {
	case <-p.closed():
	default:
		t.Fatal("deregistered peer not closed")
	}
}

func TestPeerSetClose(t *testing.T) {
	ps := newPeerSet()
	a := addPeer(t, ps, "a", 1, 1)
	b := addPeer(t, ps, "b", 1, 1)

	ps.Close()
	assert.Zero(t, ps.Len())
	assert.ErrorIs(t, ps.Register(newPeer("c")), errClosed)
	for _, p := range []*peer{a, b} {
		select {
		case <-p.closed():
		default:
			t.Fatalf("peer %s not closed", p.P2PID)
		}
	}
}
