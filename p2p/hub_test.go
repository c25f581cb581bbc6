package p2p

import (
	"testing"

	"github.com/chain5j/chain5j-protocol/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")

	assert.ErrorIs(t, a.Send("b", &models.P2PMessage{Type: 1}), ErrNotConnected)

	require.NoError(t, hub.Connect("a", "b"))
	assert.Equal(t, PeerEvent{Peer: "b"}, <-a.PeerEvents())
	assert.Equal(t, PeerEvent{Peer: "a"}, <-b.PeerEvents())
	assert.Equal(t, []models.P2PID{"b"}, a.Peers())

	data := []byte{1, 2, 3}
	require.NoError(t, a.Send("b", &models.P2PMessage{Type: 7, Data: data}))
	data[0] = 9

	msg := <-b.Messages()
	assert.EqualValues(t, 7, msg.Type)
	assert.Equal(t, models.P2PID("a"), msg.Peer)
	assert.Equal(t, []byte{1, 2, 3}, msg.Data)
}

func TestHubFilterAndDisconnect(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	require.NoError(t, hub.Connect("a", "b"))

	hub.SetFilter(func(from, to models.P2PID, msg *models.P2PMessage) bool {
		return msg.Type != 2
	})
	require.NoError(t, a.Send("b", &models.P2PMessage{Type: 2}))
	require.NoError(t, a.Send("b", &models.P2PMessage{Type: 3}))
	msg := <-b.Messages()
	assert.EqualValues(t, 3, msg.Type)

	<-a.PeerEvents()
	<-b.PeerEvents()
	b.Close()
	assert.Equal(t, PeerEvent{Peer: "b", Dropped: true}, <-a.PeerEvents())
	assert.ErrorIs(t, a.Send("b", &models.P2PMessage{Type: 3}), ErrNotConnected)

	_, ok := <-b.Messages()
	assert.False(t, ok)
	assert.ErrorIs(t, b.Send("a", &models.P2PMessage{Type: 3}), ErrClosed)
}

func TestHubRejoinAfterClose(t *testing.T) {
	hub := NewHub()
	old := hub.Join("a")
	hub.Join("b")
	old.Close()

	a := hub.Join("a")
	require.NoError(t, hub.Connect("a", "b"))
	assert.ErrorIs(t, old.Send("b", &models.P2PMessage{Type: 1}), ErrClosed, "a closed endpoint stays closed")
	assert.NoError(t, a.Send("b", &models.P2PMessage{Type: 1}))
}
