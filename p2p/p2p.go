// Package p2p
//
// @author: xwc1125
package p2p

import (
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/pkg/errors"
)

var (
	ErrNotConnected = errors.New("peer is not connected")
	ErrClosed       = errors.New("endpoint is closed")
)

// PeerEvent reports a peer joining or leaving the local node.
type PeerEvent struct {
	Peer    models.P2PID
	Dropped bool
}

// Messenger is the message transport the syncer runs on. Send must not block
// on the remote side; Messages carry the sender in P2PMessage.Peer.
type Messenger interface {
	ID() models.P2PID
	Send(peer models.P2PID, msg *models.P2PMessage) error
	Messages() <-chan *models.P2PMessage
	PeerEvents() <-chan PeerEvent
}
