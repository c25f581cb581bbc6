// Package p2p
//
// @author: xwc1125
package p2p

import (
	"sync"

	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/logger"
)

const defaultInboxSize = 4096

// Filter decides whether a message from -> to is delivered.
type Filter func(from, to models.P2PID, msg *models.P2PMessage) bool

type link struct {
	a, b models.P2PID
}

func newLink(a, b models.P2PID) link {
	if b < a {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// Hub is an in-memory network. Endpoints joined to the hub exchange messages
// over explicit links; delivery never blocks and drops on a full inbox.
type Hub struct {
	log       logger.Logger
	mu        sync.RWMutex
	endpoints map[models.P2PID]*Endpoint
	links     map[link]struct{}
	filter    Filter
}

func NewHub() *Hub {
	return &Hub{
		log:       logger.New("hub"),
		endpoints: make(map[models.P2PID]*Endpoint),
		links:     make(map[link]struct{}),
	}
}

// Join creates the endpoint of id. Joining twice returns the same endpoint.
func (h *Hub) Join(id models.P2PID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.endpoints[id]; ok {
		return e
	}
	e := &Endpoint{
		id:      id,
		hub:     h,
		msgCh:   make(chan *models.P2PMessage, defaultInboxSize),
		eventCh: make(chan PeerEvent, defaultInboxSize),
	}
	h.endpoints[id] = e
	return e
}

// SetFilter installs f for every following delivery. A nil filter delivers all.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Connect links a and b and notifies both sides.
func (h *Hub) Connect(a, b models.P2PID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ea, eb := h.endpoints[a], h.endpoints[b]
	if ea == nil || eb == nil || a == b {
		return ErrNotConnected
	}
	l := newLink(a, b)
	if _, ok := h.links[l]; ok {
		return nil
	}
	h.links[l] = struct{}{}
	ea.event(PeerEvent{Peer: b})
	eb.event(PeerEvent{Peer: a})
	h.log.Debug("peers connected", "a", a, "b", b)
	return nil
}

func (h *Hub) Disconnect(a, b models.P2PID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnect(a, b)
}

func (h *Hub) disconnect(a, b models.P2PID) {
	l := newLink(a, b)
	if _, ok := h.links[l]; !ok {
		return
	}
	delete(h.links, l)
	if e := h.endpoints[a]; e != nil {
		e.event(PeerEvent{Peer: b, Dropped: true})
	}
	if e := h.endpoints[b]; e != nil {
		e.event(PeerEvent{Peer: a, Dropped: true})
	}
	h.log.Debug("peers disconnected", "a", a, "b", b)
}

func (h *Hub) deliver(src *Endpoint, to models.P2PID, msg *models.P2PMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if src.closed {
		return ErrClosed
	}
	from := src.id
	if _, ok := h.links[newLink(from, to)]; !ok {
		return ErrNotConnected
	}
	target := h.endpoints[to]
	if target == nil || target.closed {
		return ErrNotConnected
	}
	if h.filter != nil && !h.filter(from, to, msg) {
		return nil
	}
	cpy := &models.P2PMessage{
		Type: msg.Type,
		Peer: from,
		Data: append([]byte(nil), msg.Data...),
	}
	select {
	case target.msgCh <- cpy:
	default:
		h.log.Warn("inbox full, message dropped", "from", from, "to", to, "type", msg.Type)
	}
	return nil
}

func (h *Hub) peers(id models.P2PID) []models.P2PID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var peers []models.P2PID
	for l := range h.links {
		switch id {
		case l.a:
			peers = append(peers, l.b)
		case l.b:
			peers = append(peers, l.a)
		}
	}
	return peers
}

func (h *Hub) leave(id models.P2PID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.endpoints[id]
	if e == nil || e.closed {
		return
	}
	for l := range h.links {
		if l.a == id || l.b == id {
			h.disconnect(l.a, l.b)
		}
	}
	e.closed = true
	close(e.msgCh)
	close(e.eventCh)
	delete(h.endpoints, id)
}

var _ Messenger = new(Endpoint)

// Endpoint is one node's view of the hub.
type Endpoint struct {
	id      models.P2PID
	hub     *Hub
	msgCh   chan *models.P2PMessage
	eventCh chan PeerEvent
	closed  bool // guarded by hub.mu
}

func (e *Endpoint) ID() models.P2PID {
	return e.id
}

func (e *Endpoint) Send(peer models.P2PID, msg *models.P2PMessage) error {
	return e.hub.deliver(e, peer, msg)
}

func (e *Endpoint) Messages() <-chan *models.P2PMessage {
	return e.msgCh
}

func (e *Endpoint) PeerEvents() <-chan PeerEvent {
	return e.eventCh
}

// Peers returns the ids currently linked to e.
func (e *Endpoint) Peers() []models.P2PID {
	return e.hub.peers(e.id)
}

// Close leaves the hub, dropping every link and closing both channels.
func (e *Endpoint) Close() {
	e.hub.leave(e.id)
}

// event must be called with hub.mu held.
func (e *Endpoint) event(ev PeerEvent) {
	if e.closed {
		return
	}
	select {
	case e.eventCh <- ev:
	default:
	}
}
