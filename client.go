// Package syncer
//
// @author: xwc1125
package syncer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chain5j/chain5j-pkg/codec"
	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/p2p"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
)

var _ Network = new(client)

type response struct {
	packet interface{}
	err    error
}

type pendingRequest struct {
	peer  models.P2PID
	resCh chan response
}

// client implements Network over a messenger. Responses are matched to
// requests by (peer, request id).
type client struct {
	log       logger.Logger
	messenger p2p.Messenger

	reqID   uint64
	mu      sync.Mutex
	pending map[uint64]*pendingRequest
}

func newClient(messenger p2p.Messenger) *client {
	return &client{
		log:       logger.New("syncer.client"),
		messenger: messenger,
		pending:   make(map[uint64]*pendingRequest),
	}
}

func (c *client) GetHeaders(ctx context.Context, peer models.P2PID, req *GetBlockHeaders) ([]*block.Header, error) {
	c.log.Debug("Fetching batch of headers", "peer", peer, "count", req.Amount, "fromhash", req.Origin.Hash, "fromnum", req.Origin.Number, "reverse", req.Reverse)
	id := atomic.AddUint64(&c.reqID, 1)
	res, err := c.roundTrip(ctx, peer, id, &models.P2PMessage{Type: GetBlockHeadersMsg}, &getBlockHeadersPacket{ReqID: id, Query: *req})
	if err != nil {
		return nil, err
	}
	packet, ok := res.(*blockHeadersPacket)
	if !ok {
		return nil, errors.Wrapf(ErrFetch, "unexpected response %T", res)
	}
	return packet.Headers, nil
}

// ====================body==============
func (c *client) GetBodyByHash(ctx context.Context, peer models.P2PID, ids []types.Hash) ([]*block.Body, error) {
	c.log.Debug("Fetching batch of block bodies", "peer", peer, "count", len(ids))
	id := atomic.AddUint64(&c.reqID, 1)
	res, err := c.roundTrip(ctx, peer, id, &models.P2PMessage{Type: GetBlockBodiesMsg}, &getBlockDataPacket{ReqID: id, Hashes: ids})
	if err != nil {
		return nil, err
	}
	packet, ok := res.(*blockBodiesPacket)
	if !ok {
		return nil, errors.Wrapf(ErrFetch, "unexpected response %T", res)
	}
	return packet.Bodies, nil
}

func (c *client) GetInfoByHash(ctx context.Context, peer models.P2PID, ids []types.Hash) ([]*block.Info, error) {
	c.log.Debug("Fetching batch of block infos", "peer", peer, "count", len(ids))
	id := atomic.AddUint64(&c.reqID, 1)
	res, err := c.roundTrip(ctx, peer, id, &models.P2PMessage{Type: GetBlockInfosMsg}, &getBlockDataPacket{ReqID: id, Hashes: ids})
	if err != nil {
		return nil, err
	}
	packet, ok := res.(*blockInfosPacket)
	if !ok {
		return nil, errors.Wrapf(ErrFetch, "unexpected response %T", res)
	}
	return packet.Infos, nil
}

func (c *client) roundTrip(ctx context.Context, peer models.P2PID, id uint64, msg *models.P2PMessage, packet interface{}) (interface{}, error) {
	data, err := codec.Coder().Encode(packet)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	resCh := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = &pendingRequest{peer: peer, resCh: resCh}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg.Peer = c.messenger.ID()
	msg.Data = data
	if err := c.messenger.Send(peer, msg); err != nil {
		return nil, errors.Wrapf(ErrFetch, "send to %s: %v", peer, err)
	}
	select {
	case res := <-resCh:
		return res.packet, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrapf(ErrFetchTimeout, "peer=%s, reqId=%d", peer, id)
		}
		return nil, ctx.Err()
	}
}

// handle delivers msg to its pending request and reports whether msg was a
// response.
func (c *client) handle(msg *models.P2PMessage) bool {
	var (
		reqID  uint64
		packet interface{}
		err    error
	)
	switch msg.Type {
	case BlockHeadersMsg:
		p := new(blockHeadersPacket)
		err = codec.Coder().Decode(msg.Data, p)
		reqID, packet = p.ReqID, p
	case BlockBodiesMsg:
		p := new(blockBodiesPacket)
		err = codec.Coder().Decode(msg.Data, p)
		reqID, packet = p.ReqID, p
	case BlockInfosMsg:
		p := new(blockInfosPacket)
		err = codec.Coder().Decode(msg.Data, p)
		reqID, packet = p.ReqID, p
	default:
		return false
	}
	if err != nil {
		c.log.Warn("response decode err", "peer", msg.Peer, "type", msg.Type, "err", err)
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	req := c.pending[reqID]
	switch {
	case req == nil:
		c.log.Debug("unsolicited response", "peer", msg.Peer, "reqId", reqID)
	case req.peer != msg.Peer:
		c.log.Warn("response from unexpected peer", "peer", msg.Peer, "want", req.peer, "reqId", reqID)
	default:
		select {
		case req.resCh <- response{packet: packet}:
		default:
		}
	}
	return true
}

// dropPeer fails every request pending on peer.
func (c *client) dropPeer(peer models.P2PID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.pending {
		if req.peer != peer {
			continue
		}
		select {
		case req.resCh <- response{err: errors.Wrapf(ErrFetch, "peer %s dropped", peer)}:
		default:
		}
		delete(c.pending, id)
	}
}
