// Package syncer
//
// @author: xwc1125
package syncer

import (
	"github.com/chain5j/chain5j-pkg/codec"
	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/p2p"
	"github.com/chain5j/logger"
)

const (
	softResponseLimit = 2 * 1024 * 1024 // Target maximum size of returned blocks, headers or infos.
	estHeaderSize     = 500             // Approximate size of an encoded block header
	estInfoSize       = 64              // Approximate size of an encoded block info
)

const (
	StatusMsg          = 0x00
	GetBlockHeadersMsg = 0x03
	BlockHeadersMsg    = 0x04
	GetBlockBodiesMsg  = 0x05
	BlockBodiesMsg     = 0x06
	GetBlockInfosMsg   = 0x11
	BlockInfosMsg      = 0x12
)

var (
	MaxHeaderFetch = 192 // Amount of block headers to be fetched per retrieval request
	MaxBodyFetch   = 192 // Amount of block bodies to be fetched per retrieval request
	MaxInfoFetch   = 384 // Amount of block infos to be fetched per retrieval request
)

// ==============packets=============
type statusPacket struct {
	Genesis         types.Hash
	Head            types.Hash
	Number          uint64
	TotalDifficulty uint64
}

type getBlockHeadersPacket struct {
	ReqID uint64
	Query GetBlockHeaders
}

type blockHeadersPacket struct {
	ReqID   uint64
	Headers []*block.Header
}

// getBlockDataPacket requests bodies or infos by block id.
type getBlockDataPacket struct {
	ReqID  uint64
	Hashes []types.Hash
}

type blockBodiesPacket struct {
	ReqID  uint64
	Bodies []*block.Body
}

type blockInfosPacket struct {
	ReqID uint64
	Infos []*block.Info
}

// server answers peers' block requests from the local chain.
type server struct {
	log       logger.Logger
	chain     Chain
	messenger p2p.Messenger
}

func newServer(chain Chain, messenger p2p.Messenger) *server {
	return &server{
		log:       logger.New("syncer.server"),
		chain:     chain,
		messenger: messenger,
	}
}

// handle serves msg if it is a request and reports whether it was one.
func (s *server) handle(msg *models.P2PMessage) bool {
	switch msg.Type {
	case GetBlockHeadersMsg:
		var req getBlockHeadersPacket
		if err := codec.Coder().Decode(msg.Data, &req); err != nil {
			s.log.Warn("getBlockHeaders decode err", "peer", msg.Peer, "err", err)
			return true
		}
		headers := s.BlockHeaders(req.Query)
		s.reply(msg.Peer, &models.P2PMessage{Type: BlockHeadersMsg}, &blockHeadersPacket{ReqID: req.ReqID, Headers: headers})
	case GetBlockBodiesMsg:
		var req getBlockDataPacket
		if err := codec.Coder().Decode(msg.Data, &req); err != nil {
			s.log.Warn("getBlockBodies decode err", "peer", msg.Peer, "err", err)
			return true
		}
		bodies := s.BlockBodies(req.Hashes)
		s.reply(msg.Peer, &models.P2PMessage{Type: BlockBodiesMsg}, &blockBodiesPacket{ReqID: req.ReqID, Bodies: bodies})
	case GetBlockInfosMsg:
		var req getBlockDataPacket
		if err := codec.Coder().Decode(msg.Data, &req); err != nil {
			s.log.Warn("getBlockInfos decode err", "peer", msg.Peer, "err", err)
			return true
		}
		infos := s.BlockInfos(req.Hashes)
		s.reply(msg.Peer, &models.P2PMessage{Type: BlockInfosMsg}, &blockInfosPacket{ReqID: req.ReqID, Infos: infos})
	default:
		return false
	}
	return true
}

func (s *server) reply(peer models.P2PID, msg *models.P2PMessage, packet interface{}) {
	data, err := codec.Coder().Encode(packet)
	if err != nil {
		s.log.Error("response codec.Encode err", "type", msg.Type, "err", err)
		return
	}
	msg.Peer = s.messenger.ID()
	msg.Data = data
	if err := s.messenger.Send(peer, msg); err != nil {
		s.log.Debug("send response failed", "peer", peer, "type", msg.Type, "err", err)
	}
}

// BlockHeaders 查询满足条件的BlockHeader。
// Hash origins return the headers after the origin, number origins start at it.
func (s *server) BlockHeaders(query GetBlockHeaders) []*block.Header {
	var (
		bytes   int
		headers []*block.Header
		current *block.Header
	)
	if query.Origin.Hash != (types.Hash{}) {
		origin := s.chain.GetHeaderByID(query.Origin.Hash)
		if origin == nil {
			return nil
		}
		current = s.next(origin, query.Reverse)
	} else {
		current = s.chain.GetHeaderByNumber(query.Origin.Number)
	}
	for current != nil && uint64(len(headers)) < query.Amount && len(headers) < MaxHeaderFetch && bytes < softResponseLimit {
		headers = append(headers, current)
		bytes += estHeaderSize
		current = s.next(current, query.Reverse)
	}
	return headers
}

// next steps towards genesis through the parent, or towards the head through
// the canonical child of h. A header off the canonical chain has no next one.
func (s *server) next(h *block.Header, reverse bool) *block.Header {
	if reverse {
		if h.Number == 0 {
			return nil
		}
		return s.chain.GetHeaderByID(h.ParentID)
	}
	child := s.chain.GetHeaderByNumber(h.Number + 1)
	if child == nil || child.ParentID != h.ID() {
		return nil
	}
	return child
}

// BlockBodies returns the bodies of ids, stopping at the first unknown one.
func (s *server) BlockBodies(ids []types.Hash) []*block.Body {
	var (
		bytes  int
		bodies []*block.Body
	)
	for _, id := range ids {
		if len(bodies) >= MaxBodyFetch || bytes >= softResponseLimit {
			break
		}
		body := s.chain.GetBody(id)
		if body == nil {
			break
		}
		bodies = append(bodies, body)
		for _, tx := range body.Transactions {
			bytes += len(tx)
		}
	}
	return bodies
}

// BlockInfos returns the infos of ids, stopping at the first unknown one.
func (s *server) BlockInfos(ids []types.Hash) []*block.Info {
	var infos []*block.Info
	for _, id := range ids {
		if len(infos) >= MaxInfoFetch || len(infos)*estInfoSize >= softResponseLimit {
			break
		}
		info := s.chain.GetInfo(id)
		if info == nil {
			break
		}
		infos = append(infos, info)
	}
	return infos
}
