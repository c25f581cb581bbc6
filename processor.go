// Package syncer
//
// @author: xwc1125
package syncer

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/chain"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
)

// Processor is the only writer of the chain during synchronization. It drains
// a session pool in height order, verifying and connecting one block at a
// time.
type Processor struct {
	log     logger.Logger
	mu      sync.Mutex
	chain   Chain
	engine  consensus.Consensus
	config  *consensus.Config
	clock   clock.Clock
	metrics *metrics

	box    *mailbox[SyncFlow]
	report func(result *processResult)
}

func newProcessor(chain Chain, engine consensus.Consensus, config *consensus.Config, clk clock.Clock, m *metrics) *Processor {
	return &Processor{
		log:     logger.New("syncer.processor"),
		chain:   chain,
		engine:  engine,
		config:  config,
		clock:   clk,
		metrics: m,
		box:     newMailbox[SyncFlow](),
	}
}

// post asks the processor actor to drain flow.
func (p *Processor) post(flow *SyncFlow) {
	p.box.post(flow)
}

func (p *Processor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.box.wait():
			flow := p.box.take()
			if flow == nil {
				continue
			}
			result := p.Process(flow)
			if p.report != nil {
				p.report(result)
			}
		}
	}
}

// Process applies every pooled block that connects to the session cursor.
// It stops at a gap and waits for the next call; a block that fails
// verification halts the session.
func (p *Processor) Process(flow *SyncFlow) *processResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer flow.notify()

	result := &processResult{flow: flow}
	for flow.Err() == nil {
		cursor := flow.Cursor()
		if cursor == nil {
			break
		}
		entry, ok := flow.pool.PopMinIf(cursor.Number + 1)
		if !ok {
			break
		}
		b, number := entry.Data, entry.BlockNumber
		if number <= cursor.Number {
			p.log.Debug("Dropped stale block", "number", number, "cursor", cursor.Number)
			continue
		}
		if b.Header.ParentID != cursor.ID() {
			p.log.Debug("Discarded block off the session branch", "number", number, "id", b.ID())
			continue
		}
		connected, err := p.apply(b)
		if err != nil {
			err = errors.Wrapf(ErrVerificationFailed, "block %d (%x) from %v: %v", number, b.ID(), entry.PeerIDs(), err)
			p.log.Warn("Block rejected", "number", number, "peers", entry.PeerIDs(), "err", err)
			flow.fail(err)
			result.err = err
			break
		}
		flow.advance(b.Header, connected)
		if connected {
			result.applied++
			p.metrics.appliedBlocks.Inc()
		}
	}
	if expired := flow.pool.GC(p.clock.Now()); len(expired) > 0 {
		p.log.Debug("Evicted expired blocks", "count", len(expired))
	}

	result.head = p.chain.MasterHeadHeader()
	p.metrics.poolSize.Set(float64(flow.pool.Size()))
	p.metrics.localHeight.Set(float64(result.head.Number))
	return result
}

// apply verifies b and connects it. A block the chain already has is not an
// error; connected reports whether the chain changed.
func (p *Processor) apply(b *block.Block) (connected bool, err error) {
	if err := p.engine.VerifyHeader(p.config, p.chain, b.Header); err != nil {
		return false, err
	}
	switch err := p.chain.TryConnect(b); {
	case errors.Is(err, chain.ErrBlockKnown):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}
