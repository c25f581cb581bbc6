// Package syncer
//
// @author: xwc1125
package syncer

import (
	"fmt"

	"github.com/asaskevich/EventBus"
	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/chain5j/chain5j-sync/p2p"
	"github.com/prometheus/client_golang/prometheus"
)

type option func(f *Syncer) error

func apply(f *Syncer, opts ...option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(f); err != nil {
			return fmt.Errorf("option apply err:%v", err)
		}
	}
	return nil
}

func WithChain(chain Chain) option {
	return func(f *Syncer) error {
		f.chain = chain
		return nil
	}
}

func WithConsensus(engine consensus.Consensus, config *consensus.Config) option {
	return func(f *Syncer) error {
		if engine == nil {
			return fmt.Errorf("consensus engine is nil")
		}
		f.engine = engine
		if config != nil {
			f.consensusConfig = config
		}
		return nil
	}
}

// WithMessenger runs the syncer over messenger: it answers peers' requests,
// exchanges status and, unless WithNetwork is given, fetches through it.
func WithMessenger(messenger p2p.Messenger) option {
	return func(f *Syncer) error {
		f.messenger = messenger
		return nil
	}
}

func WithNetwork(network Network) option {
	return func(f *Syncer) error {
		f.network = network
		return nil
	}
}

func WithConfig(config *Config) option {
	return func(f *Syncer) error {
		if err := config.Validate(); err != nil {
			return err
		}
		f.config = config
		return nil
	}
}

func WithClock(clk clock.Clock) option {
	return func(f *Syncer) error {
		f.clock = clk
		return nil
	}
}

func WithMetrics(reg prometheus.Registerer) option {
	return func(f *Syncer) error {
		f.registry = reg
		return nil
	}
}

func WithEventBus(bus EventBus.Bus) option {
	return func(f *Syncer) error {
		f.bus = bus
		return nil
	}
}
