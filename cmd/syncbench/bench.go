// Package main
//
// @author: xwc1125
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chain5j/chain5j-protocol/models"
	syncer "github.com/chain5j/chain5j-sync"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/chain5j-sync/chain"
	"github.com/chain5j/chain5j-sync/consensus"
	"github.com/chain5j/chain5j-sync/p2p"
	"github.com/chain5j/chain5j-sync/storage"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	benchNetwork = "syncbench"
	cacheWindow  = time.Hour
)

var log logger.Logger

type node struct {
	id       models.P2PID
	chain    *chain.BlockChain
	syncer   *syncer.Syncer
	registry *prometheus.Registry
	db       *storage.DBRepository
	cache    *storage.CacheRepository
}

func openNode(ctx context.Context, hub *p2p.Hub, id models.P2PID, engine consensus.Consensus, cfg *syncer.Config) (*node, error) {
	db, err := storage.OpenDB(viper.GetString("db-backend"), fmt.Sprintf("%s-%s", benchNetwork, id), viper.GetString("db-dir"))
	if err != nil {
		return nil, err
	}
	cache, err := storage.NewCacheRepository(ctx, cacheWindow)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	n := &node{id: id, db: db, cache: cache, registry: prometheus.NewRegistry()}
	store, err := storage.New(cache, db)
	if err != nil {
		n.close()
		return nil, err
	}
	n.chain, err = chain.New(store, engine, consensus.DefaultConfig(), block.Genesis(benchNetwork, 1))
	if err != nil {
		n.close()
		return nil, err
	}
	n.syncer, err = syncer.NewSyncer(ctx,
		syncer.WithChain(n.chain),
		syncer.WithConsensus(engine, consensus.DefaultConfig()),
		syncer.WithMessenger(hub.Join(id)),
		syncer.WithConfig(cfg),
		syncer.WithMetrics(n.registry),
	)
	if err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) close() {
	if n.syncer != nil {
		_ = n.syncer.Stop()
	}
	if err := n.cache.Close(); err != nil {
		log.Warn("close cache", "node", n.id, "err", err)
	}
	if err := n.db.Close(); err != nil {
		log.Warn("close db", "node", n.id, "err", err)
	}
}

// counter reads a counter of the node's registry, summed over its labels.
func (n *node) counter(name string) float64 {
	families, err := n.registry.Gather()
	if err != nil {
		return 0
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func syncConfig() (*syncer.Config, error) {
	cfg := syncer.DefaultConfig()
	if sub := viper.Sub("sync"); sub != nil {
		if err := sub.Unmarshal(cfg); err != nil {
			return nil, errors.Wrap(err, "decode sync config")
		}
	}
	return cfg, cfg.Validate()
}

func runBench(cmd *cobra.Command, _ []string) error {
	cfg, err := syncConfig()
	if err != nil {
		return err
	}
	engine, err := consensus.New(viper.GetString("consensus"))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	hub := p2p.NewHub()
	source, err := openNode(ctx, hub, "source", engine, cfg)
	if err != nil {
		return err
	}
	defer source.close()
	target, err := openNode(ctx, hub, "target", engine, cfg)
	if err != nil {
		return err
	}
	defer target.close()

	blocks := viper.GetInt("blocks")
	start := time.Now()
	for i := 0; i < blocks; i++ {
		if _, err := source.chain.MineBlock(ctx, "source", [][]byte{[]byte(fmt.Sprintf("tx-%d", i))}); err != nil {
			return errors.Wrapf(err, "mine block %d", i)
		}
	}
	cmd.Printf("mined %d blocks with %s in %s\n", blocks, engine.Name(), time.Since(start).Round(time.Millisecond))

	statusCh := make(chan *syncer.SyncStatus, 64)
	onStatus := func(status *syncer.SyncStatus) {
		select {
		case statusCh <- status:
		default:
		}
	}
	if err := target.syncer.SubscribeStatus(onStatus); err != nil {
		return err
	}
	defer target.syncer.UnsubscribeStatus(onStatus)

	if err := source.syncer.Start(); err != nil {
		return err
	}
	if err := target.syncer.Start(); err != nil {
		return err
	}
	start = time.Now()
	if err := hub.Connect(source.id, target.id); err != nil {
		return err
	}

	timeout := viper.GetDuration("round-timeout")
	if timeout <= 0 {
		timeout = cfg.ApplyTimeout
	}
	rounds := viper.GetInt("rounds")
	for round := 1; round <= rounds; round++ {
		err := waitRound(ctx, statusCh, timeout)
		if err == nil && source.chain.MasterHeadHeader().ID() == target.chain.MasterHeadHeader().ID() {
			elapsed := time.Since(start)
			head := target.chain.MasterHeadHeader()
			applied := target.counter("chain5j_sync_applied_blocks_total")
			cmd.Printf("synced to #%d (%x) in %s after %d round(s), %.0f blocks applied, %.1f blocks/s\n",
				head.Number, head.ID(), elapsed.Round(time.Millisecond), round, applied, applied/elapsed.Seconds())
			return nil
		}
		log.Warn("sync round did not converge", "round", round, "err", err)
		target.syncer.Sync()
	}
	return errors.Errorf("target did not converge in %d rounds: local=%d, source=%d",
		rounds, target.chain.MasterHeadHeader().Number, source.chain.MasterHeadHeader().Number)
}

// waitRound waits for the next session of the target to end.
func waitRound(ctx context.Context, statusCh <-chan *syncer.SyncStatus, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case status := <-statusCh:
			switch status.State {
			case syncer.StateConverged:
				return nil
			case syncer.StateFailed:
				return status.Err
			}
		case <-timer.C:
			return errors.New("round timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
