// Package syncer
//
// @author: xwc1125
package syncer

import (
	"time"

	"github.com/pkg/errors"
)

const (
	forceSyncCycle = 10 * time.Second // 强制同步的间隔时间
	statusCycle    = 3 * time.Minute  // 重新广播本地链头的间隔时间
)

// Config tunes the synchronization engine.
type Config struct {
	ForceSyncCycle           time.Duration `mapstructure:"force_sync_cycle"`
	StatusCycle              time.Duration `mapstructure:"status_cycle"`
	RequestTimeout           time.Duration `mapstructure:"request_timeout"`
	RequestRetries           int           `mapstructure:"request_retries"`
	MaxAttempts              int           `mapstructure:"max_attempts"`
	HeaderBatch              int           `mapstructure:"header_batch"`
	MaxPoolSize              int           `mapstructure:"max_pool_size"`
	PoolTTL                  time.Duration `mapstructure:"pool_ttl"`
	ApplyTimeout             time.Duration `mapstructure:"apply_timeout"`
	FullScan                 bool          `mapstructure:"full_scan"`
	IncompatiblePeerCooldown time.Duration `mapstructure:"incompatible_peer_cooldown"`
}

func DefaultConfig() *Config {
	return &Config{
		ForceSyncCycle:           forceSyncCycle,
		StatusCycle:              statusCycle,
		RequestTimeout:           5 * time.Second,
		RequestRetries:           3,
		MaxAttempts:              3,
		HeaderBatch:              MaxHeaderFetch,
		MaxPoolSize:              1024,
		PoolTTL:                  defaultPoolTTL,
		ApplyTimeout:             30 * time.Second,
		FullScan:                 true,
		IncompatiblePeerCooldown: 10 * time.Minute,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.ForceSyncCycle <= 0 || c.StatusCycle <= 0:
		return errors.New("sync cycles must be positive")
	case c.RequestTimeout <= 0:
		return errors.New("request_timeout must be positive")
	case c.RequestRetries < 0:
		return errors.New("request_retries must not be negative")
	case c.MaxAttempts < 1:
		return errors.New("max_attempts must be at least 1")
	case c.HeaderBatch < 1 || c.HeaderBatch > MaxHeaderFetch:
		return errors.Errorf("header_batch must be in [1, %d]", MaxHeaderFetch)
	case c.MaxPoolSize < c.HeaderBatch:
		return errors.New("max_pool_size must hold at least one batch")
	case c.PoolTTL <= 0 || c.ApplyTimeout <= 0:
		return errors.New("pool_ttl and apply_timeout must be positive")
	}
	return nil
}
