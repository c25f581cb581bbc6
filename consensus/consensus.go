// Package consensus
//
// @author: xwc1125
package consensus

import (
	"context"

	"github.com/chain5j/chain5j-pkg/types"
	"github.com/chain5j/chain5j-sync/block"
	"github.com/pkg/errors"
)

var (
	ErrInvalidHeader   = errors.New("invalid header")
	ErrUnknownEngine   = errors.New("unknown consensus engine")
	ErrInvalidTemplate = errors.New("invalid block template")
)

const (
	ArgonEngine = "argon"
	DummyEngine = "dummy"
)

// ChainReader is the read-only view of the local chain handed to engines.
type ChainReader interface {
	MasterHeadHeader() *block.Header
	GetHeaderByNumber(number uint64) *block.Header
	GetHeaderByID(id types.Hash) *block.Header
}

// Consensus verifies and seals block headers.
type Consensus interface {
	Name() string
	VerifyHeader(config *Config, reader ChainReader, header *block.Header) error
	// CreateBlock seals template and returns the sealed block. It blocks until a
	// seal is found or ctx is done.
	CreateBlock(ctx context.Context, config *Config, reader ChainReader, template *block.Block) (*block.Block, error)
}

// Config holds the consensus parameters of a network.
type Config struct {
	Difficulty   uint64 `mapstructure:"difficulty"`
	ArgonTime    uint32 `mapstructure:"argon_time"`
	ArgonMemory  uint32 `mapstructure:"argon_memory"` // KiB
	ArgonThreads uint8  `mapstructure:"argon_threads"`
}

// DefaultConfig mirrors the argon2 defaults of the reference miner.
func DefaultConfig() *Config {
	return &Config{
		Difficulty:   1,
		ArgonTime:    3,
		ArgonMemory:  4096,
		ArgonThreads: 1,
	}
}

// New returns the engine registered under name.
func New(name string) (Consensus, error) {
	switch name {
	case ArgonEngine:
		return NewArgon(), nil
	case DummyEngine:
		return NewDummy(), nil
	}
	return nil, errors.Wrapf(ErrUnknownEngine, "name=%s", name)
}
