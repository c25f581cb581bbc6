// Package consensus
//
// @author: xwc1125
package consensus

import (
	"context"
	"encoding/binary"
	"math/big"
	"math/rand"
	"time"

	"github.com/chain5j/chain5j-sync/block"
	"github.com/chain5j/logger"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const nonceSize = 8

var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var _ Consensus = new(Argon)

// Argon is a proof-of-work engine. The consensus header is the little-endian
// nonce; the pow input is the seal hash with its last 8 bytes replaced by the
// nonce, hashed with argon2.
type Argon struct {
	log logger.Logger
}

func NewArgon() *Argon {
	return &Argon{log: logger.New("argon")}
}

func (a *Argon) Name() string { return ArgonEngine }

func (a *Argon) VerifyHeader(config *Config, _ ChainReader, header *block.Header) error {
	if header.Difficulty == 0 || header.Difficulty < config.Difficulty {
		return errors.Wrapf(ErrInvalidHeader, "difficulty too low: number=%d, difficulty=%d", header.Number, header.Difficulty)
	}
	if len(header.ConsensusHeader) != nonceSize {
		return errors.Wrapf(ErrInvalidHeader, "bad nonce length: number=%d, len=%d", header.Number, len(header.ConsensusHeader))
	}
	nonce := binary.LittleEndian.Uint64(header.ConsensusHeader)
	if !a.verify(config, header, nonce) {
		return errors.Wrapf(ErrInvalidHeader, "pow not satisfied: number=%d, nonce=%d", header.Number, nonce)
	}
	return nil
}

func (a *Argon) CreateBlock(ctx context.Context, config *Config, _ ChainReader, template *block.Block) (*block.Block, error) {
	if template == nil || template.Header == nil || template.Body == nil || template.Info == nil {
		return nil, ErrInvalidTemplate
	}
	header := template.Header.Copy()
	if header.Difficulty == 0 {
		header.Difficulty = config.Difficulty
	}
	nonce := rand.New(rand.NewSource(time.Now().UnixNano())).Uint64()
	start := time.Now()
	for attempts := 0; ; attempts++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if a.verify(config, header, nonce) {
			a.log.Debug("Sealed block", "number", header.Number, "nonce", nonce, "attempts", attempts, "elapsed", time.Since(start))
			break
		}
		nonce++
	}
	header.ConsensusHeader = make([]byte, nonceSize)
	binary.LittleEndian.PutUint64(header.ConsensusHeader, nonce)
	return block.NewBlock(header, template.Body.Transactions, template.Info.TotalDifficulty), nil
}

func (a *Argon) verify(config *Config, header *block.Header, nonce uint64) bool {
	seal := header.SealHash()
	input := seal[:]
	binary.LittleEndian.PutUint64(input[len(input)-nonceSize:], nonce)
	out := argon2.Key(input, input, config.ArgonTime, config.ArgonMemory, config.ArgonThreads, 32)

	target := new(big.Int).Div(maxTarget, new(big.Int).SetUint64(header.Difficulty))
	return new(big.Int).SetBytes(out).Cmp(target) <= 0
}
