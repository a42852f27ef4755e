// Package rounds answers price-per-share queries from the ingested
// RoundRolled history on the canonical chain.
package rounds

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"dropletindex/internal/config"
	"dropletindex/internal/repository"
)

// DefaultScale is the PPS fixed-point scale (1e18 == 1.0).
const DefaultScale = 18

var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(DefaultScale), nil)

// Store resolves PPS(asset, block) for any chain. Canonical-chain blocks
// map directly onto round start blocks; satellite blocks resolve through
// their timestamp against round start times.
type Store struct {
	repo             *repository.Repository
	canonicalChainID int64
}

func NewStore(repo *repository.Repository, reg *config.Registry) *Store {
	canonical, _ := reg.ChainByName(config.CanonicalChain)
	return &Store{repo: repo, canonicalChainID: canonical.ChainID}
}

// At returns (pps, scale) for an asset at a block on the given chain.
// When no round covers the block, 1.0 is returned with a warning: shares
// are then valued one-to-one with the underlying.
func (s *Store) At(ctx context.Context, asset string, chainID int64, block uint64, blockTime time.Time) (*big.Int, int, error) {
	if chainID == s.canonicalChainID {
		rd, err := s.repo.GetRoundAtBlock(ctx, asset, s.canonicalChainID, block)
		if err != nil {
			return nil, 0, fmt.Errorf("round at block %d: %w", block, err)
		}
		if rd != nil {
			return rd.PPS, rd.PPSScale, nil
		}
	} else {
		rd, err := s.repo.GetRoundAtTime(ctx, asset, s.canonicalChainID, blockTime)
		if err != nil {
			return nil, 0, fmt.Errorf("round at %s: %w", blockTime.Format(time.RFC3339), err)
		}
		if rd != nil {
			return rd.PPS, rd.PPSScale, nil
		}
	}

	log.Printf("[rounds] WARN: no round covers %s chain=%d block=%d; assuming pps 1.0", asset, chainID, block)
	return new(big.Int).Set(one), DefaultScale, nil
}
