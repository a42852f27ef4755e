// Package oracle resolves historical USD prices for the tracked assets
// from Chainlink aggregators on the canonical chain, with a persistent
// price-timeline cache and binary-search timestamp-to-block resolution.
package oracle

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"dropletindex/internal/config"
	"dropletindex/internal/metrics"
	"dropletindex/internal/models"
	"dropletindex/internal/repository"
)

// PriceScale is the Chainlink USD feed scale (8 decimals).
const PriceScale = 8

const (
	cacheTolerance   = time.Hour
	searchIterations = 30
)

// blockReader is the slice of the chain transport the oracle needs.
// *chain.Pool satisfies it; tests use a scripted fake.
type blockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var (
	latestRoundDataSelector = crypto.Keccak256([]byte("latestRoundData()"))[:4]

	uint80Ty, _  = abi.NewType("uint80", "", nil)
	int256Ty, _  = abi.NewType("int256", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)

	latestRoundDataReturns = abi.Arguments{
		{Type: uint80Ty}, {Type: int256Ty}, {Type: uint256Ty}, {Type: uint256Ty}, {Type: uint80Ty},
	}
)

// Service answers priceAt / priceAtBlock queries.
type Service struct {
	repo    *repository.Repository
	rpc     blockReader
	reg     *config.Registry
	chainID int64
}

func NewService(repo *repository.Repository, rpc blockReader, reg *config.Registry) *Service {
	canonical, _ := reg.ChainByName(config.CanonicalChain)
	return &Service{repo: repo, rpc: rpc, reg: reg, chainID: canonical.ChainID}
}

// PriceAt resolves the USD price of an asset at a timestamp. The cache is
// consulted first with a one-hour tolerance; on a miss the canonical chain
// is binary-searched for the nearest block and the Chainlink feed is read
// at that block.
func (s *Service) PriceAt(ctx context.Context, asset string, t time.Time) (*models.OraclePrice, error) {
	cached, err := s.repo.GetPriceNear(ctx, asset, t, cacheTolerance)
	if err != nil {
		return nil, fmt.Errorf("price cache lookup: %w", err)
	}
	if cached != nil {
		metrics.OraclePriceLookups.WithLabelValues(asset, models.PriceSourceCache).Inc()
		return cached, nil
	}

	block, blockTime, err := s.BlockNear(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("resolve block near %s: %w", t.Format(time.RFC3339), err)
	}
	return s.readAndCache(ctx, asset, block, blockTime)
}

// PriceAtBlock resolves the price at a specific canonical-chain block; no
// binary search, the block's own timestamp is used.
func (s *Service) PriceAtBlock(ctx context.Context, asset string, block uint64) (*models.OraclePrice, error) {
	cached, err := s.repo.GetPriceAtBlock(ctx, asset, s.chainID, block)
	if err != nil {
		return nil, fmt.Errorf("price cache lookup: %w", err)
	}
	if cached != nil {
		metrics.OraclePriceLookups.WithLabelValues(asset, models.PriceSourceCache).Inc()
		return cached, nil
	}

	hdr, err := s.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("header %d: %w", block, err)
	}
	return s.readAndCache(ctx, asset, block, time.Unix(int64(hdr.Time), 0).UTC())
}

// Validate reports whether the latest cached price for an asset is fresher
// than maxAge. Used by /health and by the snapshot engine's preflight.
func (s *Service) Validate(ctx context.Context, asset string, maxAge time.Duration) (bool, error) {
	latest, err := s.repo.GetLatestPrice(ctx, asset)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	return time.Since(latest.BlockTime) <= maxAge, nil
}

func (s *Service) readAndCache(ctx context.Context, asset string, block uint64, blockTime time.Time) (*models.OraclePrice, error) {
	a, ok := s.reg.AssetBySymbol(asset)
	if !ok || a.OracleFeed == "" {
		return nil, fmt.Errorf("no oracle feed configured for %s", asset)
	}

	answer, err := s.latestRoundData(ctx, a.OracleFeed, block)
	if err != nil {
		return nil, fmt.Errorf("read feed %s at block %d: %w", a.OracleFeed, block, err)
	}
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("feed %s returned non-positive answer %s at block %d", a.OracleFeed, answer, block)
	}

	price := models.OraclePrice{
		Asset:       asset,
		ChainID:     s.chainID,
		BlockNumber: block,
		BlockTime:   blockTime,
		PriceUSD:    answer,
		PriceScale:  PriceScale,
		Source:      models.PriceSourceOnchain,
	}
	if err := s.repo.InsertOraclePrice(ctx, price); err != nil {
		// Cache write failure is not fatal: the price itself is good.
		log.Printf("[oracle] WARN: cache price for %s at block %d: %v", asset, block, err)
	}
	metrics.OraclePriceLookups.WithLabelValues(asset, models.PriceSourceOnchain).Inc()
	return &price, nil
}

func (s *Service) latestRoundData(ctx context.Context, feed string, block uint64) (*big.Int, error) {
	to := common.HexToAddress(feed)
	out, err := s.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: latestRoundDataSelector},
		new(big.Int).SetUint64(block))
	if err != nil {
		return nil, err
	}
	vals, err := latestRoundDataReturns.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	return vals[1].(*big.Int), nil
}

// BlockNear binary-searches the canonical chain for the block whose
// timestamp is closest to t.
func (s *Service) BlockNear(ctx context.Context, t time.Time) (uint64, time.Time, error) {
	return SearchBlock(ctx, s.rpc, t)
}

// BlockSource is the minimal transport needed to map a timestamp onto a
// block height.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// SearchBlock binary-searches any chain for the block whose timestamp is
// closest to t, bounded at 30 iterations.
func SearchBlock(ctx context.Context, rpc BlockSource, t time.Time) (uint64, time.Time, error) {
	latest, err := rpc.BlockNumber(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}

	target := t.Unix()
	var low, high uint64 = 1, latest
	bestBlock := latest
	bestTime := time.Time{}
	bestDiff := int64(1<<62 - 1)

	for i := 0; i < searchIterations && low <= high; i++ {
		mid := low + (high-low)/2
		hdr, err := rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, time.Time{}, err
		}
		ts := int64(hdr.Time)

		diff := ts - target
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			bestBlock = mid
			bestTime = time.Unix(ts, 0).UTC()
		}

		switch {
		case ts == target:
			return mid, time.Unix(ts, 0).UTC(), nil
		case ts < target:
			low = mid + 1
		default:
			if mid == 0 {
				break
			}
			high = mid - 1
		}
	}

	if bestTime.IsZero() {
		return 0, time.Time{}, fmt.Errorf("no block found near %s", t.Format(time.RFC3339))
	}
	return bestBlock, bestTime, nil
}
