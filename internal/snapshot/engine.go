// Package snapshot implements the daily consolidation: once per calendar
// day it values every address's holdings across chains and integrations
// in USD and appends the droplet ledger.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"dropletindex/internal/config"
	"dropletindex/internal/integrations"
	"dropletindex/internal/metrics"
	"dropletindex/internal/models"
	"dropletindex/internal/oracle"
	"dropletindex/internal/repository"
	"dropletindex/internal/rounds"
)

const dateLayout = "2006-01-02"

// Engine runs the daily snapshot job. It never overlaps itself: the
// daily_jobs row is the mutex, claimed before any work starts.
type Engine struct {
	repo     *repository.Repository
	reg      *config.Registry
	oracle   *oracle.Service
	pps      *rounds.Store
	adapters []integrations.Adapter
	sources  map[string]oracle.BlockSource // chain name -> transport

	canonicalID int64
	excluded    []string
}

func NewEngine(repo *repository.Repository, reg *config.Registry, orc *oracle.Service,
	pps *rounds.Store, adapters []integrations.Adapter, sources map[string]oracle.BlockSource) *Engine {

	canonical, _ := reg.ChainByName(config.CanonicalChain)
	excluded := make([]string, 0, len(reg.Excluded))
	for addr := range reg.Excluded {
		excluded = append(excluded, addr)
	}
	sort.Strings(excluded)

	return &Engine{
		repo:        repo,
		reg:         reg,
		oracle:      orc,
		pps:         pps,
		adapters:    adapters,
		sources:     sources,
		canonicalID: canonical.ChainID,
		excluded:    excluded,
	}
}

// Run schedules RunOnce at the configured wall-clock time every day, for
// the previous calendar day.
func (e *Engine) Run(ctx context.Context) {
	for {
		next := e.nextFire(time.Now().UTC())
		log.Printf("[snapshot] next run at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("[snapshot] engine stopped")
			return
		case <-timer.C:
		}

		date := time.Now().UTC().AddDate(0, 0, -1).Format(dateLayout)
		if err := e.RunOnce(ctx, date); err != nil {
			log.Printf("[snapshot] run for %s failed: %v", date, err)
		}
	}
}

func (e *Engine) nextFire(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), e.reg.SnapshotHour, e.reg.SnapshotMinute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type accum struct {
	total   *big.Int
	byAsset map[string]*big.Int
}

func (e *Engine) credit(totals map[string]*accum, address, asset string, usd *big.Int) {
	if usd.Sign() <= 0 || e.reg.IsExcluded(address) {
		return
	}
	a, ok := totals[address]
	if !ok {
		a = &accum{total: big.NewInt(0), byAsset: map[string]*big.Int{}}
		totals[address] = a
	}
	a.total.Add(a.total, usd)
	prev, ok := a.byAsset[asset]
	if !ok {
		prev = big.NewInt(0)
		a.byAsset[asset] = prev
	}
	prev.Add(prev, usd)
}

// RunOnce executes the snapshot for one date. Failures mark the job
// `failed` with a reason; a later re-run is idempotent.
func (e *Engine) RunOnce(ctx context.Context, date string) error {
	day, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return fmt.Errorf("bad snapshot date %q: %w", date, err)
	}
	runID := uuid.NewString()

	claimed, err := e.repo.ClaimDailyJob(ctx, date, runID)
	if err != nil {
		return fmt.Errorf("claim job for %s: %w", date, err)
	}
	if !claimed {
		log.Printf("[snapshot] %s already completed or in progress; skipping", date)
		return nil
	}

	err = e.buildAndCommit(ctx, date, runID, day)
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		if ferr := e.repo.FailDailyJob(context.WithoutCancel(ctx), date, runID, reason); ferr != nil {
			log.Printf("[snapshot] ERROR: mark %s failed: %v", date, ferr)
		}
		metrics.SnapshotRuns.WithLabelValues(models.JobFailed).Inc()
		return err
	}
	metrics.SnapshotRuns.WithLabelValues(models.JobCompleted).Inc()
	return nil
}

func (e *Engine) buildAndCommit(ctx context.Context, date, runID string, day time.Time) error {
	// Measurement instant: the end of the snapshot day. Valuation is
	// point-in-time, not time-weighted.
	at := day.AddDate(0, 0, 1)

	prices := map[string]*models.OraclePrice{}
	for _, a := range e.reg.Assets {
		p, err := e.oracle.PriceAt(ctx, a.Symbol, at)
		if err != nil {
			return fmt.Errorf("price for %s: %w", a.Symbol, err)
		}
		prices[a.Symbol] = p
	}

	canonicalBlock, canonicalTime, err := e.oracle.BlockNear(ctx, at)
	if err != nil {
		return fmt.Errorf("canonical block near %s: %w", at.Format(time.RFC3339), err)
	}

	balances, err := e.repo.GetPositiveBalances(ctx, e.excluded)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}

	totals := map[string]*accum{}
	for _, b := range balances {
		asset, ok := e.reg.AssetBySymbol(b.Asset)
		if !ok {
			continue
		}
		price := prices[asset.Symbol]

		var usd *big.Int
		if b.ChainID == e.canonicalID {
			pps, ppsScale, err := e.pps.At(ctx, b.Asset, e.canonicalID, canonicalBlock, canonicalTime)
			if err != nil {
				return fmt.Errorf("pps for %s: %w", b.Asset, err)
			}
			usd = VaultUSD(b.Shares, pps, ppsScale, price.PriceUSD, price.PriceScale, asset.Decimals)
		} else {
			usd = TokenUSD(b.Shares, price.PriceUSD, price.PriceScale, asset.Decimals)
		}
		e.credit(totals, b.Address, b.Asset, usd)
	}

	if err := e.creditIntegrations(ctx, at, canonicalBlock, prices, totals); err != nil {
		return err
	}

	forfeits := map[string]bool{}
	if e.reg.UnstakeForfeits {
		forfeits, err = e.repo.AddressesWithUnstakeIntersecting(ctx, e.canonicalID, day, at)
		if err != nil {
			return fmt.Errorf("load unstake flags: %w", err)
		}
	}

	snaps, entries, err := e.buildRows(date, at, totals, forfeits)
	if err != nil {
		return err
	}

	if err := e.repo.CommitDailySnapshots(ctx, date, runID, snaps, entries); err != nil {
		return fmt.Errorf("commit snapshots for %s: %w", date, err)
	}
	metrics.SnapshotAddresses.Set(float64(len(snaps)))
	log.Printf("[snapshot] %s completed: %d addresses, %d ledger rows", date, len(snaps), len(entries))
	return nil
}

func (e *Engine) creditIntegrations(ctx context.Context, at time.Time, canonicalBlock uint64,
	prices map[string]*models.OraclePrice, totals map[string]*accum) error {

	blockByChain := map[string]uint64{config.CanonicalChain: canonicalBlock}

	for _, ad := range e.adapters {
		block, ok := blockByChain[ad.Chain()]
		if !ok {
			src, ok := e.sources[ad.Chain()]
			if !ok {
				return fmt.Errorf("integration %s: no transport for chain %s", ad.ProtocolID(), ad.Chain())
			}
			var err error
			block, _, err = oracle.SearchBlock(ctx, src, at)
			if err != nil {
				return fmt.Errorf("integration %s: block near %s: %w", ad.ProtocolID(), at.Format(time.RFC3339), err)
			}
			blockByChain[ad.Chain()] = block
		}

		positions, err := ad.PositionsAt(ctx, block)
		if err != nil {
			return fmt.Errorf("integration %s: %w", ad.ProtocolID(), err)
		}

		asset, ok := e.reg.AssetBySymbol(ad.Asset())
		if !ok {
			continue
		}
		price := prices[asset.Symbol]

		persisted := make([]models.IntegrationPosition, 0, len(positions))
		for _, p := range positions {
			usd := TokenUSD(p.Underlying, price.PriceUSD, price.PriceScale, asset.Decimals)
			e.credit(totals, p.User, asset.Symbol, usd)
			persisted = append(persisted, models.IntegrationPosition{
				ProtocolID:             ad.ProtocolID(),
				UserAddress:            p.User,
				PositionShares:         big.NewInt(0),
				UnderlyingXTokenAmount: p.Underlying,
				USDValue:               usd,
				BlockNumber:            block,
				BlockTime:              at,
			})
		}
		if err := e.repo.ReplaceIntegrationPositions(ctx, ad.ProtocolID(), persisted); err != nil {
			return fmt.Errorf("integration %s: persist positions: %w", ad.ProtocolID(), err)
		}
	}
	return nil
}

func (e *Engine) buildRows(date string, at time.Time, totals map[string]*accum,
	forfeits map[string]bool) ([]models.DailyUsdSnapshot, []models.DropletLedgerEntry, error) {

	addresses := make([]string, 0, len(totals))
	for addr := range totals {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	var snaps []models.DailyUsdSnapshot
	var entries []models.DropletLedgerEntry
	for _, addr := range addresses {
		a := totals[addr]
		if a.total.Sign() <= 0 {
			continue
		}

		breakdown := map[string]string{}
		for asset, usd := range a.byAsset {
			breakdown[asset] = usd.String()
		}
		raw, err := json.Marshal(breakdown)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal breakdown for %s: %w", addr, err)
		}

		droplets := Droplets(a.total, e.reg.DropletUSDRatio)
		reason := "daily_accrual"
		hadUnstake := forfeits[addr]
		if hadUnstake {
			droplets = big.NewInt(0)
			reason = "unstake_forfeited"
		}

		snaps = append(snaps, models.DailyUsdSnapshot{
			Address:        addr,
			SnapshotDate:   date,
			TotalUsdValue:  a.total,
			Breakdown:      raw,
			HadUnstake:     hadUnstake,
			DropletsEarned: droplets,
			SnapshotTs:     at,
		})
		if droplets.Sign() > 0 {
			entries = append(entries, models.DropletLedgerEntry{
				Address:      addr,
				SnapshotDate: date,
				Amount:       droplets,
				Reason:       reason,
			})
		}
	}
	return snaps, entries, nil
}
