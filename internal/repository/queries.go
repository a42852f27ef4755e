package repository

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// DropletSummary is the downstream contract for dropletsFor(address).
type DropletSummary struct {
	Address          string          `json:"address"`
	TotalDroplets    *big.Int        `json:"total_droplets"`
	Breakdown        json.RawMessage `json:"breakdown_by_asset"`
	LastSnapshotDate string          `json:"last_snapshot_date,omitempty"`
}

// GetDropletsFor returns an address's totals and the per-asset breakdown
// from its most recent snapshot.
func (r *Repository) GetDropletsFor(ctx context.Context, address string) (*DropletSummary, error) {
	s := &DropletSummary{Address: address, TotalDroplets: big.NewInt(0), Breakdown: []byte("{}")}

	var total string
	var lastDate *string
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text, MAX(snapshot_date)::text
		FROM app.droplet_ledger WHERE address = $1
	`, address).Scan(&total, &lastDate)
	if err != nil {
		return nil, err
	}
	s.TotalDroplets, _ = new(big.Int).SetString(total, 10)
	if lastDate != nil {
		s.LastSnapshotDate = *lastDate
	}

	var breakdown []byte
	err = r.db.QueryRow(ctx, `
		SELECT breakdown FROM app.daily_usd_snapshots
		WHERE address = $1 ORDER BY snapshot_date DESC LIMIT 1
	`, address).Scan(&breakdown)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	if len(breakdown) > 0 {
		s.Breakdown = breakdown
	}
	return s, nil
}

// GetLeaderboard returns one page of ranked leaderboard entries.
func (r *Repository) GetLeaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT RANK() OVER (ORDER BY total_droplets DESC) AS rank,
		       address, total_droplets::text, days_participated,
		       COALESCE(last_snapshot_date::text, ''), average_daily_usd::text
		FROM app.leaderboard
		ORDER BY total_droplets DESC, address
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LeaderboardEntry
	for rows.Next() {
		var e models.LeaderboardEntry
		var total, avg string
		if err := rows.Scan(&e.Rank, &e.Address, &total, &e.DaysParticipated, &e.LastSnapshotDate, &avg); err != nil {
			return nil, err
		}
		e.TotalDroplets, _ = new(big.Int).SetString(total, 10)
		e.AverageDailyUSD, _ = new(big.Int).SetString(avg, 10)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DayAggregates is the downstream contract for daySnapshot(date).
type DayAggregates struct {
	SnapshotDate  string   `json:"snapshot_date"`
	Addresses     int64    `json:"addresses"`
	TotalUSD      *big.Int `json:"total_usd_value"`
	TotalDroplets *big.Int `json:"total_droplets"`
	JobStatus     string   `json:"job_status"`
}

// GetDayAggregates returns totals for one snapshot date.
func (r *Repository) GetDayAggregates(ctx context.Context, date string) (*DayAggregates, error) {
	agg := &DayAggregates{SnapshotDate: date}
	var usd, droplets string
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_usd_value), 0)::text, COALESCE(SUM(droplets_earned), 0)::text
		FROM app.daily_usd_snapshots WHERE snapshot_date = $1
	`, date).Scan(&agg.Addresses, &usd, &droplets)
	if err != nil {
		return nil, err
	}
	agg.TotalUSD, _ = new(big.Int).SetString(usd, 10)
	agg.TotalDroplets, _ = new(big.Int).SetString(droplets, 10)

	job, err := r.GetDailyJob(ctx, date)
	if err != nil {
		return nil, err
	}
	if job != nil {
		agg.JobStatus = job.Status
	}
	return agg, nil
}

// GetLatestCompletedDate returns the newest snapshot date whose job
// completed, or "". The API serves this date when the most recent job
// failed.
func (r *Repository) GetLatestCompletedDate(ctx context.Context) (string, error) {
	var date string
	err := r.db.QueryRow(ctx, `
		SELECT snapshot_date::text FROM app.daily_jobs
		WHERE status = 'completed' ORDER BY snapshot_date DESC LIMIT 1
	`).Scan(&date)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return date, err
}

// SeedExcludedAddresses records the static exclusion set.
func (r *Repository) SeedExcludedAddresses(ctx context.Context, excluded map[string]string) error {
	for addr, reason := range excluded {
		_, err := r.db.Exec(ctx, `
			INSERT INTO app.excluded_addresses (address, reason)
			VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET reason = EXCLUDED.reason
		`, addr, reason)
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveReconciliationRun persists a validator run report.
func (r *Repository) SaveReconciliationRun(ctx context.Context, runID string, chainID int64, fromBlock, toBlock uint64, matched int, unmatchedVault, unmatchedIntegration json.RawMessage) error {
	if len(unmatchedVault) == 0 {
		unmatchedVault = []byte("[]")
	}
	if len(unmatchedIntegration) == 0 {
		unmatchedIntegration = []byte("[]")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.reconciliation_runs (run_id, chain_id, from_block, to_block, matched_pairs, unmatched_vault, unmatched_integr)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, runID, chainID, fromBlock, toBlock, matched, unmatchedVault, unmatchedIntegration)
	return err
}

// BalanceDrift is one (address, asset, chain) whose folded balance differs
// from the signed sum of its raw events.
type BalanceDrift struct {
	Address  string
	Asset    string
	ChainID  int64
	Folded   *big.Int
	EventSum *big.Int
}

// CheckSumOfDeltas verifies the sum-of-deltas invariant: for each triple,
// current_balances.shares equals the signed sum of raw share events.
// A transfer_user row contributes its delta to the sender and the negated
// delta to the counterparty; redeem rows are audit-only and excluded.
// Triples healed by the negative-balance guard will drift; they are exactly
// what this check surfaces.
func (r *Repository) CheckSumOfDeltas(ctx context.Context, limit int) ([]BalanceDrift, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		WITH sides AS (
			SELECT address, asset, chain_id, shares_delta
			FROM raw.share_events
			WHERE event_type <> 'redeem'
			UNION ALL
			SELECT counterparty, asset, chain_id, -shares_delta
			FROM raw.share_events
			WHERE classification = 'transfer_user' AND counterparty <> ''
		), sums AS (
			SELECT address, asset, chain_id, SUM(shares_delta) AS event_sum
			FROM sides
			GROUP BY address, asset, chain_id
		)
		SELECT b.address, b.asset, b.chain_id, b.shares::text, COALESCE(s.event_sum, 0)::text
		FROM app.current_balances b
		LEFT JOIN sums s USING (address, asset, chain_id)
		WHERE b.shares <> COALESCE(s.event_sum, 0)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		var folded, sum string
		if err := rows.Scan(&d.Address, &d.Asset, &d.ChainID, &folded, &sum); err != nil {
			return nil, err
		}
		d.Folded, _ = new(big.Int).SetString(folded, 10)
		d.EventSum, _ = new(big.Int).SetString(sum, 10)
		out = append(out, d)
	}
	return out, rows.Err()
}

// StatsSummary backs the stats CLI.
type StatsSummary struct {
	ShareEvents       int64
	IntegrationEvents int64
	Rounds            int64
	Holders           int64
	LedgerRows        int64
	LatestSnapshot    string
	OldestCursorAge   time.Duration
}

// GetStats returns coarse table counts.
func (r *Repository) GetStats(ctx context.Context) (*StatsSummary, error) {
	s := &StatsSummary{}
	var latest *string
	var oldest *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM raw.share_events),
			(SELECT COUNT(*) FROM raw.integration_events),
			(SELECT COUNT(*) FROM raw.rounds),
			(SELECT COUNT(*) FROM app.current_balances WHERE shares > 0),
			(SELECT COUNT(*) FROM app.droplet_ledger),
			(SELECT MAX(snapshot_date)::text FROM app.daily_usd_snapshots),
			(SELECT MIN(updated_at) FROM app.ingest_cursors)
	`).Scan(&s.ShareEvents, &s.IntegrationEvents, &s.Rounds, &s.Holders, &s.LedgerRows, &latest, &oldest)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		s.LatestSnapshot = *latest
	}
	if oldest != nil {
		s.OldestCursorAge = time.Since(*oldest)
	}
	return s, nil
}
