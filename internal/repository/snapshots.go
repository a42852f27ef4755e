package repository

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// ClaimDailyJob moves a date's job to `processing` and returns true when
// this caller owns the run. A `completed` job is never re-claimed here; a
// `failed` or stale `pending` one is, and so is a `processing` row older
// than an hour — a hard-killed instance never reaches FailDailyJob, and
// without the staleness escape the date would be stuck forever. The row is
// the mutex that keeps the engine from overlapping itself.
func (r *Repository) ClaimDailyJob(ctx context.Context, date, runID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO app.daily_jobs (snapshot_date, run_id, status, started_at)
		VALUES ($1, $2, 'processing', NOW())
		ON CONFLICT (snapshot_date) DO UPDATE
		SET run_id = EXCLUDED.run_id, status = 'processing', error_message = '', started_at = NOW()
		WHERE app.daily_jobs.status IN ('pending', 'failed')
		   OR (app.daily_jobs.status = 'processing' AND app.daily_jobs.started_at < NOW() - INTERVAL '1 hour')
	`, date, runID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailDailyJob records a failed run with its reason.
func (r *Repository) FailDailyJob(ctx context.Context, date, runID, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.daily_jobs
		SET status = 'failed', error_message = $3, completed_at = NOW()
		WHERE snapshot_date = $1 AND run_id = $2
	`, date, runID, reason)
	return err
}

// GetDailyJob returns the job row for a date, or nil.
func (r *Repository) GetDailyJob(ctx context.Context, date string) (*models.DailyJob, error) {
	var j models.DailyJob
	err := r.db.QueryRow(ctx, `
		SELECT snapshot_date::text, run_id::text, status, error_message, started_at, completed_at
		FROM app.daily_jobs WHERE snapshot_date = $1
	`, date).Scan(&j.SnapshotDate, &j.RunID, &j.Status, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetLatestJob returns the most recent job row, for /health.
func (r *Repository) GetLatestJob(ctx context.Context) (*models.DailyJob, error) {
	var j models.DailyJob
	err := r.db.QueryRow(ctx, `
		SELECT snapshot_date::text, run_id::text, status, error_message, started_at, completed_at
		FROM app.daily_jobs ORDER BY snapshot_date DESC LIMIT 1
	`).Scan(&j.SnapshotDate, &j.RunID, &j.Status, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CommitDailySnapshots writes everything for one snapshot date atomically:
// the per-address USD snapshots, the droplet ledger rows, the leaderboard
// aggregates for the touched addresses, and the job transition to
// `completed`. Re-running a date replaces its rows via the unique keys.
func (r *Repository) CommitDailySnapshots(ctx context.Context, date, runID string, snaps []models.DailyUsdSnapshot, entries []models.DropletLedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, s := range snaps {
		breakdown := s.Breakdown
		if len(breakdown) == 0 {
			breakdown = []byte("{}")
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO app.daily_usd_snapshots (
				address, snapshot_date, total_usd_value, breakdown,
				had_unstake, is_excluded, droplets_earned, snapshot_ts
			) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7::numeric, $8)
			ON CONFLICT (address, snapshot_date) DO UPDATE
			SET total_usd_value = EXCLUDED.total_usd_value,
			    breakdown = EXCLUDED.breakdown,
			    had_unstake = EXCLUDED.had_unstake,
			    droplets_earned = EXCLUDED.droplets_earned,
			    snapshot_ts = EXCLUDED.snapshot_ts
		`, s.Address, s.SnapshotDate, s.TotalUsdValue.String(), breakdown,
			s.HadUnstake, s.IsExcluded, s.DropletsEarned.String(), s.SnapshotTs)
		if err != nil {
			return fmt.Errorf("insert daily snapshot for %s: %w", s.Address, err)
		}
	}

	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO app.droplet_ledger (address, snapshot_date, amount, reason)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (address, snapshot_date) DO UPDATE
			SET amount = EXCLUDED.amount, reason = EXCLUDED.reason
		`, e.Address, e.SnapshotDate, e.Amount.String(), e.Reason)
		if err != nil {
			return fmt.Errorf("insert ledger row for %s: %w", e.Address, err)
		}
		addresses = append(addresses, e.Address)
	}

	// Leaderboard aggregates, recomputed from the ledger for the touched
	// addresses inside the same transaction.
	if len(addresses) > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO app.leaderboard (address, total_droplets, days_participated, last_snapshot_date, average_daily_usd, updated_at)
			SELECT l.address,
			       SUM(l.amount),
			       COUNT(*),
			       MAX(l.snapshot_date),
			       COALESCE(AVG(s.total_usd_value), 0)::numeric(78,0),
			       NOW()
			FROM app.droplet_ledger l
			JOIN app.daily_usd_snapshots s
			  ON s.address = l.address AND s.snapshot_date = l.snapshot_date
			WHERE l.address = ANY($1::text[])
			GROUP BY l.address
			ON CONFLICT (address) DO UPDATE
			SET total_droplets = EXCLUDED.total_droplets,
			    days_participated = EXCLUDED.days_participated,
			    last_snapshot_date = EXCLUDED.last_snapshot_date,
			    average_daily_usd = EXCLUDED.average_daily_usd,
			    updated_at = NOW()
		`, addresses)
		if err != nil {
			return fmt.Errorf("update leaderboard: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE app.daily_jobs
		SET status = 'completed', completed_at = NOW()
		WHERE snapshot_date = $1 AND run_id = $2 AND status = 'processing'
	`, date, runID)
	if err != nil {
		return fmt.Errorf("complete daily job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("daily job for %s no longer owned by run %s", date, runID)
	}

	return tx.Commit(ctx)
}

// ResetDailyDate clears one date's snapshot outputs so the engine can
// re-claim and recompute it. Leaderboard aggregates for the touched
// addresses are rebuilt from the remaining ledger rows in the same
// transaction. Returns the number of snapshot rows removed.
func (r *Repository) ResetDailyDate(ctx context.Context, date string) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM app.droplet_ledger WHERE snapshot_date = $1 RETURNING address
	`, date)
	if err != nil {
		return 0, err
	}
	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			rows.Close()
			return 0, err
		}
		addresses = append(addresses, addr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM app.daily_usd_snapshots WHERE snapshot_date = $1`, date)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM app.daily_jobs WHERE snapshot_date = $1`, date); err != nil {
		return 0, err
	}

	if len(addresses) > 0 {
		if _, err := tx.Exec(ctx, `
			DELETE FROM app.leaderboard
			WHERE address = ANY($1::text[])
			  AND NOT EXISTS (SELECT 1 FROM app.droplet_ledger l WHERE l.address = app.leaderboard.address)
		`, addresses); err != nil {
			return 0, fmt.Errorf("prune leaderboard: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO app.leaderboard (address, total_droplets, days_participated, last_snapshot_date, average_daily_usd, updated_at)
			SELECT l.address,
			       SUM(l.amount),
			       COUNT(*),
			       MAX(l.snapshot_date),
			       COALESCE(AVG(s.total_usd_value), 0)::numeric(78,0),
			       NOW()
			FROM app.droplet_ledger l
			JOIN app.daily_usd_snapshots s
			  ON s.address = l.address AND s.snapshot_date = l.snapshot_date
			WHERE l.address = ANY($1::text[])
			GROUP BY l.address
			ON CONFLICT (address) DO UPDATE
			SET total_droplets = EXCLUDED.total_droplets,
			    days_participated = EXCLUDED.days_participated,
			    last_snapshot_date = EXCLUDED.last_snapshot_date,
			    average_daily_usd = EXCLUDED.average_daily_usd,
			    updated_at = NOW()
		`, addresses); err != nil {
			return 0, fmt.Errorf("rebuild leaderboard: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetPositiveBalances returns every (address, asset, chain) row with
// shares > 0, excluding the static exclusion set.
func (r *Repository) GetPositiveBalances(ctx context.Context, excluded []string) ([]models.CurrentBalance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT address, asset, chain_id, shares::text, last_update_block
		FROM app.current_balances
		WHERE shares > 0 AND NOT (address = ANY($1::text[]))
		ORDER BY address, asset, chain_id
	`, excluded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CurrentBalance
	for rows.Next() {
		var b models.CurrentBalance
		var shares string
		if err := rows.Scan(&b.Address, &b.Asset, &b.ChainID, &shares, &b.LastUpdateBlock); err != nil {
			return nil, err
		}
		b.Shares, _ = new(big.Int).SetString(shares, 10)
		out = append(out, b)
	}
	return out, rows.Err()
}

// AddressesWithUnstakeIntersecting returns addresses flagged
// had_unstake_in_round for any round overlapping [dayStart, dayEnd).
func (r *Repository) AddressesWithUnstakeIntersecting(ctx context.Context, chainID int64, dayStart, dayEnd time.Time) (map[string]bool, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT bs.address
		FROM app.balance_snapshots bs
		JOIN raw.rounds r
		  ON r.asset = bs.asset AND r.chain_id = $1 AND r.round_id = bs.round_id
		WHERE bs.had_unstake_in_round
		  AND r.start_ts < $3
		  AND COALESCE(r.end_ts, 'infinity'::timestamptz) > $2
	`, chainID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out[addr] = true
	}
	return out, rows.Err()
}
