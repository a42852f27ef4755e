package repository

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// UpsertRound records a RoundRolled on Chain-E: inserts the round, closes
// the previous one (end_ts = this start_ts), and snapshots every positive
// holder's shares into balance_snapshots — all in one transaction so the
// snapshot set is exactly the state at the round boundary.
func (r *Repository) UpsertRound(ctx context.Context, round models.Round, excluded []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO raw.rounds (
			asset, chain_id, round_id, start_block, start_ts, pps, pps_scale,
			shares_minted, yield, is_yield_positive, tx_hash
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (asset, chain_id, round_id) DO NOTHING
	`, round.Asset, round.ChainID, round.RoundID, round.StartBlock, round.StartTs,
		round.PPS.String(), round.PPSScale, round.SharesMinted.String(),
		round.Yield.String(), round.IsYieldPositive, round.TxHash)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already ingested; idempotent re-run.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE raw.rounds SET end_ts = $4
		WHERE asset = $1 AND chain_id = $2 AND round_id = $3 AND end_ts IS NULL
	`, round.Asset, round.ChainID, round.RoundID-1, round.StartTs)
	if err != nil {
		return fmt.Errorf("close prior round: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO app.balance_snapshots (address, asset, round_id, shares_at_start)
		SELECT address, asset, $3, shares
		FROM app.current_balances
		WHERE asset = $1 AND chain_id = $2 AND shares > 0
		  AND NOT (address = ANY($4::text[]))
		ON CONFLICT (address, asset, round_id) DO NOTHING
	`, round.Asset, round.ChainID, round.RoundID, excluded)
	if err != nil {
		return fmt.Errorf("snapshot balances at round start: %w", err)
	}

	return tx.Commit(ctx)
}

func scanRound(row pgx.Row) (models.Round, error) {
	var rd models.Round
	var pps, minted, yield string
	err := row.Scan(&rd.Asset, &rd.ChainID, &rd.RoundID, &rd.StartBlock, &rd.StartTs,
		&rd.EndTs, &pps, &rd.PPSScale, &minted, &yield, &rd.IsYieldPositive, &rd.TxHash)
	if err != nil {
		return rd, err
	}
	rd.PPS, _ = new(big.Int).SetString(pps, 10)
	rd.SharesMinted, _ = new(big.Int).SetString(minted, 10)
	rd.Yield, _ = new(big.Int).SetString(yield, 10)
	return rd, nil
}

const roundColumns = `asset, chain_id, round_id, start_block, start_ts, end_ts,
	pps::text, pps_scale, shares_minted::text, yield::text, is_yield_positive, tx_hash`

// GetRoundAtBlock returns the round whose [start_block, next start_block)
// covers the given Chain-E block.
func (r *Repository) GetRoundAtBlock(ctx context.Context, asset string, chainID int64, block uint64) (*models.Round, error) {
	rd, err := scanRound(r.db.QueryRow(ctx, `
		SELECT `+roundColumns+`
		FROM raw.rounds
		WHERE asset = $1 AND chain_id = $2 AND start_block <= $3
		ORDER BY start_block DESC
		LIMIT 1
	`, asset, chainID, block))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rd, nil
}

// GetRoundAtTime returns the latest round with start_ts <= ts, used to
// resolve PPS for satellite-chain blocks via their timestamps.
func (r *Repository) GetRoundAtTime(ctx context.Context, asset string, chainID int64, ts time.Time) (*models.Round, error) {
	rd, err := scanRound(r.db.QueryRow(ctx, `
		SELECT `+roundColumns+`
		FROM raw.rounds
		WHERE asset = $1 AND chain_id = $2 AND start_ts <= $3
		ORDER BY start_ts DESC
		LIMIT 1
	`, asset, chainID, ts))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rd, nil
}

// GetLatestRoundID returns the open round id for an asset, or 0.
func (r *Repository) GetLatestRoundID(ctx context.Context, asset string, chainID int64) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(round_id), 0) FROM raw.rounds WHERE asset = $1 AND chain_id = $2
	`, asset, chainID).Scan(&id)
	return id, err
}

// ListRounds returns rounds for an asset in ascending order, for the stats
// CLI and the contiguity check.
func (r *Repository) ListRounds(ctx context.Context, asset string, chainID int64) ([]models.Round, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+roundColumns+`
		FROM raw.rounds
		WHERE asset = $1 AND chain_id = $2
		ORDER BY round_id
	`, asset, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}
