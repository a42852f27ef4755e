package repository

import (
	"context"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// InsertOraclePrice caches one resolved price point. Conflicts are ignored:
// the timeline is append-only and a block's price never changes.
func (r *Repository) InsertOraclePrice(ctx context.Context, p models.OraclePrice) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO raw.oracle_prices (asset, chain_id, block_number, block_time, price_usd, price_scale, source)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (asset, chain_id, block_number) DO NOTHING
	`, p.Asset, p.ChainID, p.BlockNumber, p.BlockTime, p.PriceUSD.String(), p.PriceScale, p.Source)
	return err
}

func scanPrice(row pgx.Row) (*models.OraclePrice, error) {
	var p models.OraclePrice
	var price string
	err := row.Scan(&p.Asset, &p.ChainID, &p.BlockNumber, &p.BlockTime, &price, &p.PriceScale, &p.Source)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.PriceUSD, _ = new(big.Int).SetString(price, 10)
	return &p, nil
}

// GetPriceNear returns the cached price closest to ts within the tolerance
// window, or nil when the cache cannot serve the request.
func (r *Repository) GetPriceNear(ctx context.Context, asset string, ts time.Time, tolerance time.Duration) (*models.OraclePrice, error) {
	return scanPrice(r.db.QueryRow(ctx, `
		SELECT asset, chain_id, block_number, block_time, price_usd::text, price_scale, source
		FROM raw.oracle_prices
		WHERE asset = $1
		  AND block_time BETWEEN $2 AND $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (block_time - $4::timestamptz)))
		LIMIT 1
	`, asset, ts.Add(-tolerance), ts.Add(tolerance), ts))
}

// GetPriceAtBlock returns the exact cached price for a block, if any.
func (r *Repository) GetPriceAtBlock(ctx context.Context, asset string, chainID int64, block uint64) (*models.OraclePrice, error) {
	return scanPrice(r.db.QueryRow(ctx, `
		SELECT asset, chain_id, block_number, block_time, price_usd::text, price_scale, source
		FROM raw.oracle_prices
		WHERE asset = $1 AND chain_id = $2 AND block_number = $3
	`, asset, chainID, block))
}

// GetLatestPrice returns the newest cached price for an asset.
func (r *Repository) GetLatestPrice(ctx context.Context, asset string) (*models.OraclePrice, error) {
	return scanPrice(r.db.QueryRow(ctx, `
		SELECT asset, chain_id, block_number, block_time, price_usd::text, price_scale, source
		FROM raw.oracle_prices
		WHERE asset = $1
		ORDER BY block_time DESC
		LIMIT 1
	`, asset))
}
