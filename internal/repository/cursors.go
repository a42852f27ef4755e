package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// GetCursor returns the resume point for one (chain, contract) stream.
// A stream that was never ingested returns a zero cursor.
func (r *Repository) GetCursor(ctx context.Context, chainID int64, contract string) (models.Cursor, error) {
	cur := models.Cursor{ChainID: chainID, ContractAddress: contract}
	err := r.db.QueryRow(ctx, `
		SELECT last_safe_block, last_tx_hash, last_log_index, updated_at
		FROM app.ingest_cursors
		WHERE chain_id = $1 AND contract_address = $2
	`, chainID, contract).Scan(&cur.LastSafeBlock, &cur.LastTxHash, &cur.LastLogIndex, &cur.UpdatedAt)
	if err == pgx.ErrNoRows {
		return cur, nil
	}
	if err != nil {
		return cur, err
	}
	return cur, nil
}

// SealCursor marks a clean batch boundary: everything up to and including
// toBlock is processed, with no intra-block tie-breaker. The WHERE guard
// keeps the advance monotonic.
func (r *Repository) SealCursor(ctx context.Context, chainID int64, contract string, toBlock uint64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.ingest_cursors (chain_id, contract_address, last_safe_block, last_tx_hash, last_log_index, updated_at)
		VALUES ($1, $2, $3, '', 0, NOW())
		ON CONFLICT (chain_id, contract_address) DO UPDATE
		SET last_safe_block = EXCLUDED.last_safe_block,
		    last_tx_hash = '',
		    last_log_index = 0,
		    updated_at = NOW()
		WHERE app.ingest_cursors.last_safe_block <= EXCLUDED.last_safe_block
	`, chainID, contract, toBlock)
	return err
}

// AdvanceCursor records progress up to and including one (tx_hash,
// log_index) without touching any other table. Used after idempotent
// side effects that commit in their own transaction, like round upserts.
func (r *Repository) AdvanceCursor(ctx context.Context, chainID int64, contract string, block uint64, txHash string, logIndex uint) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.ingest_cursors (chain_id, contract_address, last_safe_block, last_tx_hash, last_log_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (chain_id, contract_address) DO UPDATE
		SET last_safe_block = EXCLUDED.last_safe_block,
		    last_tx_hash = EXCLUDED.last_tx_hash,
		    last_log_index = EXCLUDED.last_log_index,
		    updated_at = NOW()
		WHERE app.ingest_cursors.last_safe_block <= EXCLUDED.last_safe_block
	`, chainID, contract, block, txHash, logIndex)
	return err
}

// ListCursors returns every cursor, for health reporting.
func (r *Repository) ListCursors(ctx context.Context) ([]models.Cursor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT chain_id, contract_address, last_safe_block, last_tx_hash, last_log_index, updated_at
		FROM app.ingest_cursors
		ORDER BY chain_id, contract_address
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Cursor
	for rows.Next() {
		var c models.Cursor
		if err := rows.Scan(&c.ChainID, &c.ContractAddress, &c.LastSafeBlock, &c.LastTxHash, &c.LastLogIndex, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCursor resets a stream so it re-ingests from its deploy block.
func (r *Repository) DeleteCursor(ctx context.Context, chainID int64, contract string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM app.ingest_cursors WHERE chain_id = $1 AND contract_address = $2
	`, chainID, contract)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
