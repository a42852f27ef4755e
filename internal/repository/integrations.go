package repository

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// IntegrationTransfer is a receipt-token Transfer on an integration
// contract (LP token, 4626 share, cToken), folded into per-user receipt
// balances.
type IntegrationTransfer struct {
	ChainID     int64
	TxHash      string
	LogIndex    uint
	ProtocolID  string
	From        string // "" for mint
	To          string // "" for burn
	Amount      *big.Int
	BlockNumber uint64
	BlockTime   time.Time
}

// ApplyIntegrationTransfer folds one receipt-token transfer and, for the
// live loop, advances the integration contract's cursor in the same
// transaction. Backfills pass advanceCursor=false.
func (r *Repository) ApplyIntegrationTransfer(ctx context.Context, contract string, t IntegrationTransfer, advanceCursor bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if t.From != "" {
		if err := applyIntegrationDelta(ctx, tx, t.ProtocolID, t.From, new(big.Int).Neg(t.Amount), t.BlockNumber); err != nil {
			return err
		}
	}
	if t.To != "" {
		if err := applyIntegrationDelta(ctx, tx, t.ProtocolID, t.To, t.Amount, t.BlockNumber); err != nil {
			return err
		}
	}

	if advanceCursor {
		_, err = tx.Exec(ctx, `
			INSERT INTO app.ingest_cursors (chain_id, contract_address, last_safe_block, last_tx_hash, last_log_index, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (chain_id, contract_address) DO UPDATE
			SET last_safe_block = EXCLUDED.last_safe_block,
			    last_tx_hash = EXCLUDED.last_tx_hash,
			    last_log_index = EXCLUDED.last_log_index,
			    updated_at = NOW()
			WHERE app.ingest_cursors.last_safe_block <= EXCLUDED.last_safe_block
		`, t.ChainID, contract, t.BlockNumber, t.TxHash, t.LogIndex)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func applyIntegrationDelta(ctx context.Context, tx pgx.Tx, protocolID, address string, delta *big.Int, block uint64) error {
	var currentStr string
	err := tx.QueryRow(ctx, `
		SELECT shares::text FROM app.integration_balances
		WHERE protocol_id = $1 AND address = $2
		FOR UPDATE
	`, protocolID, address).Scan(&currentStr)

	if err == pgx.ErrNoRows {
		if delta.Sign() < 0 {
			log.Printf("[integrations] ERROR: negative receipt balance for %s in %s (no prior row, delta=%s); leaving unchanged",
				address, protocolID, delta.String())
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO app.integration_balances (protocol_id, address, shares, last_update_block, updated_at)
			VALUES ($1, $2, $3::numeric, $4, NOW())
		`, protocolID, address, delta.String(), block)
		return err
	}
	if err != nil {
		return fmt.Errorf("lock integration balance: %w", err)
	}

	current, ok := new(big.Int).SetString(currentStr, 10)
	if !ok {
		return fmt.Errorf("corrupt integration balance %q for %s/%s", currentStr, protocolID, address)
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		log.Printf("[integrations] ERROR: negative receipt balance for %s in %s (current=%s delta=%s); leaving unchanged",
			address, protocolID, current.String(), delta.String())
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE app.integration_balances
		SET shares = $3::numeric, last_update_block = $4, updated_at = NOW()
		WHERE protocol_id = $1 AND address = $2
	`, protocolID, address, next.String(), block)
	return err
}

// InsertIntegrationEvent stores one decoded protocol event and, for the
// live loop, advances the contract cursor in the same transaction.
// Backfills pass advanceCursor=false.
func (r *Repository) InsertIntegrationEvent(ctx context.Context, contract string, ev models.IntegrationEvent, advanceCursor bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO raw.integration_events (
			chain_id, tx_hash, log_index, protocol_id, event_name,
			user_address, asset, amount, shares, block_number, block_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, ev.ChainID, ev.TxHash, ev.LogIndex, ev.ProtocolID, ev.EventName,
		ev.UserAddress, ev.Asset, ev.Amount.String(), ev.Shares.String(), ev.BlockNumber, ev.BlockTime)
	if err != nil {
		return fmt.Errorf("insert integration event: %w", err)
	}

	if advanceCursor {
		_, err = tx.Exec(ctx, `
			INSERT INTO app.ingest_cursors (chain_id, contract_address, last_safe_block, last_tx_hash, last_log_index, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (chain_id, contract_address) DO UPDATE
			SET last_safe_block = EXCLUDED.last_safe_block,
			    last_tx_hash = EXCLUDED.last_tx_hash,
			    last_log_index = EXCLUDED.last_log_index,
			    updated_at = NOW()
			WHERE app.ingest_cursors.last_safe_block <= EXCLUDED.last_safe_block
		`, ev.ChainID, contract, ev.BlockNumber, ev.TxHash, ev.LogIndex)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// IntegrationHolder is one positive receipt-token balance.
type IntegrationHolder struct {
	Address string
	Shares  *big.Int
}

// ListIntegrationHolders returns every address with a positive receipt
// balance in a protocol.
func (r *Repository) ListIntegrationHolders(ctx context.Context, protocolID string) ([]IntegrationHolder, error) {
	rows, err := r.db.Query(ctx, `
		SELECT address, shares::text
		FROM app.integration_balances
		WHERE protocol_id = $1 AND shares > 0
		ORDER BY address
	`, protocolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IntegrationHolder
	for rows.Next() {
		var h IntegrationHolder
		var shares string
		if err := rows.Scan(&h.Address, &shares); err != nil {
			return nil, err
		}
		h.Shares, _ = new(big.Int).SetString(shares, 10)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReplaceIntegrationPositions rewrites the derived position set for one
// protocol at a block. Positions are rebuildable; replace-all keeps them
// consistent with the adapter's view.
func (r *Repository) ReplaceIntegrationPositions(ctx context.Context, protocolID string, positions []models.IntegrationPosition) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM app.integration_positions WHERE protocol_id = $1`, protocolID); err != nil {
		return err
	}
	for _, p := range positions {
		_, err := tx.Exec(ctx, `
			INSERT INTO app.integration_positions (
				protocol_id, user_address, position_shares, underlying_xtoken_amount,
				usd_value, block_number, block_time
			) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		`, p.ProtocolID, p.UserAddress, p.PositionShares.String(),
			p.UnderlyingXTokenAmount.String(), p.USDValue.String(), p.BlockNumber, p.BlockTime)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetIntegrationEventsInRange returns protocol events for the validator.
func (r *Repository) GetIntegrationEventsInRange(ctx context.Context, chainID int64, fromBlock, toBlock uint64) ([]models.IntegrationEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT chain_id, tx_hash, log_index, protocol_id, event_name,
		       user_address, asset, amount::text, shares::text, block_number, block_time
		FROM raw.integration_events
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number, tx_hash, log_index
	`, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IntegrationEvent
	for rows.Next() {
		var ev models.IntegrationEvent
		var amount, shares string
		if err := rows.Scan(&ev.ChainID, &ev.TxHash, &ev.LogIndex, &ev.ProtocolID, &ev.EventName,
			&ev.UserAddress, &ev.Asset, &amount, &shares, &ev.BlockNumber, &ev.BlockTime); err != nil {
			return nil, err
		}
		ev.Amount, _ = new(big.Int).SetString(amount, 10)
		ev.Shares, _ = new(big.Int).SetString(shares, 10)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetClassifiedShareEventsInRange returns vault transfers with the given
// classifications for the validator.
func (r *Repository) GetClassifiedShareEventsInRange(ctx context.Context, chainID int64, fromBlock, toBlock uint64, classifications []string) ([]models.ShareEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT chain_id, tx_hash, log_index, address, counterparty, asset, event_type,
		       classification, shares_delta::text, block_number, block_time, round_id, oft_guid
		FROM raw.share_events
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		  AND classification = ANY($4::text[])
		ORDER BY block_number, tx_hash, log_index
	`, chainID, fromBlock, toBlock, classifications)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ShareEvent
	for rows.Next() {
		var ev models.ShareEvent
		var delta string
		if err := rows.Scan(&ev.ChainID, &ev.TxHash, &ev.LogIndex, &ev.Address, &ev.Counterparty,
			&ev.Asset, &ev.EventType, &ev.Classification, &delta, &ev.BlockNumber, &ev.BlockTime,
			&ev.RoundID, &ev.OFTGuid); err != nil {
			return nil, err
		}
		ev.SharesDelta, _ = new(big.Int).SetString(delta, 10)
		out = append(out, ev)
	}
	return out, rows.Err()
}
