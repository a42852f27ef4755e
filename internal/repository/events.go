package repository

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/jackc/pgx/v5"

	"dropletindex/internal/models"
)

// BalanceChange is one signed share delta targeting a single
// (address, asset, chain) row.
type BalanceChange struct {
	ChainID int64
	Address string
	Asset   string
	Delta   *big.Int
	Block   uint64
}

// RoundFlags marks which had_*_in_round flags an event sets on the open
// round's balance snapshots (Chain-E only).
type RoundFlags struct {
	Unstake  bool
	Transfer bool
	Bridge   bool
}

// ApplyShareEvent persists one decoded event and its effects in a single
// transaction: the append-only raw row, the folded balance updates, the
// open-round activity flags, and the cursor advance. Duplicate events
// (same chain/tx/log) skip the effects but still advance the cursor, which
// is what makes replay after a crash harmless. Backfills pass
// advanceCursor=false: they must not move the live resume point, in either
// direction.
func (r *Repository) ApplyShareEvent(ctx context.Context, contract string, ev models.ShareEvent, changes []BalanceChange, flags RoundFlags, canonicalChainID int64, advanceCursor bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO raw.share_events (
			chain_id, tx_hash, log_index, address, counterparty, asset,
			event_type, classification, shares_delta, block_number, block_time,
			round_id, oft_guid
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13)
		ON CONFLICT (chain_id, tx_hash, log_index) DO NOTHING
	`, ev.ChainID, ev.TxHash, ev.LogIndex, ev.Address, ev.Counterparty, ev.Asset,
		ev.EventType, ev.Classification, ev.SharesDelta.String(), ev.BlockNumber, ev.BlockTime,
		ev.RoundID, ev.OFTGuid)
	if err != nil {
		return fmt.Errorf("insert share event: %w", err)
	}

	if tag.RowsAffected() > 0 {
		for _, ch := range changes {
			if err := applyBalanceChange(ctx, tx, ch); err != nil {
				return err
			}
		}
		if flags != (RoundFlags{}) && ev.ChainID == canonicalChainID {
			if err := setRoundFlags(ctx, tx, ev, flags, canonicalChainID); err != nil {
				return err
			}
		}
	}

	// Advance the cursor together with the event's effects: resume skips
	// everything up to and including this (tx_hash, log_index).
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

// applyBalanceChange performs the read-modify-write under the transaction's
// row lock. A would-be negative balance is an invariant violation (missing
// history before the cursor start): it is logged and the row left unchanged;
// the raw event is still persisted so a backfill can heal it.
func applyBalanceChange(ctx context.Context, tx pgx.Tx, ch BalanceChange) error {
	var currentStr string
	err := tx.QueryRow(ctx, `
		SELECT shares::text FROM app.current_balances
		WHERE address = $1 AND asset = $2 AND chain_id = $3
		FOR UPDATE
	`, ch.Address, ch.Asset, ch.ChainID).Scan(&currentStr)

	if err == pgx.ErrNoRows {
		if ch.Delta.Sign() < 0 {
			log.Printf("[balances] ERROR: negative balance for %s %s chain=%d (no prior row, delta=%s); leaving unchanged",
				ch.Address, ch.Asset, ch.ChainID, ch.Delta.String())
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO app.current_balances (address, asset, chain_id, shares, last_update_block, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5, NOW())
		`, ch.Address, ch.Asset, ch.ChainID, ch.Delta.String(), ch.Block)
		return err
	}
	if err != nil {
		return fmt.Errorf("lock balance row: %w", err)
	}

	current, ok := new(big.Int).SetString(currentStr, 10)
	if !ok {
		return fmt.Errorf("corrupt balance %q for %s/%s/%d", currentStr, ch.Address, ch.Asset, ch.ChainID)
	}

	next := new(big.Int).Add(current, ch.Delta)
	if next.Sign() < 0 {
		log.Printf("[balances] ERROR: negative balance for %s %s chain=%d (current=%s delta=%s); leaving unchanged",
			ch.Address, ch.Asset, ch.ChainID, current.String(), ch.Delta.String())
		return nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE app.current_balances
		SET shares = $4::numeric, last_update_block = $5, updated_at = NOW()
		WHERE address = $1 AND asset = $2 AND chain_id = $3
	`, ch.Address, ch.Asset, ch.ChainID, next.String(), ch.Block)
	return err
}

// setRoundFlags ORs the activity flags into the open round's snapshot rows
// for every address the event touches.
func setRoundFlags(ctx context.Context, tx pgx.Tx, ev models.ShareEvent, flags RoundFlags, canonicalChainID int64) error {
	addrs := []string{ev.Address}
	if ev.Counterparty != "" {
		addrs = append(addrs, ev.Counterparty)
	}
	for _, addr := range addrs {
		_, err := tx.Exec(ctx, `
			UPDATE app.balance_snapshots
			SET had_unstake_in_round  = had_unstake_in_round  OR $4,
			    had_transfer_in_round = had_transfer_in_round OR $5,
			    had_bridge_in_round   = had_bridge_in_round   OR $6
			WHERE address = $1 AND asset = $2
			  AND round_id = (SELECT MAX(round_id) FROM raw.rounds WHERE asset = $2 AND chain_id = $3)
		`, addr, ev.Asset, canonicalChainID, flags.Unstake, flags.Transfer, flags.Bridge)
		if err != nil {
			return fmt.Errorf("set round flags: %w", err)
		}
	}
	return nil
}
