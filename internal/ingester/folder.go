package ingester

import (
	"math/big"

	"dropletindex/internal/models"
	"dropletindex/internal/repository"
)

// DeriveChanges maps one persisted event to the balance rows it moves and
// the round flags it sets. Every change targets exactly one
// (address, asset, chain) row, which keeps updates commutative across
// streams.
//
// Redeem is the one audit-only event: it converts pending stake into
// minted shares, and the exposure was already credited at Stake time.
func DeriveChanges(ev models.ShareEvent) ([]repository.BalanceChange, repository.RoundFlags) {
	var flags repository.RoundFlags

	if ev.EventType == models.EventRedeem {
		return nil, flags
	}
	if ev.EventType == models.EventUnstake || ev.EventType == models.EventInstantUnstake {
		flags.Unstake = true
	}
	if ev.Classification == models.ClassBridgeBurn || ev.Classification == models.ClassBridgeMint {
		flags.Bridge = true
	}

	changes := []repository.BalanceChange{{
		ChainID: ev.ChainID,
		Address: ev.Address,
		Asset:   ev.Asset,
		Delta:   ev.SharesDelta,
		Block:   ev.BlockNumber,
	}}

	if ev.Classification == models.ClassTransferUser && ev.Counterparty != "" {
		flags.Transfer = true
		changes = append(changes, repository.BalanceChange{
			ChainID: ev.ChainID,
			Address: ev.Counterparty,
			Asset:   ev.Asset,
			Delta:   new(big.Int).Neg(ev.SharesDelta),
			Block:   ev.BlockNumber,
		})
	}

	return changes, flags
}
