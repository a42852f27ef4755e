package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"

	"github.com/google/uuid"

	"dropletindex/internal/config"
	"dropletindex/internal/models"
	"dropletindex/internal/repository"
)

// Reconciler cross-checks vault transfers flagged integration_in/out
// against the integration-protocol events in the same block range. It only
// reads canonical tables and writes a report row.
type Reconciler struct {
	repo *repository.Repository
	reg  *config.Registry
}

func NewReconciler(repo *repository.Repository, reg *config.Registry) *Reconciler {
	return &Reconciler{repo: repo, reg: reg}
}

// ReconcileReport summarizes one validator run.
type ReconcileReport struct {
	RunID                string                    `json:"run_id"`
	ChainID              int64                     `json:"chain_id"`
	FromBlock            uint64                    `json:"from_block"`
	ToBlock              uint64                    `json:"to_block"`
	Matched              int                       `json:"matched"`
	UnmatchedVault       []models.ShareEvent       `json:"unmatched_vault"`
	UnmatchedIntegration []models.IntegrationEvent `json:"unmatched_integration"`
}

// Run pulls both event sides for [from, to], applies the protocol
// pre-filters, matches greedily, and persists the report.
func (r *Reconciler) Run(ctx context.Context, chainID int64, fromBlock, toBlock uint64) (*ReconcileReport, error) {
	vaultEvents, err := r.repo.GetClassifiedShareEventsInRange(ctx, chainID, fromBlock, toBlock,
		[]string{models.ClassIntegrationIn, models.ClassIntegrationOut})
	if err != nil {
		return nil, fmt.Errorf("load vault events: %w", err)
	}
	integrEvents, err := r.repo.GetIntegrationEventsInRange(ctx, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("load integration events: %w", err)
	}

	integrEvents = FilterIntegrationEvents(integrEvents)
	matched, unVault, unIntegr := MatchEvents(vaultEvents, integrEvents, r.modeFor)

	report := &ReconcileReport{
		RunID:                uuid.NewString(),
		ChainID:              chainID,
		FromBlock:            fromBlock,
		ToBlock:              toBlock,
		Matched:              matched,
		UnmatchedVault:       unVault,
		UnmatchedIntegration: unIntegr,
	}

	vaultJSON, err := json.Marshal(unVault)
	if err != nil {
		return nil, fmt.Errorf("marshal unmatched vault events: %w", err)
	}
	integrJSON, err := json.Marshal(unIntegr)
	if err != nil {
		return nil, fmt.Errorf("marshal unmatched integration events: %w", err)
	}
	if err := r.repo.SaveReconciliationRun(ctx, report.RunID, chainID, fromBlock, toBlock, matched, vaultJSON, integrJSON); err != nil {
		return nil, fmt.Errorf("save reconciliation run: %w", err)
	}

	log.Printf("[reconciler] chain=%d blocks=[%d,%d] matched=%d unmatched_vault=%d unmatched_integration=%d",
		chainID, fromBlock, toBlock, matched, len(unVault), len(unIntegr))
	return report, nil
}

func (r *Reconciler) modeFor(protocolID string) string {
	for _, ic := range r.reg.Integrations {
		if ic.ProtocolID == protocolID {
			return ic.MatchMode
		}
	}
	return config.MatchByAddress
}

// FilterIntegrationEvents applies the protocol pre-filters: zero-amount
// events are dropped, and within one (tx, user) a symmetric
// withdraw_protected/deposit_protected pair of equal amount cancels out —
// those are internal collateral transitions, not user flows.
func FilterIntegrationEvents(events []models.IntegrationEvent) []models.IntegrationEvent {
	type pairKey struct {
		tx     string
		user   string
		amount string
	}
	protectedDeposits := map[pairKey]int{}
	protectedWithdraws := map[pairKey]int{}
	for _, ev := range events {
		k := pairKey{ev.TxHash, ev.UserAddress, ev.Amount.String()}
		switch ev.EventName {
		case "deposit_protected":
			protectedDeposits[k]++
		case "withdraw_protected":
			protectedWithdraws[k]++
		}
	}

	out := make([]models.IntegrationEvent, 0, len(events))
	for _, ev := range events {
		if ev.Amount == nil || ev.Amount.Sign() == 0 {
			continue
		}
		k := pairKey{ev.TxHash, ev.UserAddress, ev.Amount.String()}
		switch ev.EventName {
		case "deposit_protected":
			if protectedWithdraws[k] > 0 {
				protectedWithdraws[k]--
				continue
			}
		case "withdraw_protected":
			if protectedDeposits[k] > 0 {
				protectedDeposits[k]--
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

// MatchEvents pairs vault transfers with integration events greedily. The
// key depends on the protocol's match mode: (address, asset, |amount|) by
// default, (tx_hash, |amount|) for protocols that emit a proxy address, or
// tx_hash alone for LP mint/burn cases.
func MatchEvents(vault []models.ShareEvent, integr []models.IntegrationEvent, modeFor func(protocolID string) string) (int, []models.ShareEvent, []models.IntegrationEvent) {
	byAddress := map[string][]int{} // address|asset|amount -> integr indexes
	byTxAmount := map[string][]int{}
	byTx := map[string][]int{}
	used := make([]bool, len(integr))

	for i, ev := range integr {
		switch modeFor(ev.ProtocolID) {
		case config.MatchByTxAmount:
			k := ev.TxHash + "|" + ev.Amount.String()
			byTxAmount[k] = append(byTxAmount[k], i)
		case config.MatchByTxOnly:
			byTx[ev.TxHash] = append(byTx[ev.TxHash], i)
		default:
			k := ev.UserAddress + "|" + ev.Asset + "|" + ev.Amount.String()
			byAddress[k] = append(byAddress[k], i)
		}
	}

	take := func(m map[string][]int, k string) (int, bool) {
		for _, idx := range m[k] {
			if !used[idx] {
				used[idx] = true
				return idx, true
			}
		}
		return 0, false
	}

	var matched int
	var unVault []models.ShareEvent
	for _, ev := range vault {
		amount := new(big.Int).Abs(ev.SharesDelta).String()
		if _, ok := take(byAddress, ev.Address+"|"+ev.Asset+"|"+amount); ok {
			matched++
			continue
		}
		if _, ok := take(byTxAmount, ev.TxHash+"|"+amount); ok {
			matched++
			continue
		}
		if _, ok := take(byTx, ev.TxHash); ok {
			matched++
			continue
		}
		unVault = append(unVault, ev)
	}

	var unIntegr []models.IntegrationEvent
	for i, ev := range integr {
		if !used[i] {
			unIntegr = append(unIntegr, ev)
		}
	}
	return matched, unVault, unIntegr
}
