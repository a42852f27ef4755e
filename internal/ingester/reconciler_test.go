package ingester

import (
	"math/big"
	"testing"

	"dropletindex/internal/config"
	"dropletindex/internal/models"
)

func integrationEvent(protocol, name, user, tx string, amount int64) models.IntegrationEvent {
	return models.IntegrationEvent{
		ChainID:     1,
		TxHash:      tx,
		ProtocolID:  protocol,
		EventName:   name,
		UserAddress: user,
		Asset:       "AETH",
		Amount:      big.NewInt(amount),
		Shares:      big.NewInt(0),
	}
}

func vaultEvent(user, tx string, delta int64, class string) models.ShareEvent {
	return models.ShareEvent{
		ChainID:        1,
		TxHash:         tx,
		Address:        user,
		Asset:          "AETH",
		EventType:      models.EventTransfer,
		Classification: class,
		SharesDelta:    big.NewInt(delta),
	}
}

func TestFilterIntegrationEventsDropsZeroAmounts(t *testing.T) {
	t.Parallel()
	events := []models.IntegrationEvent{
		integrationEvent("lend", "deposit", alice, "0x1", 0),
		integrationEvent("lend", "deposit", alice, "0x1", 100),
	}
	got := FilterIntegrationEvents(events)
	if len(got) != 1 || got[0].Amount.Int64() != 100 {
		t.Fatalf("got %d events, want the single non-zero one", len(got))
	}
}

// A deposit_protected/withdraw_protected pair of equal amount in the same
// tx for the same user is an internal collateral transition and must
// cancel. An unpaired protected event survives.
func TestFilterIntegrationEventsCancelsProtectedPairs(t *testing.T) {
	t.Parallel()
	events := []models.IntegrationEvent{
		integrationEvent("lend", "deposit_protected", alice, "0x1", 100),
		integrationEvent("lend", "withdraw_protected", alice, "0x1", 100),
		integrationEvent("lend", "deposit_protected", bob, "0x2", 50),
		integrationEvent("lend", "deposit", alice, "0x1", 100),
	}
	got := FilterIntegrationEvents(events)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (pair cancelled): %+v", len(got), got)
	}
	for _, ev := range got {
		if ev.UserAddress == alice && ev.EventName != "deposit" {
			t.Fatalf("protected pair for %s not cancelled: %+v", alice, ev)
		}
	}
}

func TestMatchEventsByAddress(t *testing.T) {
	t.Parallel()
	modeFor := func(string) string { return config.MatchByAddress }

	vault := []models.ShareEvent{
		vaultEvent(alice, "0x1", -100, models.ClassIntegrationOut),
		vaultEvent(bob, "0x2", -100, models.ClassIntegrationOut),
	}
	integr := []models.IntegrationEvent{
		integrationEvent("lend", "deposit", alice, "0x1", 100),
	}

	matched, unVault, unIntegr := MatchEvents(vault, integr, modeFor)
	if matched != 1 {
		t.Fatalf("matched = %d, want 1", matched)
	}
	if len(unVault) != 1 || unVault[0].Address != bob {
		t.Fatalf("unmatched vault = %+v, want bob's event", unVault)
	}
	if len(unIntegr) != 0 {
		t.Fatalf("unmatched integration = %+v, want none", unIntegr)
	}
}

// Protocols that emit a router/proxy address cannot match on the user, so
// the fallback key is (tx, |amount|).
func TestMatchEventsByTxAmount(t *testing.T) {
	t.Parallel()
	modeFor := func(string) string { return config.MatchByTxAmount }

	vault := []models.ShareEvent{vaultEvent(alice, "0xabc", -250, models.ClassIntegrationOut)}
	integr := []models.IntegrationEvent{
		integrationEvent("vault4626", "deposit", "0x00000000000000000000000000000000000000ee", "0xabc", 250),
	}

	matched, unVault, unIntegr := MatchEvents(vault, integr, modeFor)
	if matched != 1 || len(unVault) != 0 || len(unIntegr) != 0 {
		t.Fatalf("matched=%d unVault=%d unIntegr=%d, want 1/0/0", matched, len(unVault), len(unIntegr))
	}
}

// LP mint/burn amounts are reserve-denominated and rarely equal the share
// transfer, so tx-only mode pairs on the transaction hash alone.
func TestMatchEventsByTxOnly(t *testing.T) {
	t.Parallel()
	modeFor := func(string) string { return config.MatchByTxOnly }

	vault := []models.ShareEvent{vaultEvent(alice, "0xdef", -300, models.ClassIntegrationOut)}
	integr := []models.IntegrationEvent{integrationEvent("amm_pool", "mint", alice, "0xdef", 299)}

	matched, _, _ := MatchEvents(vault, integr, modeFor)
	if matched != 1 {
		t.Fatalf("matched = %d, want 1", matched)
	}
}

func TestMatchEventsDoesNotReuseAnIntegrationEvent(t *testing.T) {
	t.Parallel()
	modeFor := func(string) string { return config.MatchByAddress }

	vault := []models.ShareEvent{
		vaultEvent(alice, "0x1", -100, models.ClassIntegrationOut),
		vaultEvent(alice, "0x2", -100, models.ClassIntegrationOut),
	}
	integr := []models.IntegrationEvent{
		integrationEvent("lend", "deposit", alice, "0x1", 100),
	}

	matched, unVault, _ := MatchEvents(vault, integr, modeFor)
	if matched != 1 || len(unVault) != 1 {
		t.Fatalf("matched=%d unVault=%d, want 1/1", matched, len(unVault))
	}
}

func TestMatchEventsUnmatchedIntegrationSurvives(t *testing.T) {
	t.Parallel()
	modeFor := func(string) string { return config.MatchByAddress }

	matched, unVault, unIntegr := MatchEvents(nil, []models.IntegrationEvent{
		integrationEvent("lend", "deposit", alice, "0x9", 42),
	}, modeFor)
	if matched != 0 || len(unVault) != 0 || len(unIntegr) != 1 {
		t.Fatalf("matched=%d unVault=%d unIntegr=%d, want 0/0/1", matched, len(unVault), len(unIntegr))
	}
}
