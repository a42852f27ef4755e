package ingester

import (
	"math/big"
	"testing"

	"dropletindex/internal/models"
)

func shareEvent(eventType, class string, delta int64) models.ShareEvent {
	return models.ShareEvent{
		ChainID:        1,
		Address:        alice,
		Asset:          "AETH",
		EventType:      eventType,
		Classification: class,
		SharesDelta:    big.NewInt(delta),
		BlockNumber:    100,
	}
}

func TestDeriveChangesRedeemIsAuditOnly(t *testing.T) {
	t.Parallel()
	changes, flags := DeriveChanges(shareEvent(models.EventRedeem, models.ClassMint, 500))
	if len(changes) != 0 {
		t.Fatalf("redeem produced %d balance changes, want 0", len(changes))
	}
	if flags.Unstake || flags.Transfer || flags.Bridge {
		t.Fatalf("redeem set round flags: %+v", flags)
	}
}

func TestDeriveChangesUnstake(t *testing.T) {
	t.Parallel()
	changes, flags := DeriveChanges(shareEvent(models.EventUnstake, models.ClassBurnUnstake, -300))
	if !flags.Unstake {
		t.Fatal("unstake did not set the unstake flag")
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if changes[0].Delta.Cmp(big.NewInt(-300)) != 0 {
		t.Fatalf("delta = %s, want -300", changes[0].Delta)
	}
	if changes[0].Address != alice {
		t.Fatalf("address = %q, want %q", changes[0].Address, alice)
	}
}

func TestDeriveChangesBridge(t *testing.T) {
	t.Parallel()
	for _, class := range []string{models.ClassBridgeBurn, models.ClassBridgeMint} {
		_, flags := DeriveChanges(shareEvent(models.EventBridgeOut, class, -10))
		if !flags.Bridge {
			t.Errorf("classification %q did not set the bridge flag", class)
		}
	}
}

func TestDeriveChangesUserTransferMovesBothSides(t *testing.T) {
	t.Parallel()
	ev := shareEvent(models.EventTransfer, models.ClassTransferUser, -40)
	ev.Counterparty = bob

	changes, flags := DeriveChanges(ev)
	if !flags.Transfer {
		t.Fatal("transfer flag not set")
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	if changes[0].Address != alice || changes[0].Delta.Cmp(big.NewInt(-40)) != 0 {
		t.Fatalf("sender change = %s/%s", changes[0].Address, changes[0].Delta)
	}
	if changes[1].Address != bob || changes[1].Delta.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("counterparty change = %s/%s", changes[1].Address, changes[1].Delta)
	}

	// Both legs must cancel: the sum-of-deltas invariant depends on it.
	sum := new(big.Int).Add(changes[0].Delta, changes[1].Delta)
	if sum.Sign() != 0 {
		t.Fatalf("legs sum to %s, want 0", sum)
	}
}

func TestDeriveChangesMintSingleSide(t *testing.T) {
	t.Parallel()
	changes, flags := DeriveChanges(shareEvent(models.EventStake, models.ClassMint, 1000))
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if flags.Transfer || flags.Unstake || flags.Bridge {
		t.Fatalf("stake set unexpected flags: %+v", flags)
	}
	if changes[0].Delta.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("delta = %s, want 1000", changes[0].Delta)
	}
}
