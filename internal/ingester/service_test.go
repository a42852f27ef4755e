package ingester

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dropletindex/internal/config"
	"dropletindex/internal/models"
)

type fakeTransport struct {
	latest  uint64
	queries []ethereum.FilterQuery
}

func (f *fakeTransport) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeTransport) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1_700_000_000}, nil
}

func (f *fakeTransport) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	return nil, nil
}

func (f *fakeTransport) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, nil
}

func testStream() Stream {
	return Stream{
		Chain: config.ChainConfig{
			Name:          "eth",
			ChainID:       1,
			Confirmations: 10,
			BatchSize:     500,
		},
		Contract:    testVault,
		DeployBlock: 100,
		Kind:        StreamVault,
		Asset:       "AETH",
	}
}

// A backfill must never read past the safe head: blocks inside the
// confirmation window can still reorg.
func TestBackfillClampsAtSafeHead(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{latest: 5000}
	svc := &Service{}

	if err := svc.Backfill(context.Background(), testStream(), ft, 50, 400_000); err != nil {
		t.Fatal(err)
	}
	if len(ft.queries) == 0 {
		t.Fatal("no log queries issued")
	}

	if got := ft.queries[0].FromBlock.Uint64(); got != 100 {
		t.Errorf("first range starts at %d, want deploy block 100", got)
	}
	last := ft.queries[len(ft.queries)-1]
	if got := last.ToBlock.Uint64(); got != 4990 {
		t.Errorf("last range ends at %d, want safe head 4990", got)
	}
	for _, q := range ft.queries {
		if span := q.ToBlock.Uint64() - q.FromBlock.Uint64() + 1; span > 500 {
			t.Errorf("range [%s,%s] exceeds the batch size", q.FromBlock, q.ToBlock)
		}
	}
}

func TestBackfillAboveSafeHeadDoesNothing(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{latest: 5000}
	svc := &Service{}

	if err := svc.Backfill(context.Background(), testStream(), ft, 6000, 7000); err != nil {
		t.Fatal(err)
	}
	if len(ft.queries) != 0 {
		t.Fatalf("issued %d log queries for an unconfirmed range, want 0", len(ft.queries))
	}
}

// Every staking event that moves shares through a typed event must flag
// its transaction, or the paired Transfer leg double-counts.
func TestBuildTxContextsFlags(t *testing.T) {
	t.Parallel()
	txA := common.HexToHash("0xa1")
	txB := common.HexToHash("0xb2")

	logs := []types.Log{
		{
			TxHash: txA,
			Topics: []common.Hash{topicInstantUnstake, addrTopic(alice)},
			Data:   mustPack(t, argsAmountRound, big.NewInt(500), big.NewInt(7)),
		},
		{
			TxHash: txA,
			Topics: []common.Hash{topicTransfer, addrTopic(alice), addrTopic(config.ZeroAddress)},
			Data:   mustPack(t, argsValue, big.NewInt(500)),
		},
		{
			TxHash: txB,
			Topics: []common.Hash{topicRedeem, addrTopic(bob)},
			Data:   mustPack(t, argsAmountRound, big.NewInt(9), big.NewInt(7)),
		},
	}

	ctxs := buildTxContexts(logs)
	if !ctxs[txA].HasUnstake {
		t.Error("InstantUnstake did not flag its transaction")
	}
	if ctxs[txA].HasRedeem {
		t.Error("InstantUnstake transaction flagged as redeem")
	}
	if !ctxs[txB].HasRedeem {
		t.Error("Redeem did not flag its transaction")
	}

	burn := transfer(alice, config.ZeroAddress, 500)
	ct := ClassifyTransfer(burn, testVault, 1, ctxs[txA], testRegistry())
	if !ct.Ignore {
		t.Error("burn leg of an instant unstake was not suppressed")
	}
}

func TestAlreadyCommitted(t *testing.T) {
	t.Parallel()
	dirty := models.Cursor{LastSafeBlock: 500, LastTxHash: "0xab", LastLogIndex: 3}
	sealed := models.Cursor{LastSafeBlock: 500}

	tests := []struct {
		name  string
		cur   models.Cursor
		block uint64
		index uint
		want  bool
	}{
		{"earlier index in cursor block", dirty, 500, 2, true},
		{"exact cursor position", dirty, 500, 3, true},
		{"later index in cursor block", dirty, 500, 4, false},
		{"next block", dirty, 501, 0, false},
		{"sealed cursor never skips", sealed, 500, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lg := types.Log{BlockNumber: tc.block, Index: tc.index}
			if got := alreadyCommitted(tc.cur, lg); got != tc.want {
				t.Errorf("alreadyCommitted(block=%d index=%d) = %v, want %v", tc.block, tc.index, got, tc.want)
			}
		})
	}
}

func TestLagBlocks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		safe   uint64
		cursor uint64
		want   uint64
	}{
		{100, 90, 10},
		{100, 100, 0},
		{90, 100, 0}, // lagging endpoint reports a tip below the cursor
		{0, 0, 0},
	}
	for _, tc := range tests {
		if got := lagBlocks(tc.safe, tc.cursor); got != tc.want {
			t.Errorf("lagBlocks(%d, %d) = %d, want %d", tc.safe, tc.cursor, got, tc.want)
		}
	}
}
