package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain serves synthetic headers: block N has timestamp
// genesis + N*blockTime seconds.
type fakeChain struct {
	genesis   int64
	blockTime int64
	latest    uint64
	calls     int
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.calls++
	n := number.Uint64()
	if n > f.latest {
		return nil, errors.New("header not found")
	}
	return &types.Header{
		Number: new(big.Int).SetUint64(n),
		Time:   uint64(f.genesis + int64(n)*f.blockTime),
	}, nil
}

func TestSearchBlockExactHit(t *testing.T) {
	t.Parallel()
	chain := &fakeChain{genesis: 1_700_000_000, blockTime: 12, latest: 1_000_000}

	target := time.Unix(1_700_000_000+500_000*12, 0).UTC()
	block, ts, err := SearchBlock(context.Background(), chain, target)
	if err != nil {
		t.Fatal(err)
	}
	if block != 500_000 {
		t.Fatalf("block = %d, want 500000", block)
	}
	if !ts.Equal(target) {
		t.Fatalf("timestamp = %s, want %s", ts, target)
	}
}

func TestSearchBlockNearestWhenBetweenBlocks(t *testing.T) {
	t.Parallel()
	chain := &fakeChain{genesis: 1_700_000_000, blockTime: 12, latest: 1_000_000}

	// 5 seconds past block 1000: block 1000 is 5s away, block 1001 is 7s.
	target := time.Unix(1_700_000_000+1000*12+5, 0).UTC()
	block, ts, err := SearchBlock(context.Background(), chain, target)
	if err != nil {
		t.Fatal(err)
	}
	if block != 1000 {
		t.Fatalf("block = %d, want 1000", block)
	}
	wantTs := time.Unix(1_700_000_000+1000*12, 0).UTC()
	if !ts.Equal(wantTs) {
		t.Fatalf("timestamp = %s, want %s", ts, wantTs)
	}
}

func TestSearchBlockClampsToChainEdges(t *testing.T) {
	t.Parallel()
	chain := &fakeChain{genesis: 1_700_000_000, blockTime: 12, latest: 100}

	// Far in the future: the search must settle on the tip.
	block, _, err := SearchBlock(context.Background(), chain, time.Unix(2_000_000_000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if block != 100 {
		t.Fatalf("future target resolved to block %d, want tip 100", block)
	}

	// Before genesis: the earliest block wins.
	block, _, err = SearchBlock(context.Background(), chain, time.Unix(1_000_000_000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if block != 1 {
		t.Fatalf("ancient target resolved to block %d, want 1", block)
	}
}

func TestSearchBlockBoundedIterations(t *testing.T) {
	t.Parallel()
	chain := &fakeChain{genesis: 1_700_000_000, blockTime: 2, latest: 1 << 40}

	_, _, err := SearchBlock(context.Background(), chain, time.Unix(1_700_000_000+12345, 0))
	if err != nil {
		t.Fatal(err)
	}
	if chain.calls > searchIterations {
		t.Fatalf("made %d header calls, budget is %d", chain.calls, searchIterations)
	}
}
