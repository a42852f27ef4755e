package snapshot

import (
	"math/big"
	"testing"
)

func bigFromString(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

// 10 AETH shares at PPS 1.0 and $2,000 must value to exactly $20,000 and
// accrue 20,000 droplets at the default 1:1 ratio.
func TestVaultUSDWholePosition(t *testing.T) {
	t.Parallel()
	shares := bigFromString(t, "10000000000000000000") // 10e18
	pps := bigFromString(t, "1000000000000000000")     // 1.0 at scale 18
	price := big.NewInt(2000_00000000)                 // $2000 at scale 8

	usd := VaultUSD(shares, pps, 18, price, 8, 18)
	if want := big.NewInt(20_000_000_000); usd.Cmp(want) != 0 {
		t.Fatalf("usd = %s micro, want %s", usd, want)
	}
	if d := Droplets(usd, 1); d.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("droplets = %s, want 20000", d)
	}
}

func TestVaultUSDAppliesPPS(t *testing.T) {
	t.Parallel()
	shares := bigFromString(t, "10000000000000000000") // 10e18
	pps := bigFromString(t, "1050000000000000000")     // 1.05
	price := big.NewInt(2000_00000000)

	usd := VaultUSD(shares, pps, 18, price, 8, 18)
	if want := big.NewInt(21_000_000_000); usd.Cmp(want) != 0 {
		t.Fatalf("usd = %s micro, want %s (10 * 1.05 * $2000)", usd, want)
	}
}

func TestVaultUSDSingleDivision(t *testing.T) {
	t.Parallel()
	// 1 wei of shares at PPS 1.0 and $2000: 2000e8 * 1e6 / 1e26 would be
	// zero if truncated early; the single-division form keeps the 0.002
	// micro-USD floor at 0 without compounding error across terms.
	usd := VaultUSD(big.NewInt(1), bigFromString(t, "1000000000000000000"), 18, big.NewInt(2000_00000000), 8, 18)
	if usd.Sign() != 0 {
		t.Fatalf("dust valued to %s micro-USD, want 0", usd)
	}
}

func TestTokenUSDSixDecimalAsset(t *testing.T) {
	t.Parallel()
	amount := big.NewInt(5_000_000) // 5 AUSD at 6 decimals
	price := big.NewInt(1_00000000) // $1.00 at scale 8

	usd := TokenUSD(amount, price, 8, 6)
	if want := big.NewInt(5_000_000); usd.Cmp(want) != 0 {
		t.Fatalf("usd = %s micro, want %s", usd, want)
	}
}

func TestTokenUSDEightDecimalAsset(t *testing.T) {
	t.Parallel()
	amount := big.NewInt(50_000_000)     // 0.5 ABTC at 8 decimals
	price := big.NewInt(60_000_00000000) // $60,000 at scale 8

	usd := TokenUSD(amount, price, 8, 8)
	if want := big.NewInt(30_000_000_000); usd.Cmp(want) != 0 {
		t.Fatalf("usd = %s micro, want %s", usd, want)
	}
}

func TestDropletsFloorsFractionalUSD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		usdMicro int64
		ratio    int64
		want     int64
	}{
		{1_500_000, 1, 1},  // $1.50 -> 1
		{999_999, 1, 0},    // $0.999999 -> 0
		{1_500_000, 2, 2},  // floor first, then scale by the ratio
		{20_000_000_000, 1, 20_000},
		{0, 1, 0},
	}
	for _, tc := range tests {
		got := Droplets(big.NewInt(tc.usdMicro), tc.ratio)
		if got.Int64() != tc.want {
			t.Errorf("Droplets(%d, %d) = %s, want %d", tc.usdMicro, tc.ratio, got, tc.want)
		}
	}
}
