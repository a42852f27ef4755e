package snapshot

import "math/big"

// USD values are carried as micro-USD (scale 6) integers end to end.
const USDScale = 6

var (
	microUSD = new(big.Int).Exp(big.NewInt(10), big.NewInt(USDScale), nil)
	ten      = big.NewInt(10)
)

func pow10(n int) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// VaultUSD values canonical-chain vault shares in micro-USD:
// shares * pps * price * 10^6 / (10^ppsScale * 10^priceScale * 10^decimals).
// All multiplications happen before the single division so no precision is
// lost to intermediate truncation.
func VaultUSD(shares, pps *big.Int, ppsScale int, price *big.Int, priceScale, decimals int) *big.Int {
	num := new(big.Int).Mul(shares, pps)
	num.Mul(num, price)
	num.Mul(num, microUSD)

	den := pow10(ppsScale)
	den.Mul(den, pow10(priceScale))
	den.Mul(den, pow10(decimals))
	return num.Div(num, den)
}

// TokenUSD values an amount already denominated in underlying units
// (satellite OFT balances, integration exposures) in micro-USD.
func TokenUSD(amount, price *big.Int, priceScale, decimals int) *big.Int {
	num := new(big.Int).Mul(amount, price)
	num.Mul(num, microUSD)

	den := pow10(priceScale)
	den.Mul(den, pow10(decimals))
	return num.Div(num, den)
}

// Droplets converts a day's micro-USD exposure into droplets:
// floor(usd) * ratio.
func Droplets(usdMicro *big.Int, ratio int64) *big.Int {
	whole := new(big.Int).Div(usdMicro, microUSD)
	return whole.Mul(whole, big.NewInt(ratio))
}
