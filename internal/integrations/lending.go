package integrations

import (
	"context"
	"fmt"
	"math/big"
)

var mantissa = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// cTokenAdapter values Compound-style lending receipts:
// underlying = cToken_balance * exchangeRateStored / 1e18.
type cTokenAdapter struct {
	base
}

func (a *cTokenAdapter) PositionsAt(ctx context.Context, block uint64) ([]Position, error) {
	holders, err := a.holders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list holders: %w", a.ic.ProtocolID, err)
	}
	if len(holders) == 0 {
		return nil, nil
	}

	rate, err := a.callUint256(ctx, selExchangeRateStored, block)
	if err != nil {
		return nil, fmt.Errorf("%s: exchangeRateStored at %d: %w", a.ic.ProtocolID, block, err)
	}

	out := make([]Position, 0, len(holders))
	for _, h := range holders {
		underlying := new(big.Int).Mul(h.Shares, rate)
		underlying.Div(underlying, mantissa)
		if underlying.Sign() > 0 {
			out = append(out, Position{User: h.Address, Underlying: underlying})
		}
	}
	return out, nil
}

// aTokenAdapter values rebasing aToken receipts one-to-one with the
// underlying; the tracked balance already is the underlying amount.
type aTokenAdapter struct {
	base
}

func (a *aTokenAdapter) PositionsAt(ctx context.Context, block uint64) ([]Position, error) {
	holders, err := a.holders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list holders: %w", a.ic.ProtocolID, err)
	}

	out := make([]Position, 0, len(holders))
	for _, h := range holders {
		if h.Shares.Sign() > 0 {
			out = append(out, Position{User: h.Address, Underlying: new(big.Int).Set(h.Shares)})
		}
	}
	return out, nil
}
