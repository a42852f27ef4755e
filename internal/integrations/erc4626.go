package integrations

import (
	"context"
	"fmt"
	"math/big"
)

// erc4626Adapter values vault shares:
// underlying = shares * totalAssets / totalSupply.
type erc4626Adapter struct {
	base
}

func (a *erc4626Adapter) PositionsAt(ctx context.Context, block uint64) ([]Position, error) {
	holders, err := a.holders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list holders: %w", a.ic.ProtocolID, err)
	}
	if len(holders) == 0 {
		return nil, nil
	}

	totalAssets, err := a.callUint256(ctx, selTotalAssets, block)
	if err != nil {
		return nil, fmt.Errorf("%s: totalAssets at %d: %w", a.ic.ProtocolID, block, err)
	}
	totalSupply, err := a.callUint256(ctx, selTotalSupply, block)
	if err != nil {
		return nil, fmt.Errorf("%s: totalSupply at %d: %w", a.ic.ProtocolID, block, err)
	}
	if totalSupply.Sign() == 0 {
		return nil, nil
	}

	out := make([]Position, 0, len(holders))
	for _, h := range holders {
		underlying := new(big.Int).Mul(h.Shares, totalAssets)
		underlying.Div(underlying, totalSupply)
		if underlying.Sign() > 0 {
			out = append(out, Position{User: h.Address, Underlying: underlying})
		}
	}
	return out, nil
}
