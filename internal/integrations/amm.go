package integrations

import (
	"context"
	"fmt"
	"math/big"
)

// ammAdapter values LP tokens against pool reserves:
// underlying = lp_shares * reserve(xToken) / totalSupply.
type ammAdapter struct {
	base
}

func (a *ammAdapter) PositionsAt(ctx context.Context, block uint64) ([]Position, error) {
	holders, err := a.holders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list holders: %w", a.ic.ProtocolID, err)
	}
	if len(holders) == 0 {
		return nil, nil
	}

	reserve, err := a.xTokenReserve(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("%s: reserves at %d: %w", a.ic.ProtocolID, block, err)
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
		underlying := new(big.Int).Mul(h.Shares, reserve)
		underlying.Div(underlying, totalSupply)
		if underlying.Sign() > 0 {
			out = append(out, Position{User: h.Address, Underlying: underlying})
		}
	}
	return out, nil
}

// xTokenReserve reads getReserves() and returns the configured slot.
// The return layout is (uint112 reserve0, uint112 reserve1, uint32 ts),
// each padded to a 32-byte word.
func (a *ammAdapter) xTokenReserve(ctx context.Context, block uint64) (*big.Int, error) {
	out, err := a.call(ctx, selGetReserves, block)
	if err != nil {
		return nil, err
	}
	if len(out) < 64 {
		return nil, fmt.Errorf("short getReserves return (%d bytes)", len(out))
	}
	if a.ic.ReserveSlot == 1 {
		return new(big.Int).SetBytes(out[32:64]), nil
	}
	return new(big.Int).SetBytes(out[:32]), nil
}
