// Package integrations converts receipt-token holdings into underlying
// xToken exposure per protocol: AMM pairs via reserves and LP supply,
// ERC-4626 vaults via totalAssets/totalSupply, lending markets via the
// cToken exchange rate (aTokens are one-to-one).
package integrations

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"dropletindex/internal/config"
	"dropletindex/internal/repository"
)

// Position is one user's underlying exposure inside a protocol at a block.
type Position struct {
	User       string
	Underlying *big.Int
}

// Adapter answers positionsAt(block) for one protocol deployment.
type Adapter interface {
	ProtocolID() string
	Asset() string
	Chain() string
	PositionsAt(ctx context.Context, block uint64) ([]Position, error)
}

// caller is the single RPC capability adapters need: a historical view
// call. *chain.Pool satisfies it.
type caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// New builds the adapter matching the protocol kind.
func New(ic config.IntegrationConfig, repo *repository.Repository, rpc caller) (Adapter, error) {
	switch ic.Kind {
	case config.KindAMM:
		return &ammAdapter{base{ic, repo, rpc}}, nil
	case config.KindERC4626:
		return &erc4626Adapter{base{ic, repo, rpc}}, nil
	case config.KindLendingCTok:
		return &cTokenAdapter{base{ic, repo, rpc}}, nil
	case config.KindLendingATok:
		return &aTokenAdapter{base{ic, repo, rpc}}, nil
	}
	return nil, fmt.Errorf("integration %s: unknown kind %q", ic.ProtocolID, ic.Kind)
}

type base struct {
	ic   config.IntegrationConfig
	repo *repository.Repository
	rpc  caller
}

func (b *base) ProtocolID() string { return b.ic.ProtocolID }
func (b *base) Asset() string      { return b.ic.Asset }
func (b *base) Chain() string      { return b.ic.Chain }

func (b *base) holders(ctx context.Context) ([]repository.IntegrationHolder, error) {
	return b.repo.ListIntegrationHolders(ctx, b.ic.ProtocolID)
}

// View-call selectors.
var (
	selTotalSupply        = crypto.Keccak256([]byte("totalSupply()"))[:4]
	selTotalAssets        = crypto.Keccak256([]byte("totalAssets()"))[:4]
	selGetReserves        = crypto.Keccak256([]byte("getReserves()"))[:4]
	selExchangeRateStored = crypto.Keccak256([]byte("exchangeRateStored()"))[:4]
)

func (b *base) call(ctx context.Context, selector []byte, block uint64) ([]byte, error) {
	to := common.HexToAddress(b.ic.Contract.Address)
	return b.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: selector},
		new(big.Int).SetUint64(block))
}

func (b *base) callUint256(ctx context.Context, selector []byte, block uint64) (*big.Int, error) {
	out, err := b.call(ctx, selector, block)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("short return (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}
