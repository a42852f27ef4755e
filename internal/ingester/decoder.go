package ingester

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event is a decoded log variant. Decoders produce these; the classifier
// attaches a classification before the folder applies them.
type Event interface {
	Name() string
}

type TransferEvent struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

func (TransferEvent) Name() string { return "Transfer" }

type StakeEvent struct {
	User   common.Address
	Amount *big.Int
	Round  *big.Int
}

func (StakeEvent) Name() string { return "Stake" }

type UnstakeEvent struct {
	User   common.Address
	Shares *big.Int
	Round  *big.Int
}

func (UnstakeEvent) Name() string { return "Unstake" }

type RedeemEvent struct {
	User   common.Address
	Shares *big.Int
	Round  *big.Int
}

func (RedeemEvent) Name() string { return "Redeem" }

type InstantUnstakeEvent struct {
	User   common.Address
	Amount *big.Int
	Round  *big.Int
}

func (InstantUnstakeEvent) Name() string { return "InstantUnstake" }

type RoundRolledEvent struct {
	Round           *big.Int
	PPS             *big.Int
	SharesMinted    *big.Int
	WrappedMinted   *big.Int
	WrappedBurned   *big.Int
	Yield           *big.Int
	IsYieldPositive bool
}

func (RoundRolledEvent) Name() string { return "RoundRolled" }

type OFTSentEvent struct {
	Guid           [32]byte
	DstEid         uint32
	From           common.Address
	AmountSent     *big.Int
	AmountReceived *big.Int
}

func (OFTSentEvent) Name() string { return "OFTSent" }

func (e OFTSentEvent) GuidHex() string { return "0x" + hex.EncodeToString(e.Guid[:]) }

type OFTReceivedEvent struct {
	Guid   [32]byte
	SrcEid uint32
	To     common.Address
	Amount *big.Int
}

func (OFTReceivedEvent) Name() string { return "OFTReceived" }

func (e OFTReceivedEvent) GuidHex() string { return "0x" + hex.EncodeToString(e.Guid[:]) }

// Integration protocol events.

type DepositEvent struct { // ERC-4626 Deposit(sender, owner, assets, shares)
	Sender common.Address
	Owner  common.Address
	Assets *big.Int
	Shares *big.Int
}

func (DepositEvent) Name() string { return "Deposit" }

type WithdrawEvent struct { // ERC-4626 Withdraw(sender, receiver, owner, assets, shares)
	Sender   common.Address
	Receiver common.Address
	Owner    common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (WithdrawEvent) Name() string { return "Withdraw" }

type CTokenMintEvent struct { // Compound-style Mint(minter, mintAmount, mintTokens)
	Minter     common.Address
	MintAmount *big.Int
	MintTokens *big.Int
}

func (CTokenMintEvent) Name() string { return "Mint" }

type CTokenRedeemEvent struct { // Compound-style Redeem(redeemer, redeemAmount, redeemTokens)
	Redeemer     common.Address
	RedeemAmount *big.Int
	RedeemTokens *big.Int
}

func (CTokenRedeemEvent) Name() string { return "Redeem" }

type PairMintEvent struct { // UniV2-style Mint(sender, amount0, amount1)
	Sender  common.Address
	Amount0 *big.Int
	Amount1 *big.Int
}

func (PairMintEvent) Name() string { return "Mint" }

type PairBurnEvent struct { // UniV2-style Burn(sender, amount0, amount1, to)
	Sender  common.Address
	Amount0 *big.Int
	Amount1 *big.Int
	To      common.Address
}

func (PairBurnEvent) Name() string { return "Burn" }

// Topic hashes for every signature the ingester understands.
var (
	topicTransfer       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	topicStake          = crypto.Keccak256Hash([]byte("Stake(address,uint256,uint256)"))
	topicUnstake        = crypto.Keccak256Hash([]byte("Unstake(address,uint256,uint256)"))
	topicRedeem         = crypto.Keccak256Hash([]byte("Redeem(address,uint256,uint256)"))
	topicInstantUnstake = crypto.Keccak256Hash([]byte("InstantUnstake(address,uint256,uint256)"))
	topicRoundRolled    = crypto.Keccak256Hash([]byte("RoundRolled(uint256,uint256,uint256,uint256,uint256,uint256,bool)"))
	topicOFTSent        = crypto.Keccak256Hash([]byte("OFTSent(bytes32,uint32,address,uint256,uint256)"))
	topicOFTReceived    = crypto.Keccak256Hash([]byte("OFTReceived(bytes32,uint32,address,uint256)"))
	topicDeposit        = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256,uint256)"))
	topicWithdraw       = crypto.Keccak256Hash([]byte("Withdraw(address,address,address,uint256,uint256)"))
	topicMint3          = crypto.Keccak256Hash([]byte("Mint(address,uint256,uint256)"))
	topicBurn4          = crypto.Keccak256Hash([]byte("Burn(address,uint256,uint256,address)"))
)

func mustType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

var (
	typeUint256 = mustType("uint256")
	typeUint32  = mustType("uint32")
	typeAddress = mustType("address")
	typeBool    = mustType("bool")
)

// Data layouts (non-indexed args only).
var (
	argsValue       = abi.Arguments{{Type: typeUint256}}
	argsAmountRound = abi.Arguments{{Type: typeUint256}, {Type: typeUint256}}
	argsRoundRolled = abi.Arguments{
		{Type: typeUint256}, {Type: typeUint256}, {Type: typeUint256},
		{Type: typeUint256}, {Type: typeUint256}, {Type: typeUint256}, {Type: typeBool},
	}
	argsOFTSent       = abi.Arguments{{Type: typeUint32}, {Type: typeUint256}, {Type: typeUint256}}
	argsOFTReceived   = abi.Arguments{{Type: typeUint32}, {Type: typeUint256}}
	argsAssetsShares  = abi.Arguments{{Type: typeUint256}, {Type: typeUint256}}
	argsCTokenMint    = abi.Arguments{{Type: typeAddress}, {Type: typeUint256}, {Type: typeUint256}}
	argsPairAmounts01 = abi.Arguments{{Type: typeUint256}, {Type: typeUint256}}
)

func topicAddress(t common.Hash) common.Address {
	return common.BytesToAddress(t.Bytes())
}

// DecodeTokenLog decodes one log from a vault share token or OFT
// deployment. Unknown topics return (nil, nil): they are tolerated, not
// errors.
func DecodeTokenLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	switch lg.Topics[0] {
	case topicTransfer:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("transfer log with %d topics", len(lg.Topics))
		}
		vals, err := argsValue.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack transfer: %w", err)
		}
		return TransferEvent{
			From:  topicAddress(lg.Topics[1]),
			To:    topicAddress(lg.Topics[2]),
			Value: vals[0].(*big.Int),
		}, nil

	case topicStake, topicUnstake, topicRedeem, topicInstantUnstake:
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("staking log with %d topics", len(lg.Topics))
		}
		vals, err := argsAmountRound.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack staking event: %w", err)
		}
		user := topicAddress(lg.Topics[1])
		amount := vals[0].(*big.Int)
		round := vals[1].(*big.Int)
		switch lg.Topics[0] {
		case topicStake:
			return StakeEvent{User: user, Amount: amount, Round: round}, nil
		case topicUnstake:
			return UnstakeEvent{User: user, Shares: amount, Round: round}, nil
		case topicRedeem:
			return RedeemEvent{User: user, Shares: amount, Round: round}, nil
		default:
			return InstantUnstakeEvent{User: user, Amount: amount, Round: round}, nil
		}

	case topicRoundRolled:
		vals, err := argsRoundRolled.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack RoundRolled: %w", err)
		}
		return RoundRolledEvent{
			Round:           vals[0].(*big.Int),
			PPS:             vals[1].(*big.Int),
			SharesMinted:    vals[2].(*big.Int),
			WrappedMinted:   vals[3].(*big.Int),
			WrappedBurned:   vals[4].(*big.Int),
			Yield:           vals[5].(*big.Int),
			IsYieldPositive: vals[6].(bool),
		}, nil

	case topicOFTSent:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("OFTSent log with %d topics", len(lg.Topics))
		}
		vals, err := argsOFTSent.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack OFTSent: %w", err)
		}
		ev := OFTSentEvent{
			DstEid:         vals[0].(uint32),
			From:           topicAddress(lg.Topics[2]),
			AmountSent:     vals[1].(*big.Int),
			AmountReceived: vals[2].(*big.Int),
		}
		copy(ev.Guid[:], lg.Topics[1].Bytes())
		return ev, nil

	case topicOFTReceived:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("OFTReceived log with %d topics", len(lg.Topics))
		}
		vals, err := argsOFTReceived.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack OFTReceived: %w", err)
		}
		ev := OFTReceivedEvent{
			SrcEid: vals[0].(uint32),
			To:     topicAddress(lg.Topics[2]),
			Amount: vals[1].(*big.Int),
		}
		copy(ev.Guid[:], lg.Topics[1].Bytes())
		return ev, nil
	}
	return nil, nil
}

// DecodeIntegrationLog decodes one log from an integration contract.
// `Mint(address,uint256,uint256)` is shared between Compound cTokens and
// UniV2 pairs; the topic count disambiguates (pairs index the sender).
// Receipt-token Transfers are decoded here too — holder tracking rides on
// them.
func DecodeIntegrationLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	switch lg.Topics[0] {
	case topicTransfer:
		return DecodeTokenLog(lg)

	case topicDeposit:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("deposit log with %d topics", len(lg.Topics))
		}
		vals, err := argsAssetsShares.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Deposit: %w", err)
		}
		return DepositEvent{
			Sender: topicAddress(lg.Topics[1]),
			Owner:  topicAddress(lg.Topics[2]),
			Assets: vals[0].(*big.Int),
			Shares: vals[1].(*big.Int),
		}, nil

	case topicWithdraw:
		if len(lg.Topics) < 4 {
			return nil, fmt.Errorf("withdraw log with %d topics", len(lg.Topics))
		}
		vals, err := argsAssetsShares.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Withdraw: %w", err)
		}
		return WithdrawEvent{
			Sender:   topicAddress(lg.Topics[1]),
			Receiver: topicAddress(lg.Topics[2]),
			Owner:    topicAddress(lg.Topics[3]),
			Assets:   vals[0].(*big.Int),
			Shares:   vals[1].(*big.Int),
		}, nil

	case topicMint3:
		if len(lg.Topics) >= 2 {
			vals, err := argsPairAmounts01.Unpack(lg.Data)
			if err != nil {
				return nil, fmt.Errorf("unpack pair Mint: %w", err)
			}
			return PairMintEvent{
				Sender:  topicAddress(lg.Topics[1]),
				Amount0: vals[0].(*big.Int),
				Amount1: vals[1].(*big.Int),
			}, nil
		}
		vals, err := argsCTokenMint.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack cToken Mint: %w", err)
		}
		return CTokenMintEvent{
			Minter:     vals[0].(common.Address),
			MintAmount: vals[1].(*big.Int),
			MintTokens: vals[2].(*big.Int),
		}, nil

	case topicRedeem:
		// On an integration contract Redeem is the Compound shape with no
		// indexed args; the vault shape has an indexed user.
		if len(lg.Topics) >= 2 {
			return DecodeTokenLog(lg)
		}
		vals, err := argsCTokenMint.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack cToken Redeem: %w", err)
		}
		return CTokenRedeemEvent{
			Redeemer:     vals[0].(common.Address),
			RedeemAmount: vals[1].(*big.Int),
			RedeemTokens: vals[2].(*big.Int),
		}, nil

	case topicBurn4:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("pair Burn log with %d topics", len(lg.Topics))
		}
		vals, err := argsPairAmounts01.Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack pair Burn: %w", err)
		}
		return PairBurnEvent{
			Sender:  topicAddress(lg.Topics[1]),
			Amount0: vals[0].(*big.Int),
			Amount1: vals[1].(*big.Int),
			To:      topicAddress(lg.Topics[2]),
		}, nil
	}
	return nil, nil
}
