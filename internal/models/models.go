package models

import (
	"encoding/json"
	"math/big"
	"time"
)

// Event types emitted by the vault and OFT contracts.
const (
	EventStake          = "stake"
	EventUnstake        = "unstake"
	EventRedeem         = "redeem"
	EventInstantUnstake = "instant_unstake"
	EventTransfer       = "transfer"
	EventBridgeIn       = "bridge_in"
	EventBridgeOut      = "bridge_out"
)

// Transfer classifications, in the order the classifier applies them.
const (
	ClassMint           = "mint"
	ClassBurnUnstake    = "burn_unstake"
	ClassBridgeBurn     = "bridge_burn"
	ClassBridgeMint     = "bridge_mint"
	ClassIntegrationIn  = "integration_in"
	ClassIntegrationOut = "integration_out"
	ClassTransferUser   = "transfer_user"
)

// Daily job states.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Oracle price sources.
const (
	PriceSourceOnchain  = "onchain"
	PriceSourceCache    = "cache"
	PriceSourceFallback = "fallback"
)

// Cursor is the persistent resume point for one (chain, contract) stream.
// last_tx_hash/last_log_index break ties within last_safe_block so a restart
// skips logs that were already committed.
type Cursor struct {
	ChainID         int64     `json:"chain_id"`
	ContractAddress string    `json:"contract_address"`
	LastSafeBlock   uint64    `json:"last_safe_block"`
	LastTxHash      string    `json:"last_tx_hash"`
	LastLogIndex    uint      `json:"last_log_index"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ShareEvent is one canonical, append-only row in raw.share_events.
// Address is the primary actor; Counterparty is set for user-to-user
// transfers (the receiver) so the folder can apply both sides atomically.
type ShareEvent struct {
	ChainID        int64     `json:"chain_id"`
	TxHash         string    `json:"tx_hash"`
	LogIndex       uint      `json:"log_index"`
	Address        string    `json:"address"`
	Counterparty   string    `json:"counterparty,omitempty"`
	Asset          string    `json:"asset"`
	EventType      string    `json:"event_type"`
	Classification string    `json:"classification"`
	SharesDelta    *big.Int  `json:"shares_delta"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTime      time.Time `json:"block_time"`
	RoundID        *int64    `json:"round_id,omitempty"`
	OFTGuid        string    `json:"oft_guid,omitempty"`
}

// Round is one PPS interval on Chain-E, delimited by RoundRolled events.
type Round struct {
	Asset           string     `json:"asset"`
	ChainID         int64      `json:"chain_id"`
	RoundID         int64      `json:"round_id"`
	StartBlock      uint64     `json:"start_block"`
	StartTs         time.Time  `json:"start_ts"`
	EndTs           *time.Time `json:"end_ts,omitempty"`
	PPS             *big.Int   `json:"pps"`
	PPSScale        int        `json:"pps_scale"`
	SharesMinted    *big.Int   `json:"shares_minted"`
	Yield           *big.Int   `json:"yield"`
	IsYieldPositive bool       `json:"is_yield_positive"`
	TxHash          string     `json:"tx_hash"`
}

// CurrentBalance is the folded share (or OFT token) balance for one
// (address, asset, chain). Invariant: Shares >= 0.
type CurrentBalance struct {
	Address         string   `json:"address"`
	Asset           string   `json:"asset"`
	ChainID         int64    `json:"chain_id"`
	Shares          *big.Int `json:"shares"`
	LastUpdateBlock uint64   `json:"last_update_block"`
}

// BalanceSnapshot captures a holder's shares at the start of a round on
// Chain-E, plus activity flags accumulated while the round is open.
type BalanceSnapshot struct {
	Address            string   `json:"address"`
	Asset              string   `json:"asset"`
	RoundID            int64    `json:"round_id"`
	SharesAtStart      *big.Int `json:"shares_at_start"`
	HadUnstakeInRound  bool     `json:"had_unstake_in_round"`
	HadTransferInRound bool     `json:"had_transfer_in_round"`
	HadBridgeInRound   bool     `json:"had_bridge_in_round"`
}

// OraclePrice is one cached price point in the timeline.
type OraclePrice struct {
	Asset       string    `json:"asset"`
	ChainID     int64     `json:"chain_id"`
	BlockNumber uint64    `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`
	PriceUSD    *big.Int  `json:"price_usd"`
	PriceScale  int       `json:"price_scale"`
	Source      string    `json:"source"`
}

// IntegrationEvent is a decoded protocol event (Deposit, Withdraw, Mint,
// Burn, Redeem) from an integration contract.
type IntegrationEvent struct {
	ChainID     int64     `json:"chain_id"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	ProtocolID  string    `json:"protocol_id"`
	EventName   string    `json:"event_name"`
	UserAddress string    `json:"user_address"`
	Asset       string    `json:"asset"`
	Amount      *big.Int  `json:"amount"`
	Shares      *big.Int  `json:"shares"`
	BlockNumber uint64    `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`
}

// IntegrationPosition is a derived user exposure inside one protocol.
type IntegrationPosition struct {
	ProtocolID             string    `json:"protocol_id"`
	UserAddress            string    `json:"user_address"`
	PositionShares         *big.Int  `json:"position_shares"`
	UnderlyingXTokenAmount *big.Int  `json:"underlying_xtoken_amount"`
	USDValue               *big.Int  `json:"usd_value"`
	BlockNumber            uint64    `json:"block_number"`
	BlockTime              time.Time `json:"block_time"`
}

// DailyUsdSnapshot is one address's consolidated USD exposure for a day.
// TotalUsdValue is micro-USD (scale 6).
type DailyUsdSnapshot struct {
	Address        string          `json:"address"`
	SnapshotDate   string          `json:"snapshot_date"` // YYYY-MM-DD, UTC
	TotalUsdValue  *big.Int        `json:"total_usd_value"`
	Breakdown      json.RawMessage `json:"breakdown,omitempty"`
	HadUnstake     bool            `json:"had_unstake"`
	IsExcluded     bool            `json:"is_excluded"`
	DropletsEarned *big.Int        `json:"droplets_earned"`
	SnapshotTs     time.Time       `json:"snapshot_ts"`
}

// DropletLedgerEntry is one idempotent accrual row.
type DropletLedgerEntry struct {
	Address      string   `json:"address"`
	SnapshotDate string   `json:"snapshot_date"`
	Amount       *big.Int `json:"amount"`
	Reason       string   `json:"reason"`
}

// LeaderboardEntry is one derived leaderboard row.
type LeaderboardEntry struct {
	Rank             int64    `json:"rank"`
	Address          string   `json:"address"`
	TotalDroplets    *big.Int `json:"total_droplets"`
	DaysParticipated int64    `json:"days_participated"`
	LastSnapshotDate string   `json:"last_snapshot_date,omitempty"`
	AverageDailyUSD  *big.Int `json:"average_daily_usd"`
}

// DailyJob tracks the snapshot-engine state machine for one date.
type DailyJob struct {
	SnapshotDate string     `json:"snapshot_date"`
	RunID        string     `json:"run_id"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
