package ingester

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dropletindex/internal/chain"
	"dropletindex/internal/config"
	"dropletindex/internal/metrics"
	"dropletindex/internal/models"
	"dropletindex/internal/repository"
)

// Stream kinds. A vault stream is the canonical share token on Chain-E;
// an OFT stream is a satellite deployment; an integration stream is a
// receipt token (LP / 4626 share / cToken) plus its protocol events.
const (
	StreamVault       = "vault"
	StreamOFT         = "oft"
	StreamIntegration = "integration"
)

const rpcErrorSleep = 5 * time.Second

// Stream is one (chain, contract) ingestion unit with its own cursor.
type Stream struct {
	Chain       config.ChainConfig
	Contract    string // normalized
	DeployBlock uint64
	Kind        string
	Asset       string                   // underlying symbol
	Integration config.IntegrationConfig // set when Kind == StreamIntegration
}

func (st Stream) String() string {
	return fmt.Sprintf("%s/%s[%s]", st.Chain.Name, st.Contract, st.Kind)
}

// Service drives the ingestion streams. One Run goroutine per stream; all
// work within a stream is sequential: fetch, decode, write, advance cursor.
type Service struct {
	repo     *repository.Repository
	reg      *config.Registry
	excluded []string
}

func NewService(repo *repository.Repository, reg *config.Registry) *Service {
	excluded := make([]string, 0, len(reg.Excluded))
	for addr := range reg.Excluded {
		excluded = append(excluded, addr)
	}
	sort.Strings(excluded)
	return &Service{repo: repo, reg: reg, excluded: excluded}
}

// Streams enumerates every configured ingestion unit: each asset's vault
// on the canonical chain, each OFT deployment, and each integration
// contract.
func (s *Service) Streams() []Stream {
	var out []Stream

	canonical, _ := s.reg.ChainByName(config.CanonicalChain)
	for _, a := range s.reg.Assets {
		if a.Vault.Address != "" {
			out = append(out, Stream{
				Chain:       canonical,
				Contract:    a.Vault.Address,
				DeployBlock: a.Vault.DeployBlock,
				Kind:        StreamVault,
				Asset:       a.Symbol,
			})
		}
		for chainName, c := range a.OFTs {
			cc, ok := s.reg.ChainByName(chainName)
			if !ok {
				continue
			}
			out = append(out, Stream{
				Chain:       cc,
				Contract:    c.Address,
				DeployBlock: c.DeployBlock,
				Kind:        StreamOFT,
				Asset:       a.Symbol,
			})
		}
	}

	for _, ic := range s.reg.Integrations {
		cc, ok := s.reg.ChainByName(ic.Chain)
		if !ok {
			continue
		}
		out = append(out, Stream{
			Chain:       cc,
			Contract:    ic.Contract.Address,
			DeployBlock: ic.Contract.DeployBlock,
			Kind:        StreamIntegration,
			Asset:       ic.Asset,
			Integration: ic,
		})
	}
	return out
}

// Run drives one stream until the context is cancelled. RPC failures sleep
// and retry the iteration without advancing the cursor.
func (s *Service) Run(ctx context.Context, st Stream, rpc chain.Transport) {
	log.Printf("[ingester] starting stream %s from deploy block %d", st, st.DeployBlock)
	for {
		if ctx.Err() != nil {
			log.Printf("[ingester] stream %s stopped", st)
			return
		}

		caughtUp, err := s.runBatch(ctx, st, rpc)
		var sleep time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			log.Printf("[ingester] stream %s stopped", st)
			return
		case err != nil:
			log.Printf("[ingester] stream %s batch failed: %v", st, err)
			sleep = rpcErrorSleep
		case caughtUp:
			sleep = st.Chain.PollInterval
		}

		if sleep > 0 {
			select {
			case <-ctx.Done():
				log.Printf("[ingester] stream %s stopped", st)
				return
			case <-time.After(sleep):
			}
		}
	}
}

// Backfill re-processes logs in [from, to] without touching the stream
// cursor: event writes are keyed on (chain, tx, log), so re-ingesting a
// range that was already seen is a no-op, and ranges ahead of the live
// cursor leave it where the live loop last sealed it. The end of the range
// is clamped at the safe head so a backfill never writes unconfirmed
// blocks.
func (s *Service) Backfill(ctx context.Context, st Stream, rpc chain.Transport, from, to uint64) error {
	if from < st.DeployBlock {
		from = st.DeployBlock
	}

	latest, err := rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	metrics.RPCRequests.WithLabelValues(st.Chain.Name).Inc()
	if latest < st.Chain.Confirmations {
		return nil
	}
	if safe := latest - st.Chain.Confirmations; to > safe {
		log.Printf("[ingester] backfill %s: clamping end %d to safe head %d", st, to, safe)
		to = safe
	}
	for start := from; start <= to; start += st.Chain.BatchSize {
		end := start + st.Chain.BatchSize - 1
		if end > to {
			end = to
		}

		logs, err := rpc.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{common.HexToAddress(st.Contract)},
		})
		if err != nil {
			return fmt.Errorf("filter logs [%d,%d]: %w", start, end, err)
		}
		metrics.RPCRequests.WithLabelValues(st.Chain.Name).Inc()

		sort.Slice(logs, func(i, j int) bool {
			if logs[i].BlockNumber != logs[j].BlockNumber {
				return logs[i].BlockNumber < logs[j].BlockNumber
			}
			if logs[i].TxIndex != logs[j].TxIndex {
				return logs[i].TxIndex < logs[j].TxIndex
			}
			return logs[i].Index < logs[j].Index
		})

		txContexts := buildTxContexts(logs)
		times := newBlockTimes(rpc, st.Chain.Name)

		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			bt, err := times.at(ctx, lg.BlockNumber)
			if err != nil {
				return fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
			}
			if st.Kind == StreamIntegration {
				err = s.handleIntegrationLog(ctx, st, lg, bt, false)
			} else {
				err = s.handleTokenLog(ctx, st, lg, txContexts[lg.TxHash], bt, false)
			}
			if err != nil {
				return err
			}
		}
		log.Printf("[ingester] backfill %s [%d,%d]: %d logs", st, start, end, len(logs))
	}
	return nil
}

// runBatch processes one bounded log range. Returns caughtUp=true when the
// cursor has reached the safe head.
func (s *Service) runBatch(ctx context.Context, st Stream, rpc chain.Transport) (bool, error) {
	cur, err := s.repo.GetCursor(ctx, st.Chain.ChainID, st.Contract)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}

	latest, err := rpc.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}
	metrics.RPCRequests.WithLabelValues(st.Chain.Name).Inc()
	if latest < st.Chain.Confirmations {
		return true, nil
	}
	safe := latest - st.Chain.Confirmations

	from := cur.LastSafeBlock + 1
	if cur.LastTxHash != "" {
		// Dirty boundary after a crash: refetch the cursor block and skip
		// logs at or before the (tx_hash, log_index) tie-breaker.
		from = cur.LastSafeBlock
	}
	if from < st.DeployBlock {
		from = st.DeployBlock
	}
	if from > safe {
		metrics.CursorLag.WithLabelValues(st.Chain.Name, st.Contract).Set(float64(lagBlocks(safe, cur.LastSafeBlock)))
		return true, nil
	}

	to := from + st.Chain.BatchSize - 1
	if to > safe {
		to = safe
	}

	logs, err := rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(st.Contract)},
	})
	if err != nil {
		return false, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	metrics.RPCRequests.WithLabelValues(st.Chain.Name).Inc()

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		if logs[i].TxIndex != logs[j].TxIndex {
			return logs[i].TxIndex < logs[j].TxIndex
		}
		return logs[i].Index < logs[j].Index
	})

	txContexts := buildTxContexts(logs)
	times := newBlockTimes(rpc, st.Chain.Name)

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		if alreadyCommitted(cur, lg) {
			continue
		}

		bt, err := times.at(ctx, lg.BlockNumber)
		if err != nil {
			return false, fmt.Errorf("block %d timestamp: %w", lg.BlockNumber, err)
		}

		if st.Kind == StreamIntegration {
			err = s.handleIntegrationLog(ctx, st, lg, bt, true)
		} else {
			err = s.handleTokenLog(ctx, st, lg, txContexts[lg.TxHash], bt, true)
		}
		if err != nil {
			return false, err
		}
	}

	if err := s.repo.SealCursor(ctx, st.Chain.ChainID, st.Contract, to); err != nil {
		return false, fmt.Errorf("seal cursor at %d: %w", to, err)
	}
	metrics.CursorBlock.WithLabelValues(st.Chain.Name, st.Contract).Set(float64(to))
	metrics.CursorLag.WithLabelValues(st.Chain.Name, st.Contract).Set(float64(lagBlocks(safe, to)))
	return to >= safe, nil
}

// alreadyCommitted reports whether a log was persisted before a crash, per
// the cursor's (block, log_index) tie-breaker. Log indexes are block-wide,
// so within the cursor block the index comparison alone respects
// (tx_index, log_index) order. A sealed cursor (empty tx hash) never skips.
func alreadyCommitted(cur models.Cursor, lg types.Log) bool {
	return cur.LastTxHash != "" && lg.BlockNumber == cur.LastSafeBlock && lg.Index <= cur.LastLogIndex
}

// lagBlocks is the cursor's distance behind the safe head. A lagging
// endpoint can report a tip at or below the cursor; that is zero lag, not
// a uint64 wraparound.
func lagBlocks(safe, cursor uint64) uint64 {
	if safe <= cursor {
		return 0
	}
	return safe - cursor
}

// buildTxContexts pre-scans a batch for OFT and staking events so Transfer
// classification can see its transaction siblings.
func buildTxContexts(logs []types.Log) map[common.Hash]TxContext {
	out := make(map[common.Hash]TxContext)
	for _, lg := range logs {
		ev, err := DecodeTokenLog(lg)
		if err != nil || ev == nil {
			continue
		}
		txc := out[lg.TxHash]
		switch e := ev.(type) {
		case OFTSentEvent:
			txc.OFTSentGuid = e.GuidHex()
		case OFTReceivedEvent:
			txc.OFTReceivedGuid = e.GuidHex()
		case RedeemEvent:
			txc.HasRedeem = true
		case UnstakeEvent:
			txc.HasUnstake = true
		case InstantUnstakeEvent:
			txc.HasUnstake = true
		}
		out[lg.TxHash] = txc
	}
	return out
}

// handleTokenLog decodes, classifies, and persists one vault or OFT log.
// The live loop advances the cursor with the write; backfills pass
// advanceCursor=false so they never move it.
func (s *Service) handleTokenLog(ctx context.Context, st Stream, lg types.Log, txc TxContext, bt time.Time, advanceCursor bool) error {
	ev, err := DecodeTokenLog(lg)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(st.Chain.Name, st.Contract).Inc()
		log.Printf("[ingester] WARN: stream %s decode failed at %s#%d: %v", st, lg.TxHash.Hex(), lg.Index, err)
		return nil
	}
	if ev == nil {
		return nil
	}

	canonical, _ := s.reg.ChainByName(config.CanonicalChain)
	txHash := strings.ToLower(lg.TxHash.Hex())

	base := models.ShareEvent{
		ChainID:     st.Chain.ChainID,
		TxHash:      txHash,
		LogIndex:    lg.Index,
		Asset:       st.Asset,
		BlockNumber: lg.BlockNumber,
		BlockTime:   bt,
	}

	switch e := ev.(type) {
	case TransferEvent:
		ct := ClassifyTransfer(e, st.Contract, st.Chain.ChainID, txc, s.reg)
		if ct.Ignore {
			return nil
		}
		value, ok := new(big.Int).SetString(ct.Value, 10)
		if !ok {
			return fmt.Errorf("bad transfer value %q", ct.Value)
		}
		base.EventType = ct.EventType
		base.Classification = ct.Classification
		base.OFTGuid = ct.OFTGuid

		switch ct.Classification {
		case models.ClassMint, models.ClassBridgeMint, models.ClassIntegrationIn:
			base.Address = ct.To
			base.SharesDelta = value
		case models.ClassBurnUnstake, models.ClassBridgeBurn, models.ClassIntegrationOut:
			base.Address = ct.From
			base.SharesDelta = new(big.Int).Neg(value)
		case models.ClassTransferUser:
			base.Address = ct.From
			base.Counterparty = ct.To
			base.SharesDelta = new(big.Int).Neg(value)
		}

	case StakeEvent:
		round := e.Round.Int64()
		base.EventType = models.EventStake
		base.Classification = models.ClassMint
		base.Address = config.NormalizeAddress(e.User.Hex())
		base.SharesDelta = e.Amount
		base.RoundID = &round

	case UnstakeEvent:
		round := e.Round.Int64()
		base.EventType = models.EventUnstake
		base.Classification = models.ClassBurnUnstake
		base.Address = config.NormalizeAddress(e.User.Hex())
		base.SharesDelta = new(big.Int).Neg(e.Shares)
		base.RoundID = &round

	case InstantUnstakeEvent:
		round := e.Round.Int64()
		base.EventType = models.EventInstantUnstake
		base.Classification = models.ClassBurnUnstake
		base.Address = config.NormalizeAddress(e.User.Hex())
		base.SharesDelta = new(big.Int).Neg(e.Amount)
		base.RoundID = &round

	case RedeemEvent:
		round := e.Round.Int64()
		base.EventType = models.EventRedeem
		base.Classification = models.ClassMint
		base.Address = config.NormalizeAddress(e.User.Hex())
		base.SharesDelta = e.Shares
		base.RoundID = &round

	case RoundRolledEvent:
		if st.Kind != StreamVault {
			return nil
		}
		round := models.Round{
			Asset:           st.Asset,
			ChainID:         st.Chain.ChainID,
			RoundID:         e.Round.Int64(),
			StartBlock:      lg.BlockNumber,
			StartTs:         bt,
			PPS:             e.PPS,
			PPSScale:        18,
			SharesMinted:    e.SharesMinted,
			Yield:           e.Yield,
			IsYieldPositive: e.IsYieldPositive,
			TxHash:          txHash,
		}
		if err := s.repo.UpsertRound(ctx, round, s.excluded); err != nil {
			return fmt.Errorf("upsert round %d: %w", round.RoundID, err)
		}
		metrics.LogsIngested.WithLabelValues(st.Chain.Name, st.Contract).Inc()
		if !advanceCursor {
			return nil
		}
		return s.repo.AdvanceCursor(ctx, st.Chain.ChainID, st.Contract, lg.BlockNumber, txHash, lg.Index)

	case OFTSentEvent, OFTReceivedEvent:
		// Folded into the paired Transfer via TxContext.
		return nil

	default:
		return nil
	}

	changes, flags := DeriveChanges(base)
	if err := s.repo.ApplyShareEvent(ctx, st.Contract, base, changes, flags, canonical.ChainID, advanceCursor); err != nil {
		return fmt.Errorf("apply %s at %s#%d: %w", base.EventType, txHash, lg.Index, err)
	}
	metrics.LogsIngested.WithLabelValues(st.Chain.Name, st.Contract).Inc()
	return nil
}

// handleIntegrationLog tracks receipt-token holders via Transfers and
// stores decoded protocol events for the reconciliation validator.
func (s *Service) handleIntegrationLog(ctx context.Context, st Stream, lg types.Log, bt time.Time, advanceCursor bool) error {
	ev, err := DecodeIntegrationLog(lg)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(st.Chain.Name, st.Contract).Inc()
		log.Printf("[ingester] WARN: stream %s decode failed at %s#%d: %v", st, lg.TxHash.Hex(), lg.Index, err)
		return nil
	}
	if ev == nil {
		return nil
	}

	txHash := strings.ToLower(lg.TxHash.Hex())
	ic := st.Integration

	if t, ok := ev.(TransferEvent); ok {
		from := config.NormalizeAddress(t.From.Hex())
		to := config.NormalizeAddress(t.To.Hex())
		if from == config.ZeroAddress {
			from = ""
		}
		if to == config.ZeroAddress || to == config.BurnAddress {
			to = ""
		}
		err := s.repo.ApplyIntegrationTransfer(ctx, st.Contract, repository.IntegrationTransfer{
			ChainID:     st.Chain.ChainID,
			TxHash:      txHash,
			LogIndex:    lg.Index,
			ProtocolID:  ic.ProtocolID,
			From:        from,
			To:          to,
			Amount:      t.Value,
			BlockNumber: lg.BlockNumber,
			BlockTime:   bt,
		}, advanceCursor)
		if err != nil {
			return fmt.Errorf("apply receipt transfer at %s#%d: %w", txHash, lg.Index, err)
		}
		metrics.LogsIngested.WithLabelValues(st.Chain.Name, st.Contract).Inc()
		return nil
	}

	ie := models.IntegrationEvent{
		ChainID:     st.Chain.ChainID,
		TxHash:      txHash,
		LogIndex:    lg.Index,
		ProtocolID:  ic.ProtocolID,
		Asset:       ic.Asset,
		BlockNumber: lg.BlockNumber,
		BlockTime:   bt,
	}

	switch e := ev.(type) {
	case DepositEvent:
		ie.EventName = "deposit"
		ie.UserAddress = config.NormalizeAddress(e.Owner.Hex())
		ie.Amount = e.Assets
		ie.Shares = e.Shares
	case WithdrawEvent:
		ie.EventName = "withdraw"
		ie.UserAddress = config.NormalizeAddress(e.Owner.Hex())
		ie.Amount = e.Assets
		ie.Shares = e.Shares
	case CTokenMintEvent:
		ie.EventName = "mint"
		ie.UserAddress = config.NormalizeAddress(e.Minter.Hex())
		ie.Amount = e.MintAmount
		ie.Shares = e.MintTokens
	case CTokenRedeemEvent:
		ie.EventName = "redeem"
		ie.UserAddress = config.NormalizeAddress(e.Redeemer.Hex())
		ie.Amount = e.RedeemAmount
		ie.Shares = e.RedeemTokens
	case PairMintEvent:
		ie.EventName = "mint"
		ie.UserAddress = config.NormalizeAddress(e.Sender.Hex())
		ie.Amount = pairAmount(ic, e.Amount0, e.Amount1)
		ie.Shares = big.NewInt(0)
	case PairBurnEvent:
		ie.EventName = "burn"
		ie.UserAddress = config.NormalizeAddress(e.To.Hex())
		ie.Amount = pairAmount(ic, e.Amount0, e.Amount1)
		ie.Shares = big.NewInt(0)
	default:
		return nil
	}

	if err := s.repo.InsertIntegrationEvent(ctx, st.Contract, ie, advanceCursor); err != nil {
		return fmt.Errorf("insert %s event at %s#%d: %w", ie.EventName, txHash, lg.Index, err)
	}
	metrics.LogsIngested.WithLabelValues(st.Chain.Name, st.Contract).Inc()
	return nil
}

// pairAmount picks the xToken side of a pair event per the configured
// reserve slot.
func pairAmount(ic config.IntegrationConfig, amount0, amount1 *big.Int) *big.Int {
	if ic.ReserveSlot == 1 {
		return amount1
	}
	return amount0
}

// blockTimes caches header timestamps for the current batch.
type blockTimes struct {
	rpc       chain.Transport
	chainName string
	cache     map[uint64]time.Time
}

func newBlockTimes(rpc chain.Transport, chainName string) *blockTimes {
	return &blockTimes{rpc: rpc, chainName: chainName, cache: make(map[uint64]time.Time)}
}

func (b *blockTimes) at(ctx context.Context, number uint64) (time.Time, error) {
	if t, ok := b.cache[number]; ok {
		return t, nil
	}
	hdr, err := b.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, err
	}
	metrics.RPCRequests.WithLabelValues(b.chainName).Inc()
	t := time.Unix(int64(hdr.Time), 0).UTC()
	b.cache[number] = t
	return t, nil
}
