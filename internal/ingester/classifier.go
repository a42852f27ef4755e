package ingester

import (
	"dropletindex/internal/config"
	"dropletindex/internal/models"
)

// TxContext carries the OFT events seen elsewhere in the same transaction.
// Bridge classification needs them: the share burn/mint itself is a plain
// Transfer, and only the paired OFTSent/OFTReceived tells it apart from a
// user burn.
type TxContext struct {
	OFTSentGuid     string
	OFTReceivedGuid string
	// HasRedeem / HasUnstake mark transactions whose mint or burn Transfer
	// is the token leg of a typed staking event. The typed event drives the
	// fold; the Transfer leg is suppressed to avoid double-counting.
	HasRedeem  bool
	HasUnstake bool
}

// ClassifiedTransfer is a Transfer with its classification attached.
type ClassifiedTransfer struct {
	From           string
	To             string
	Value          string // decimal
	Classification string
	EventType      string
	OFTGuid        string
	Ignore         bool // vault self-mint etc: decoded but not persisted
}

// ClassifyTransfer applies the classification rules in order:
// mint, burn, bridge (OFT-paired), integration, user-to-user.
func ClassifyTransfer(t TransferEvent, contract string, chainID int64, txc TxContext, reg *config.Registry) ClassifiedTransfer {
	from := config.NormalizeAddress(t.From.Hex())
	to := config.NormalizeAddress(t.To.Hex())
	out := ClassifiedTransfer{From: from, To: to, Value: t.Value.String(), EventType: models.EventTransfer}

	switch {
	case from == config.ZeroAddress:
		if txc.OFTReceivedGuid != "" {
			out.Classification = models.ClassBridgeMint
			out.EventType = models.EventBridgeIn
			out.OFTGuid = txc.OFTReceivedGuid
			return out
		}
		if to == contract || txc.HasRedeem {
			// Shares minted to the vault itself, or the token leg of a
			// Redeem, carry no new user exposure.
			out.Ignore = true
			return out
		}
		out.Classification = models.ClassMint
		return out

	case to == config.ZeroAddress || to == config.BurnAddress:
		if txc.OFTSentGuid != "" {
			out.Classification = models.ClassBridgeBurn
			out.EventType = models.EventBridgeOut
			out.OFTGuid = txc.OFTSentGuid
			return out
		}
		if txc.HasUnstake {
			out.Ignore = true
			return out
		}
		out.Classification = models.ClassBurnUnstake
		return out

	case to == contract && txc.OFTSentGuid != "":
		// Bridging via escrow-to-self rather than burn-to-zero.
		out.Classification = models.ClassBridgeBurn
		out.EventType = models.EventBridgeOut
		out.OFTGuid = txc.OFTSentGuid
		return out

	case from == contract && txc.OFTReceivedGuid != "":
		out.Classification = models.ClassBridgeMint
		out.EventType = models.EventBridgeIn
		out.OFTGuid = txc.OFTReceivedGuid
		return out
	}

	if _, ok := reg.IntegrationByAddress(chainID, to); ok {
		out.Classification = models.ClassIntegrationOut
		return out
	}
	if _, ok := reg.IntegrationByAddress(chainID, from); ok {
		out.Classification = models.ClassIntegrationIn
		return out
	}

	out.Classification = models.ClassTransferUser
	return out
}
