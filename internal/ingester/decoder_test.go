package ingester

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func addrTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

func mustPack(t *testing.T, args interface {
	Pack(...interface{}) ([]byte, error)
}, vals ...interface{}) []byte {
	t.Helper()
	data, err := args.Pack(vals...)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return data
}

func TestDecodeTokenLogTransfer(t *testing.T) {
	t.Parallel()
	lg := types.Log{
		Topics: []common.Hash{topicTransfer, addrTopic(alice), addrTopic(bob)},
		Data:   mustPack(t, argsValue, big.NewInt(12345)),
	}
	ev, err := DecodeTokenLog(lg)
	if err != nil {
		t.Fatal(err)
	}
	tr, ok := ev.(TransferEvent)
	if !ok {
		t.Fatalf("got %T, want TransferEvent", ev)
	}
	if tr.From != common.HexToAddress(alice) || tr.To != common.HexToAddress(bob) {
		t.Fatalf("from/to = %s/%s", tr.From, tr.To)
	}
	if tr.Value.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("value = %s, want 12345", tr.Value)
	}
}

func TestDecodeTokenLogStakingVariants(t *testing.T) {
	t.Parallel()
	data := mustPack(t, argsAmountRound, big.NewInt(777), big.NewInt(9))

	tests := []struct {
		topic common.Hash
		want  string
	}{
		{topicStake, "Stake"},
		{topicUnstake, "Unstake"},
		{topicRedeem, "Redeem"},
		{topicInstantUnstake, "InstantUnstake"},
	}
	for _, tc := range tests {
		lg := types.Log{Topics: []common.Hash{tc.topic, addrTopic(alice)}, Data: data}
		ev, err := DecodeTokenLog(lg)
		if err != nil {
			t.Fatalf("%s: %v", tc.want, err)
		}
		if ev.Name() != tc.want {
			t.Errorf("decoded %q, want %q", ev.Name(), tc.want)
		}
	}
}

func TestDecodeTokenLogRoundRolled(t *testing.T) {
	t.Parallel()
	pps := new(big.Int).SetUint64(1_050_000_000_000_000_000)
	lg := types.Log{
		Topics: []common.Hash{topicRoundRolled},
		Data: mustPack(t, argsRoundRolled,
			big.NewInt(12), pps, big.NewInt(1000), big.NewInt(900), big.NewInt(100),
			big.NewInt(50), true),
	}
	ev, err := DecodeTokenLog(lg)
	if err != nil {
		t.Fatal(err)
	}
	rr, ok := ev.(RoundRolledEvent)
	if !ok {
		t.Fatalf("got %T, want RoundRolledEvent", ev)
	}
	if rr.Round.Int64() != 12 || rr.PPS.Cmp(pps) != 0 || !rr.IsYieldPositive {
		t.Fatalf("decoded %+v", rr)
	}
}

func TestDecodeTokenLogOFTSentGuid(t *testing.T) {
	t.Parallel()
	guid := common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000001")
	lg := types.Log{
		Topics: []common.Hash{topicOFTSent, guid, addrTopic(alice)},
		Data:   mustPack(t, argsOFTSent, uint32(30101), big.NewInt(500), big.NewInt(499)),
	}
	ev, err := DecodeTokenLog(lg)
	if err != nil {
		t.Fatal(err)
	}
	sent, ok := ev.(OFTSentEvent)
	if !ok {
		t.Fatalf("got %T, want OFTSentEvent", ev)
	}
	if sent.GuidHex() != guid.Hex() {
		t.Fatalf("guid = %s, want %s", sent.GuidHex(), guid.Hex())
	}
	if sent.DstEid != 30101 || sent.AmountSent.Int64() != 500 || sent.AmountReceived.Int64() != 499 {
		t.Fatalf("decoded %+v", sent)
	}
}

// Mint(address,uint256,uint256) hashes identically for Compound cTokens and
// UniV2 pairs; only the indexed sender tells them apart.
func TestDecodeIntegrationLogMintDisambiguation(t *testing.T) {
	t.Parallel()

	pair := types.Log{
		Topics: []common.Hash{topicMint3, addrTopic(alice)},
		Data:   mustPack(t, argsPairAmounts01, big.NewInt(11), big.NewInt(22)),
	}
	ev, err := DecodeIntegrationLog(pair)
	if err != nil {
		t.Fatal(err)
	}
	pm, ok := ev.(PairMintEvent)
	if !ok {
		t.Fatalf("indexed Mint decoded as %T, want PairMintEvent", ev)
	}
	if pm.Amount0.Int64() != 11 || pm.Amount1.Int64() != 22 {
		t.Fatalf("decoded %+v", pm)
	}

	ctoken := types.Log{
		Topics: []common.Hash{topicMint3},
		Data:   mustPack(t, argsCTokenMint, common.HexToAddress(alice), big.NewInt(100), big.NewInt(95)),
	}
	ev, err = DecodeIntegrationLog(ctoken)
	if err != nil {
		t.Fatal(err)
	}
	cm, ok := ev.(CTokenMintEvent)
	if !ok {
		t.Fatalf("all-data Mint decoded as %T, want CTokenMintEvent", ev)
	}
	if cm.Minter != common.HexToAddress(alice) || cm.MintAmount.Int64() != 100 || cm.MintTokens.Int64() != 95 {
		t.Fatalf("decoded %+v", cm)
	}
}

func TestDecodeIntegrationLogCTokenRedeem(t *testing.T) {
	t.Parallel()
	lg := types.Log{
		Topics: []common.Hash{topicRedeem},
		Data:   mustPack(t, argsCTokenMint, common.HexToAddress(bob), big.NewInt(200), big.NewInt(190)),
	}
	ev, err := DecodeIntegrationLog(lg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(CTokenRedeemEvent); !ok {
		t.Fatalf("all-data Redeem decoded as %T, want CTokenRedeemEvent", ev)
	}
}

func TestDecodeIntegrationLogPairBurn(t *testing.T) {
	t.Parallel()
	lg := types.Log{
		Topics: []common.Hash{topicBurn4, addrTopic(testPool), addrTopic(alice)},
		Data:   mustPack(t, argsPairAmounts01, big.NewInt(7), big.NewInt(8)),
	}
	ev, err := DecodeIntegrationLog(lg)
	if err != nil {
		t.Fatal(err)
	}
	pb, ok := ev.(PairBurnEvent)
	if !ok {
		t.Fatalf("got %T, want PairBurnEvent", ev)
	}
	if pb.To != common.HexToAddress(alice) {
		t.Fatalf("to = %s, want %s", pb.To, alice)
	}
}

func TestDecodeUnknownTopicIsTolerated(t *testing.T) {
	t.Parallel()
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0x01")}}
	if ev, err := DecodeTokenLog(lg); ev != nil || err != nil {
		t.Fatalf("token: got (%v, %v), want (nil, nil)", ev, err)
	}
	if ev, err := DecodeIntegrationLog(lg); ev != nil || err != nil {
		t.Fatalf("integration: got (%v, %v), want (nil, nil)", ev, err)
	}
}
