package config

import "testing"

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"0xABCDEF0123456789abcdef0123456789ABCDEF01", "0xabcdef0123456789abcdef0123456789abcdef01"},
		{"ABCDEF0123456789abcdef0123456789ABCDEF01", "0xabcdef0123456789abcdef0123456789abcdef01"},
		{"  0xAbC  ", "0xabc"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSeedExclusions(t *testing.T) {
	t.Parallel()
	reg := &Registry{
		Excluded: map[string]string{},
		Assets: []AssetConfig{{
			Symbol: "AETH",
			Vault:  Contract{Address: "0x00000000000000000000000000000000000000aa"},
			OFTs: map[string]Contract{
				"base": {Address: "0x00000000000000000000000000000000000000bb"},
			},
		}},
		Integrations: []IntegrationConfig{{
			ProtocolID: "pool",
			Contract:   Contract{Address: "0x00000000000000000000000000000000000000cc"},
		}},
	}
	reg.seedExclusions()

	for _, addr := range []string{
		ZeroAddress,
		BurnAddress,
		"0x00000000000000000000000000000000000000aa",
		"0x00000000000000000000000000000000000000bb",
		"0x00000000000000000000000000000000000000cc",
	} {
		if !reg.IsExcluded(addr) {
			t.Errorf("%s not excluded", addr)
		}
	}
	if reg.IsExcluded("0x0000000000000000000000000000000000000a11") {
		t.Error("unrelated address excluded")
	}
}

func TestIsExcludedNormalizes(t *testing.T) {
	t.Parallel()
	reg := &Registry{Excluded: map[string]string{
		"0x00000000000000000000000000000000000000aa": "vault",
	}}
	if !reg.IsExcluded("0x00000000000000000000000000000000000000AA") {
		t.Error("uppercase form of an excluded address not recognized")
	}
}

func TestIntegrationByAddress(t *testing.T) {
	t.Parallel()
	reg := &Registry{
		Chains: []ChainConfig{
			{Name: "eth", ChainID: 1},
			{Name: "base", ChainID: 8453},
		},
		Integrations: []IntegrationConfig{
			{ProtocolID: "pool_eth", Chain: "eth", Contract: Contract{Address: "0x00000000000000000000000000000000000000cc"}},
			{ProtocolID: "pool_base", Chain: "base", Contract: Contract{Address: "0x00000000000000000000000000000000000000cc"}},
		},
	}

	ic, ok := reg.IntegrationByAddress(8453, "0x00000000000000000000000000000000000000CC")
	if !ok || ic.ProtocolID != "pool_base" {
		t.Fatalf("got (%q, %v), want pool_base on chain 8453", ic.ProtocolID, ok)
	}
	if _, ok := reg.IntegrationByAddress(42161, "0x00000000000000000000000000000000000000cc"); ok {
		t.Fatal("matched an integration on a chain where it is not deployed")
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	reg := &Registry{
		Chains: []ChainConfig{{Name: "eth", ChainID: 1}},
		Assets: []AssetConfig{{Symbol: "AETH"}},
		Integrations: []IntegrationConfig{{
			ProtocolID: "bad",
			Kind:       "perp_dex",
			Chain:      "eth",
			Asset:      "AETH",
		}},
	}
	if err := reg.validate(); err == nil {
		t.Fatal("validate accepted an unknown integration kind")
	}
}

func TestChainLookups(t *testing.T) {
	t.Parallel()
	reg := &Registry{Chains: []ChainConfig{
		{Name: "eth", ChainID: 1},
		{Name: "sonic", ChainID: 146},
	}}

	if c, ok := reg.ChainByName("sonic"); !ok || c.ChainID != 146 {
		t.Fatalf("ChainByName(sonic) = (%+v, %v)", c, ok)
	}
	if c, ok := reg.ChainByID(1); !ok || c.Name != "eth" {
		t.Fatalf("ChainByID(1) = (%+v, %v)", c, ok)
	}
	if !((ChainConfig{Name: "eth"}).Canonical()) {
		t.Fatal("eth not canonical")
	}
	if (ChainConfig{Name: "base"}).Canonical() {
		t.Fatal("base reported canonical")
	}
}
