package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CanonicalChain is the chain where vault shares live and PPS is authoritative.
const CanonicalChain = "eth"

// ZeroAddress and BurnAddress are always excluded from accounting.
const (
	ZeroAddress = "0x0000000000000000000000000000000000000000"
	BurnAddress = "0x000000000000000000000000000000000000dead"
)

// ChainConfig describes one chain the ingester tracks.
type ChainConfig struct {
	Name          string        `yaml:"name"`
	ChainID       int64         `yaml:"chain_id"`
	Confirmations uint64        `yaml:"confirmations"`
	BatchSize     uint64        `yaml:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BaseURL       string        `yaml:"base_url"`
}

// Canonical reports whether this is Chain-E.
func (c ChainConfig) Canonical() bool { return c.Name == CanonicalChain }

// Contract is a deployed contract address plus its earliest relevant block.
type Contract struct {
	Address     string `yaml:"address"`
	DeployBlock uint64 `yaml:"deploy_block"`
}

// AssetConfig describes one of the four tokenized assets: its vault on
// Chain-E, its OFT deployments on satellite chains, and its oracle feed.
type AssetConfig struct {
	Symbol     string              `yaml:"symbol"`
	Decimals   int                 `yaml:"decimals"`
	OracleFeed string              `yaml:"oracle_feed"` // Chainlink aggregator on Chain-E
	Vault      Contract            `yaml:"vault"`       // Chain-E vault share token
	OFTs       map[string]Contract `yaml:"ofts"`        // chain name -> OFT deployment
}

// Integration match modes for the reconciliation validator (§4.10).
const (
	MatchByAddress  = "address"   // (address, asset, |amount|)
	MatchByTxAmount = "tx_amount" // (tx_hash, |amount|) — protocol emits a proxy address
	MatchByTxOnly   = "tx_only"   // tx_hash only — LP mint/burn cases
)

// Integration protocol kinds.
const (
	KindAMM          = "amm"
	KindERC4626      = "erc4626"
	KindLendingCTok  = "lending_ctoken"
	KindLendingATok  = "lending_atoken"
)

// IntegrationConfig describes one integration protocol deployment. The
// receipt token (LP token / 4626 share / cToken) is ingested like any other
// tracked contract so holder balances are known at snapshot time.
type IntegrationConfig struct {
	ProtocolID  string   `yaml:"protocol_id"`
	Kind        string   `yaml:"kind"`
	Chain       string   `yaml:"chain"`
	Asset       string   `yaml:"asset"` // underlying xToken symbol
	Contract    Contract `yaml:"contract"`
	MatchMode   string   `yaml:"match_mode"`
	ReserveSlot int      `yaml:"reserve_slot"` // AMM only: 0 or 1, which reserve is the xToken
}

// Registry is the full static configuration: chains, assets, integrations,
// excluded addresses, and accrual policy.
type Registry struct {
	Chains       []ChainConfig       `yaml:"chains"`
	Assets       []AssetConfig       `yaml:"assets"`
	Integrations []IntegrationConfig `yaml:"integrations"`
	Excluded     map[string]string   `yaml:"excluded"` // address -> reason

	DropletUSDRatio int64 `yaml:"droplet_usd_ratio"`
	SnapshotHour    int   `yaml:"snapshot_hour"`
	SnapshotMinute  int   `yaml:"snapshot_minute"`
	// UnstakeForfeits zeroes an address's droplets on days intersecting a
	// round where it unstaked. Off by default.
	UnstakeForfeits bool `yaml:"unstake_forfeits"`
}

var defaultChains = []ChainConfig{
	{Name: "eth", ChainID: 1, Confirmations: 12, BatchSize: 800, PollInterval: 12 * time.Second},
	{Name: "sonic", ChainID: 146, Confirmations: 5, BatchSize: 1000, PollInterval: 2 * time.Second},
	{Name: "base", ChainID: 8453, Confirmations: 10, BatchSize: 1000, PollInterval: 4 * time.Second},
	{Name: "arbitrum", ChainID: 42161, Confirmations: 20, BatchSize: 1000, PollInterval: 2 * time.Second},
	{Name: "avalanche", ChainID: 43114, Confirmations: 5, BatchSize: 500, PollInterval: 4 * time.Second},
	{Name: "berachain", ChainID: 80094, Confirmations: 5, BatchSize: 500, PollInterval: 4 * time.Second},
}

var defaultAssets = []struct {
	symbol   string
	decimals int
}{
	{"AETH", 18},
	{"ABTC", 8},
	{"AUSD", 6},
	{"AEUR", 6},
}

// Load builds the registry from the environment, optionally overlaid with a
// YAML file named by DROPLET_CONFIG (integrations and extra exclusions are
// usually supplied there; addresses and knobs come from env).
func Load() (*Registry, error) {
	reg := &Registry{
		Excluded:        map[string]string{},
		DropletUSDRatio: GetEnvInt64("DROPLET_USD_RATIO", 1),
		SnapshotHour:    GetEnvInt("SNAPSHOT_TIME_HOUR", 0),
		SnapshotMinute:  GetEnvInt("SNAPSHOT_TIME_MINUTE", 5),
		UnstakeForfeits: GetEnvBool("UNSTAKE_FORFEITS_DROPLETS", false),
	}

	for _, c := range defaultChains {
		upper := strings.ToUpper(c.Name)
		c.Confirmations = GetEnvUint(upper+"_CONFIRMATIONS", c.Confirmations)
		c.BatchSize = GetEnvUint(upper+"_BATCH_SIZE", c.BatchSize)
		c.PollInterval = GetEnvDuration(upper+"_POLL_INTERVAL", c.PollInterval)
		c.BaseURL = os.Getenv("ALCHEMY_" + upper + "_BASE_URL")
		reg.Chains = append(reg.Chains, c)
	}

	for _, a := range defaultAssets {
		asset := AssetConfig{
			Symbol:     a.symbol,
			Decimals:   a.decimals,
			OracleFeed: NormalizeAddress(os.Getenv(a.symbol + "_ORACLE_FEED")),
			OFTs:       map[string]Contract{},
		}
		asset.Vault = Contract{
			Address:     NormalizeAddress(os.Getenv(a.symbol + "_VAULT_ETH")),
			DeployBlock: GetEnvUint(a.symbol+"_VAULT_ETH_DEPLOY_BLOCK", 0),
		}
		for _, c := range reg.Chains {
			if c.Canonical() {
				continue
			}
			upper := strings.ToUpper(c.Name)
			addr := NormalizeAddress(os.Getenv(a.symbol + "_OFT_" + upper))
			if addr == "" {
				continue
			}
			asset.OFTs[c.Name] = Contract{
				Address:     addr,
				DeployBlock: GetEnvUint(a.symbol+"_OFT_"+upper+"_DEPLOY_BLOCK", 0),
			}
		}
		reg.Assets = append(reg.Assets, asset)
	}

	if path := os.Getenv("DROPLET_CONFIG"); path != "" {
		if err := reg.overlayFile(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	reg.seedExclusions()

	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overlay Registry
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}

	for i := range overlay.Integrations {
		ic := &overlay.Integrations[i]
		ic.Contract.Address = NormalizeAddress(ic.Contract.Address)
		if ic.MatchMode == "" {
			ic.MatchMode = MatchByAddress
		}
	}
	r.Integrations = append(r.Integrations, overlay.Integrations...)

	for addr, reason := range overlay.Excluded {
		r.Excluded[NormalizeAddress(addr)] = reason
	}
	return nil
}

// seedExclusions registers the static never-a-user set: the vaults, the OFT
// deployments, every integration contract, and the zero/burn addresses.
func (r *Registry) seedExclusions() {
	r.Excluded[ZeroAddress] = "zero address"
	r.Excluded[BurnAddress] = "burn address"
	for _, a := range r.Assets {
		if a.Vault.Address != "" {
			r.Excluded[a.Vault.Address] = a.Symbol + " vault"
		}
		for chain, c := range a.OFTs {
			r.Excluded[c.Address] = a.Symbol + " oft " + chain
		}
	}
	for _, ic := range r.Integrations {
		r.Excluded[ic.Contract.Address] = "integration " + ic.ProtocolID
	}
}

func (r *Registry) validate() error {
	for _, ic := range r.Integrations {
		switch ic.Kind {
		case KindAMM, KindERC4626, KindLendingCTok, KindLendingATok:
		default:
			return fmt.Errorf("integration %s: unknown kind %q", ic.ProtocolID, ic.Kind)
		}
		if _, ok := r.ChainByName(ic.Chain); !ok {
			return fmt.Errorf("integration %s: unknown chain %q", ic.ProtocolID, ic.Chain)
		}
		if _, ok := r.AssetBySymbol(ic.Asset); !ok {
			return fmt.Errorf("integration %s: unknown asset %q", ic.ProtocolID, ic.Asset)
		}
	}
	return nil
}

func (r *Registry) ChainByName(name string) (ChainConfig, bool) {
	for _, c := range r.Chains {
		if c.Name == name {
			return c, true
		}
	}
	return ChainConfig{}, false
}

func (r *Registry) ChainByID(id int64) (ChainConfig, bool) {
	for _, c := range r.Chains {
		if c.ChainID == id {
			return c, true
		}
	}
	return ChainConfig{}, false
}

func (r *Registry) AssetBySymbol(symbol string) (AssetConfig, bool) {
	for _, a := range r.Assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return AssetConfig{}, false
}

// IntegrationByAddress resolves an integration contract on a chain.
func (r *Registry) IntegrationByAddress(chainID int64, address string) (IntegrationConfig, bool) {
	address = NormalizeAddress(address)
	for _, ic := range r.Integrations {
		c, ok := r.ChainByName(ic.Chain)
		if ok && c.ChainID == chainID && ic.Contract.Address == address {
			return ic, true
		}
	}
	return IntegrationConfig{}, false
}

// IsExcluded reports whether an address never earns droplets.
func (r *Registry) IsExcluded(address string) bool {
	_, ok := r.Excluded[NormalizeAddress(address)]
	return ok
}

// NormalizeAddress lowercases a hex address and ensures the 0x prefix.
// Returns "" for empty input.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}
