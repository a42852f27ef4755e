package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	"dropletindex/internal/chain"
	"dropletindex/internal/config"
	"dropletindex/internal/ingester"
	"dropletindex/internal/repository"
)

// Re-ingests a block range for one chain (optionally one contract) without
// touching the live cursors. Event writes are idempotent, so this is safe
// to run against a live instance to heal gaps.
func main() {
	var (
		chainName string
		contract  string
		from      uint64
		to        uint64
	)
	flag.StringVar(&chainName, "chain", "", "chain name, e.g. eth (required)")
	flag.StringVar(&contract, "contract", "", "contract address (default: every stream on the chain)")
	flag.Uint64Var(&from, "from", 0, "first block (required)")
	flag.Uint64Var(&to, "to", 0, "last block, inclusive (required)")
	flag.Parse()

	if chainName == "" || to == 0 || to < from {
		log.Println("usage: backfill_events --chain eth --from N --to M [--contract 0x..]")
		os.Exit(1)
	}
	contract = config.NormalizeAddress(contract)

	reg, err := config.Load()
	if err != nil {
		log.Printf("load registry: %v", err)
		os.Exit(2)
	}
	if _, ok := reg.ChainByName(chainName); !ok {
		log.Printf("unknown chain %q", chainName)
		os.Exit(1)
	}

	repo, err := repository.NewRepository(config.DatabaseURL(""))
	if err != nil {
		log.Printf("connect db: %v", err)
		os.Exit(2)
	}
	defer repo.Close()

	var apiKeys []string
	for _, key := range []string{"ALCHEMY_API_KEY_1", "ALCHEMY_API_KEY_2", "ALCHEMY_API_KEY_3"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			apiKeys = append(apiKeys, v)
		}
	}
	manager, err := chain.NewManager(reg, apiKeys)
	if err != nil {
		log.Printf("build rpc pools: %v", err)
		os.Exit(2)
	}
	defer manager.Close()

	pool, ok := manager.Pool(chainName)
	if !ok {
		log.Printf("no RPC pool for chain %q (set its base URL env)", chainName)
		os.Exit(2)
	}

	svc := ingester.NewService(repo, reg)
	ctx := context.Background()

	ran := 0
	for _, st := range svc.Streams() {
		if st.Chain.Name != chainName {
			continue
		}
		if contract != "" && st.Contract != contract {
			continue
		}
		log.Printf("[backfill_events] stream %s: blocks [%d, %d]", st, from, to)
		if err := svc.Backfill(ctx, st, pool, from, to); err != nil {
			log.Printf("[backfill_events] stream %s failed: %v", st, err)
			os.Exit(2)
		}
		ran++
	}

	if ran == 0 {
		log.Printf("[backfill_events] no streams matched chain=%s contract=%s", chainName, contract)
		os.Exit(1)
	}
	log.Printf("[backfill_events] done: %d stream(s)", ran)
}
