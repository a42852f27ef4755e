package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"dropletindex/internal/chain"
	"dropletindex/internal/config"
	"dropletindex/internal/integrations"
	"dropletindex/internal/oracle"
	"dropletindex/internal/repository"
	"dropletindex/internal/rounds"
	"dropletindex/internal/snapshot"
)

// Resets and recomputes snapshot dates. Each date's ledger and snapshot
// rows are cleared first, so a recalc reflects current balances, prices,
// and classification fixes rather than layering on stale rows.
func main() {
	var (
		from string
		to   string
	)
	flag.StringVar(&from, "from", "", "first date, YYYY-MM-DD (required)")
	flag.StringVar(&to, "to", "", "last date, YYYY-MM-DD (default: --from)")
	flag.Parse()

	if from == "" {
		log.Println("--from is required")
		os.Exit(1)
	}
	if to == "" {
		to = from
	}
	start, err := time.ParseInLocation("2006-01-02", from, time.UTC)
	if err != nil {
		log.Printf("bad --from %q: %v", from, err)
		os.Exit(1)
	}
	end, err := time.ParseInLocation("2006-01-02", to, time.UTC)
	if err != nil {
		log.Printf("bad --to %q: %v", to, err)
		os.Exit(1)
	}
	if end.Before(start) {
		log.Printf("--to %s is before --from %s", to, from)
		os.Exit(1)
	}

	reg, err := config.Load()
	if err != nil {
		log.Printf("load registry: %v", err)
		os.Exit(2)
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

	pool, ok := manager.Pool(config.CanonicalChain)
	if !ok {
		log.Printf("no RPC pool for canonical chain %q", config.CanonicalChain)
		os.Exit(2)
	}

	orc := oracle.NewService(repo, pool, reg)
	ppsStore := rounds.NewStore(repo, reg)

	var adapters []integrations.Adapter
	sources := map[string]oracle.BlockSource{}
	for _, c := range reg.Chains {
		if p, ok := manager.Pool(c.Name); ok {
			sources[c.Name] = p
		}
	}
	for _, ic := range reg.Integrations {
		p, ok := manager.Pool(ic.Chain)
		if !ok {
			log.Printf("[recalc_droplets] integration %s skipped: no RPC pool for chain %s", ic.ProtocolID, ic.Chain)
			continue
		}
		ad, err := integrations.New(ic, repo, p)
		if err != nil {
			log.Printf("build integration %s: %v", ic.ProtocolID, err)
			os.Exit(2)
		}
		adapters = append(adapters, ad)
	}

	engine := snapshot.NewEngine(repo, reg, orc, ppsStore, adapters, sources)
	ctx := context.Background()

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format("2006-01-02")
		removed, err := repo.ResetDailyDate(ctx, date)
		if err != nil {
			log.Printf("[recalc_droplets] reset %s failed: %v", date, err)
			os.Exit(2)
		}
		log.Printf("[recalc_droplets] %s: cleared %d snapshot row(s), recomputing...", date, removed)
		if err := engine.RunOnce(ctx, date); err != nil {
			log.Printf("[recalc_droplets] %s failed: %v", date, err)
			os.Exit(2)
		}
	}
	log.Printf("[recalc_droplets] done")
}
