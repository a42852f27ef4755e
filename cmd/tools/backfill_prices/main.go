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
	"dropletindex/internal/oracle"
	"dropletindex/internal/repository"
)

// Seeds the oracle price cache for a date range so snapshot re-runs never
// hit the RPC binary search. One cached price per asset per day, read at
// the day's measurement instant (next midnight UTC).
func main() {
	var (
		asset string
		from  string
		to    string
	)
	flag.StringVar(&asset, "asset", "", "asset symbol (default: all configured assets)")
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

	var assets []string
	if asset != "" {
		if _, ok := reg.AssetBySymbol(asset); !ok {
			log.Printf("unknown asset %q", asset)
			os.Exit(1)
		}
		assets = []string{strings.ToUpper(asset)}
	} else {
		for _, a := range reg.Assets {
			assets = append(assets, a.Symbol)
		}
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

	ctx := context.Background()
	days := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		at := day.AddDate(0, 0, 1)
		for _, sym := range assets {
			p, err := orc.PriceAt(ctx, sym, at)
			if err != nil {
				log.Printf("[backfill_prices] %s %s failed: %v", day.Format("2006-01-02"), sym, err)
				os.Exit(2)
			}
			log.Printf("[backfill_prices] %s %s = %s (scale %d, block %d)",
				day.Format("2006-01-02"), sym, p.PriceUSD.String(), p.PriceScale, p.BlockNumber)
		}
		days++
	}
	log.Printf("[backfill_prices] done: %d day(s), %d asset(s)", days, len(assets))
}
