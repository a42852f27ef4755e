package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"dropletindex/internal/config"
	"dropletindex/internal/ingester"
	"dropletindex/internal/repository"
)

// Runs the transfer-vs-integration reconciliation over a block range and
// the sum-of-deltas balance check. Exit 0 when everything matches, 1 when
// unmatched events or balance drift are found, 2 on infrastructure errors.
func main() {
	var (
		chainName string
		from      uint64
		to        uint64
		driftOnly bool
	)
	flag.StringVar(&chainName, "chain", "", "chain name, e.g. eth")
	flag.Uint64Var(&from, "from", 0, "first block")
	flag.Uint64Var(&to, "to", 0, "last block, inclusive")
	flag.BoolVar(&driftOnly, "drift-only", false, "skip reconciliation, only run the balance check")
	flag.Parse()

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

	ctx := context.Background()
	failed := false

	if !driftOnly {
		if chainName == "" || to == 0 || to < from {
			log.Println("usage: validate --chain eth --from N --to M [--drift-only]")
			os.Exit(1)
		}
		cc, ok := reg.ChainByName(chainName)
		if !ok {
			log.Printf("unknown chain %q", chainName)
			os.Exit(1)
		}

		reconciler := ingester.NewReconciler(repo, reg)
		report, err := reconciler.Run(ctx, cc.ChainID, from, to)
		if err != nil {
			log.Printf("[validate] reconciliation failed: %v", err)
			os.Exit(2)
		}

		log.Printf("[validate] run %s: %d matched, %d unmatched vault, %d unmatched integration",
			report.RunID, report.Matched, len(report.UnmatchedVault), len(report.UnmatchedIntegration))
		if len(report.UnmatchedVault) > 0 || len(report.UnmatchedIntegration) > 0 {
			out, _ := json.MarshalIndent(report, "", "  ")
			os.Stdout.Write(append(out, '\n'))
			failed = true
		}
	}

	drifts, err := repo.CheckSumOfDeltas(ctx, 100)
	if err != nil {
		log.Printf("[validate] balance check failed: %v", err)
		os.Exit(2)
	}
	if len(drifts) > 0 {
		log.Printf("[validate] %d balance(s) drift from their event sums:", len(drifts))
		for _, d := range drifts {
			log.Printf("[validate]   %s %s chain=%d folded=%s events=%s",
				d.Address, d.Asset, d.ChainID, d.Folded.String(), d.EventSum.String())
		}
		failed = true
	} else {
		log.Printf("[validate] sum-of-deltas check passed")
	}

	if failed {
		os.Exit(1)
	}
}
