package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"dropletindex/internal/config"
	"dropletindex/internal/repository"
)

func main() {
	repo, err := repository.NewRepository(config.DatabaseURL(""))
	if err != nil {
		log.Printf("connect db: %v", err)
		os.Exit(2)
	}
	defer repo.Close()

	s, err := repo.GetStats(context.Background())
	if err != nil {
		log.Printf("load stats: %v", err)
		os.Exit(2)
	}

	fmt.Printf("share events:        %d\n", s.ShareEvents)
	fmt.Printf("integration events:  %d\n", s.IntegrationEvents)
	fmt.Printf("rounds:              %d\n", s.Rounds)
	fmt.Printf("holders (shares>0):  %d\n", s.Holders)
	fmt.Printf("ledger rows:         %d\n", s.LedgerRows)
	if s.LatestSnapshot != "" {
		fmt.Printf("latest snapshot:     %s\n", s.LatestSnapshot)
	} else {
		fmt.Printf("latest snapshot:     (none)\n")
	}
	if s.OldestCursorAge > 0 {
		fmt.Printf("oldest cursor age:   %s\n", s.OldestCursorAge.Round(time.Second))
	}
}
