package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/distribution_backend/config"
	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
)

func main() {
	batchID := flag.Int("batch-id", 0, "Optional: verify only one batch. If 0, verifies every batch with movements.")
	asJSON := flag.Bool("json", false, "Print one JSON report per batch instead of a summary line.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	ids := []int{*batchID}
	if *batchID <= 0 {
		var err error
		ids, err = models.BatchIdsWithMovements(ctx, db)
		if err != nil {
			config.LogError(logger, "ledger-verify", "BatchIdsWithMovements", "listing batches", nil, err)
			os.Exit(1)
		}
	}

	broken := 0
	for _, id := range ids {
		report, err := models.VerifyBatchLedger(ctx, db, id)
		if err != nil {
			config.LogError(logger, "ledger-verify", "VerifyBatchLedger", fmt.Sprintf("batch_id=%d", id), nil, err)
			broken++
			continue
		}
		if !report.Consistent() {
			broken++
		}
		if *asJSON {
			line, err := utils.MarshalToJSON(report)
			if err != nil {
				fmt.Fprintf(os.Stderr, "batch %d: %v\n", id, err)
				continue
			}
			fmt.Println(line)
			continue
		}
		status := "ok"
		if !report.Consistent() {
			status = "MISMATCH"
		}
		fmt.Printf("batch=%d movements=%d on_hand=%s replayed=%s %s\n",
			report.BatchId, report.Movements, report.OnHandQty, report.ReplayedQty, status)
		for _, issue := range report.Issues {
			fmt.Printf("  movement=%d %s\n", issue.MovementId, issue.Message)
		}
	}

	fmt.Printf("Done. batches=%d broken=%d\n", len(ids), broken)
	if broken > 0 {
		os.Exit(2)
	}
}
