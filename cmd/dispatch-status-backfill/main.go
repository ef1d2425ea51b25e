// dispatch-status-backfill is the one-time migration for dispatch rows
// created before the status column existed. Historic rows had already moved
// their stock, so they become 'sent'; accepted_at is filled from created_at
// when missing. Runtime code requires the column and never falls back.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/dispatch-status-backfill [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/models"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report affected rows without updating")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	var affected int64
	err := db.WithContext(ctx).
		Raw(`SELECT COUNT(*) FROM dispatches WHERE status IS NULL OR status = ''`).
		Scan(&affected).Error
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to count rows: %v\n", err)
		os.Exit(1)
	}
	if affected == 0 {
		fmt.Println("no dispatches need backfilling")
		return
	}
	if *dryRun {
		fmt.Printf("would backfill %d dispatches to status='sent'\n", affected)
		return
	}

	tx := db.WithContext(ctx).Begin()
	err = tx.Exec(`UPDATE dispatches
	               SET status = 'sent', accepted_at = COALESCE(accepted_at, created_at)
	               WHERE status IS NULL OR status = ''`).Error
	if err != nil {
		tx.Rollback()
		fmt.Fprintf(os.Stderr, "backfill failed: %v\n", err)
		os.Exit(1)
	}
	if err := tx.Commit().Error; err != nil {
		fmt.Fprintf(os.Stderr, "backfill commit failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("backfilled %d dispatches to status='sent'\n", affected)
}
