package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"keysync/internal/config"
	"keysync/internal/storage"
)

func main() {
	fmt.Println("keysync - Database Migration")

	// Only the database settings; the service secret and backends are not needed here
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Connecting to database...")
	cfg := storage.DefaultDBConfig()
	cfg.DSN = dbCfg.URL
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1
	cfg.QueryTimeout = dbCfg.QueryTimeout
	db, err := storage.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Creating api_keys table...")
	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	active, err := db.NewKeyRecordRepository().ListActive(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to read api_keys: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("SUCCESS: schema is up to date (%d active keys)\n", len(active))
}
