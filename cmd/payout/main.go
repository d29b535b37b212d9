// Command payout runs the daily community payout once, outside the server's
// scheduler. Re-running a processed date returns the stored result.
//
// Usage:
//
//	go run ./cmd/payout                    # pay yesterday (UTC)
//	go run ./cmd/payout -date 2026-05-01   # pay a specific past day
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/slicepay/internal/config"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/mbd888/slicepay/internal/payout"
	"github.com/mbd888/slicepay/internal/rewards"
)

func main() {
	dateFlag := flag.String("date", "", "day to pay out, YYYY-MM-DD (default: yesterday UTC)")
	flag.Parse()

	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	var date *time.Time
	if *dateFlag != "" {
		d, err := time.Parse(time.DateOnly, *dateFlag)
		if err != nil {
			logger.Error("invalid -date, want YYYY-MM-DD", "value", *dateFlag)
			os.Exit(2)
		}
		date = &d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	store := ledger.NewPostgresStore(db)
	svc := payout.NewService(store, rewards.NewEngine(store, cfg.PayoutTopN))

	res, err := svc.RunDailyPayout(ctx, date, payout.TriggerCLI)
	if err != nil {
		logger.Error("daily payout failed", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
}
