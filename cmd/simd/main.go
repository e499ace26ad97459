package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tickerfield/marketsim/params"
	"github.com/tickerfield/marketsim/pkg/api"
	"github.com/tickerfield/marketsim/pkg/exchange"
	"github.com/tickerfield/marketsim/pkg/storage"
	"github.com/tickerfield/marketsim/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	store, err := storage.Open(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("store_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	ledger := exchange.NewLedger()

	// Restore persisted accounts; fall back to one funded demo account so the
	// API is usable out of the box.
	accounts, err := store.LoadAccounts()
	if err != nil {
		sugar.Fatalw("account_load_failed", "err", err)
	}
	for _, acc := range accounts {
		restored := ledger.Open(acc.ID, 0)
		restored.Cash = acc.Cash
		restored.FrozenCash = acc.FrozenCash
		for sym, pos := range acc.Positions {
			restored.Positions[sym] = pos
		}
	}
	if len(accounts) == 0 {
		ledger.Open(1, cfg.Market.DefaultCashCents)
		sugar.Infow("demo_account_opened", "id", 1, "cash_cents", cfg.Market.DefaultCashCents)
	}

	engine := exchange.NewEngine(exchange.EngineConfig{
		TaxRateBps:   cfg.Market.TaxRateBps,
		TickCents:    cfg.Market.TickCents,
		LimitBandBps: cfg.Market.LimitBandBps,
	}, ledger, logger)
	for _, sym := range cfg.Market.Symbols {
		engine.AddInstrument(sym, sym)
	}
	sugar.Infow("engine_ready",
		"symbols", cfg.Market.Symbols,
		"tax_rate_bps", cfg.Market.TaxRateBps,
		"tick_cents", cfg.Market.TickCents)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(engine, store, logger)
	engine.SetOnTrade(apiServer.HandleTrade)

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// Persist a market snapshot per symbol once a second: the stored series
	// is what cmd/replay and the RL environment consume.
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting down")
			for _, acc := range ledger.Accounts() {
				if err := store.SaveAccount(acc); err != nil {
					sugar.Errorw("account_save_failed", "id", acc.ID, "err", err)
				}
			}
			return
		case now := <-ticker.C:
			for _, sym := range engine.Symbols() {
				snap, ok := engine.MarketSnapshot(sym, now)
				if !ok {
					continue
				}
				if err := store.SaveSnapshot(snap); err != nil {
					sugar.Errorw("snapshot_save_failed", "symbol", sym, "err", err)
				}
			}
		}
	}
}
