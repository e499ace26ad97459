package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tickerfield/marketsim/params"
	"github.com/tickerfield/marketsim/pkg/exchange"
	"github.com/tickerfield/marketsim/pkg/inference"
	"github.com/tickerfield/marketsim/pkg/replay"
	"github.com/tickerfield/marketsim/pkg/storage"
	"github.com/tickerfield/marketsim/pkg/util"
)

func main() {
	var (
		envPath = flag.String("env", "", "path to .env file (default: ./.env)")
		symbol  = flag.String("symbol", "", "symbol to replay (default: first configured symbol)")
		importF = flag.String("import", "", "JSON-lines snapshot file to load into the store before replaying")
		from    = flag.String("from", "", "replay range start, RFC3339 (default: unbounded)")
		to      = flag.String("to", "", "replay range end, RFC3339 (default: unbounded)")
	)
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)
	if *symbol == "" {
		*symbol = cfg.Market.Symbols[0]
	}

	logger, err := util.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := storage.Open(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("store_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	if *importF != "" {
		n, err := importSnapshots(store, *importF, *symbol)
		if err != nil {
			sugar.Fatalw("import_failed", "file", *importF, "err", err)
		}
		sugar.Infow("snapshots_imported", "file", *importF, "count", n)
	}

	snaps, err := loadRange(store, *symbol, *from, *to)
	if err != nil {
		sugar.Fatalw("snapshot_load_failed", "symbol", *symbol, "err", err)
	}
	if len(snaps) == 0 {
		sugar.Fatalw("no_snapshots", "symbol", *symbol)
	}
	sugar.Infow("replay_starting", "symbol", *symbol, "ticks", len(snaps))

	// Replay runs tax-free so cumulative amounts line up with the recorded
	// series.
	ledger := exchange.NewLedger()
	engine := exchange.NewEngine(exchange.EngineConfig{TickCents: cfg.Market.TickCents}, ledger, logger)
	solver := inference.NewSolver(cfg.Market.TickCents, logger)

	rep := replay.New(engine, solver, replay.Config{
		Symbol:        *symbol,
		Sink:          cfg.Replay.SinkAccount,
		SinkCashCents: cfg.Replay.SinkCashCents,
		SinkShares:    cfg.Replay.SinkShares,
		SkipWindow:    auctionWindow,
	}, logger)

	stats, err := rep.Run(snaps)
	if err != nil {
		sugar.Fatalw("replay_failed", "err", err)
	}
	fmt.Println(stats)
}

// importSnapshots reads one JSON snapshot per line and stores each under the
// given symbol. Blank lines are skipped.
func importSnapshots(store *storage.Store, path, symbol string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap exchange.Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		snap.Symbol = symbol
		if err := store.SaveSnapshot(&snap); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}

func loadRange(store *storage.Store, symbol, from, to string) ([]*exchange.Snapshot, error) {
	var lo, hi time.Time
	var err error
	if from != "" {
		if lo, err = time.Parse(time.RFC3339, from); err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
	}
	if to != "" {
		if hi, err = time.Parse(time.RFC3339, to); err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}
	}
	return store.LoadSnapshots(symbol, lo, hi)
}

// auctionWindow reports timestamps inside the A-share call auction phases,
// whose flow is not continuous matching: the opening auction before 09:30
// and the closing auction from 14:57.
func auctionWindow(ts time.Time) bool {
	h, m, _ := ts.Clock()
	hm := h*60 + m
	if hm < 9*60+30 {
		return true
	}
	return hm >= 14*60+57
}
