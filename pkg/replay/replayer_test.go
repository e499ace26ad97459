package replay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickerfield/marketsim/pkg/exchange"
	"github.com/tickerfield/marketsim/pkg/inference"
)

const testSymbol = "000009.XSHE"

func snap(ts int64, asks, bids [][2]int64, last, high, low, volume, amountCents int64) *exchange.Snapshot {
	s := &exchange.Snapshot{
		Symbol:    testSymbol,
		Timestamp: time.Unix(ts, 0),
		Last:      last,
		High:      high,
		Low:       low,
		Volume:    volume,
		Amount:    decimal.New(amountCents, -2),
	}
	for i, lvl := range asks {
		s.Asks[4-i] = exchange.SnapLevel{Price: lvl[0], Volume: lvl[1]}
	}
	for i, lvl := range bids {
		s.Bids[i] = exchange.SnapLevel{Price: lvl[0], Volume: lvl[1]}
	}
	return s
}

func newTestReplayer(t *testing.T, skip func(time.Time) bool) *Replayer {
	t.Helper()
	ledger := exchange.NewLedger()
	engine := exchange.NewEngine(exchange.EngineConfig{TickCents: 1}, ledger, nil)
	solver := inference.NewSolver(1, nil)
	solver.SetRand(rand.New(rand.NewSource(7)))
	return New(engine, solver, Config{
		Symbol:        testSymbol,
		Sink:          1,
		SinkCashCents: 100_000_000_00,
		SinkShares:    10_000_000,
		SkipWindow:    skip,
	}, nil)
}

func (r *Replayer) mustMatch(t *testing.T, want *exchange.Snapshot) {
	t.Helper()
	got, ok := r.engine.MarketSnapshot(testSymbol, want.Timestamp)
	if !ok {
		t.Fatalf("no snapshot for %s", testSymbol)
	}
	if !Consistent(got, want) {
		t.Fatalf("engine state diverged:\n got %+v\nwant %+v", got, want)
	}
}

func TestReplayQuietTick(t *testing.T) {
	r := newTestReplayer(t, nil)
	a := snap(100, [][2]int64{{1000, 500}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000)
	b := snap(103, [][2]int64{{1000, 500}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000)

	stats, err := r.Run([]*exchange.Snapshot{a, b})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Ticks != 2 || stats.Anchors != 1 || stats.Consistent != 1 {
		t.Fatalf("stats = %s", stats)
	}
	r.mustMatch(t, b)
}

func TestReplayTradeTick(t *testing.T) {
	r := newTestReplayer(t, nil)
	a := snap(100, [][2]int64{{1000, 500}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000)
	b := snap(103, [][2]int64{{1000, 200}}, [][2]int64{{998, 400}}, 1000, 1000, 998, 1300, 1300000)

	stats, err := r.Run([]*exchange.Snapshot{a, b})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Consistent != 1 || stats.Mismatched != 0 || stats.Anchors != 1 {
		t.Fatalf("stats = %s", stats)
	}
	r.mustMatch(t, b)
}

func TestReplayCancelTick(t *testing.T) {
	r := newTestReplayer(t, nil)
	a := snap(100, [][2]int64{{1000, 500}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000)
	b := snap(103, [][2]int64{{1000, 300}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000)

	stats, err := r.Run([]*exchange.Snapshot{a, b})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Consistent != 1 || stats.Anchors != 1 {
		t.Fatalf("stats = %s", stats)
	}
	r.mustMatch(t, b)
}

func TestReplayUncomputableReanchors(t *testing.T) {
	r := newTestReplayer(t, nil)
	a := snap(100, [][2]int64{{1002, 500}}, [][2]int64{{998, 400}}, 1000, 1002, 998, 1000, 1000000)
	// New high, new low and an off-ladder last price: no unique solution.
	b := snap(103, [][2]int64{{1002, 400}}, [][2]int64{{998, 300}}, 1001, 1003, 997, 1500, 1500100)

	stats, err := r.Run([]*exchange.Snapshot{a, b})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Uncomputable != 1 || stats.Anchors != 2 || stats.Consistent != 0 {
		t.Fatalf("stats = %s", stats)
	}
	// The re-anchor leaves the engine exactly on the unsolvable snapshot.
	r.mustMatch(t, b)
}

func TestReplaySkipWindow(t *testing.T) {
	inWindow := func(ts time.Time) bool { return ts.Unix() < 102 }
	r := newTestReplayer(t, inWindow)
	a := snap(100, [][2]int64{{1000, 500}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000)
	b := snap(103, [][2]int64{{1000, 700}}, [][2]int64{{997, 100}}, 998, 1000, 998, 1000, 1000000)

	stats, err := r.Run([]*exchange.Snapshot{a, b})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Skipped != 1 || stats.Anchors != 2 || stats.Consistent != 0 {
		t.Fatalf("stats = %s", stats)
	}
	r.mustMatch(t, b)
}

func TestReplayConservesSinkFunds(t *testing.T) {
	r := newTestReplayer(t, nil)
	series := []*exchange.Snapshot{
		snap(100, [][2]int64{{1000, 500}}, [][2]int64{{998, 400}}, 998, 1000, 998, 1000, 1000000),
		snap(103, [][2]int64{{1000, 200}}, [][2]int64{{998, 400}}, 1000, 1000, 998, 1300, 1300000),
		snap(106, [][2]int64{{1000, 200}}, [][2]int64{{998, 100}}, 998, 1000, 998, 1600, 1599400),
		snap(109, [][2]int64{{1000, 200}}, [][2]int64{{998, 100}}, 998, 1000, 998, 1600, 1599400),
	}

	stats, err := r.Run(series)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Consistent != 3 {
		t.Fatalf("stats = %s", stats)
	}
	// Self-trades in a tax-free replay move nothing off the sink account.
	ledger := r.engine.Ledger()
	if total := ledger.TotalShares(testSymbol); total != 10_000_000 {
		t.Errorf("total shares = %d, want 10000000", total)
	}
	if total := ledger.TotalCash(); !total.Equal(decimal.New(100_000_000_00, -2)) {
		t.Errorf("total cash = %s, want 100000000.00", total)
	}
	for _, acct := range ledger.Accounts() {
		if err := acct.Validate(); err != nil {
			t.Errorf("account %d: %v", acct.ID, err)
		}
	}
}
