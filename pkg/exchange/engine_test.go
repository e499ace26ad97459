package exchange

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestEngine(taxBps int64) (*Engine, *Ledger) {
	ledger := NewLedger()
	ledger.Open(1, 10_000_000) // 100,000.00 cash
	ledger.Open(2, 10_000_000)
	ledger.GrantShares(1, sym, 100_000)
	ledger.GrantShares(2, sym, 100_000)

	engine := NewEngine(EngineConfig{TaxRateBps: taxBps, TickCents: 1}, ledger, nil)
	engine.AddInstrument(sym, "China Baoan")
	return engine, ledger
}

func submit(t *testing.T, e *Engine, acct int64, dir Direction, price, vol int64) *Report {
	t.Helper()
	rep, err := e.Submit(&Commission{
		Symbol: sym, Account: acct, Direction: dir, Price: price, Volume: vol,
	})
	if err != nil {
		t.Fatalf("submit %s %d×%d: %v", dir, price, vol, err)
	}
	return rep
}

func TestMatchWalksTheBook(t *testing.T) {
	// Resting asks at 10.00×100 and 10.01×200; a bid for 250 at 10.01 takes
	// the cheaper level first, fills at each maker's price, and leaves
	// nothing resting.
	e, _ := newTestEngine(0)
	submit(t, e, 1, Ask, 1000, 100)
	submit(t, e, 1, Ask, 1001, 200)

	rep := submit(t, e, 2, Bid, 1001, 250)
	if rep.State != StateFilled || rep.Remaining != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(rep.Trades))
	}
	if rep.Trades[0].Price != 1000 || rep.Trades[0].Volume != 100 {
		t.Errorf("first trade = %d×%d, want 1000×100", rep.Trades[0].Price, rep.Trades[0].Volume)
	}
	if rep.Trades[1].Price != 1001 || rep.Trades[1].Volume != 150 {
		t.Errorf("second trade = %d×%d, want 1001×150", rep.Trades[1].Price, rep.Trades[1].Volume)
	}

	inst, _ := e.Instrument(sym)
	if vol := inst.Book().VolumeAt(Ask, 1001); vol != 50 {
		t.Errorf("resting ask at 1001 = %d, want 50", vol)
	}
	if vol := inst.Book().VolumeAt(Bid, 1001); vol != 0 {
		t.Error("taker remainder should not rest")
	}
}

func TestPartialCancelReleasesFreeze(t *testing.T) {
	e, ledger := newTestEngine(0)
	rep := submit(t, e, 2, Bid, 950, 300)
	if rep.State != StateResting {
		t.Fatalf("report = %+v", rep)
	}

	acct, _ := ledger.Get(2)
	if !acct.FrozenCash.Equal(cents(950 * 300)) {
		t.Fatalf("frozen = %s, want 2850.00", acct.FrozenCash)
	}

	cancel, err := e.Submit(&Commission{
		Symbol: sym, Account: 2, Direction: Cancel, CancelTarget: rep.OrderID, Volume: 100,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancel.State != StateCancelled || cancel.Remaining != 200 {
		t.Fatalf("cancel report = %+v", cancel)
	}

	inst, _ := e.Instrument(sym)
	if vol := inst.Book().VolumeAt(Bid, 950); vol != 200 {
		t.Errorf("resting volume = %d, want 200", vol)
	}
	if !acct.FrozenCash.Equal(cents(950 * 200)) {
		t.Errorf("frozen after cancel = %s, want 1900.00", acct.FrozenCash)
	}
}

func TestRestInsideSpread(t *testing.T) {
	e, _ := newTestEngine(0)
	submit(t, e, 1, Ask, 1005, 100)
	submit(t, e, 1, Bid, 995, 100)

	rep := submit(t, e, 2, Bid, 1000, 100)
	if rep.State != StateResting || rep.Remaining != 100 || len(rep.Trades) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	inst, _ := e.Instrument(sym)
	if vol := inst.Book().VolumeAt(Bid, 1000); vol != 100 {
		t.Fatalf("new level volume = %d, want 100", vol)
	}

	// A second order at the same price joins the level.
	submit(t, e, 2, Bid, 1000, 50)
	if vol := inst.Book().VolumeAt(Bid, 1000); vol != 150 {
		t.Fatalf("level volume = %d, want 150", vol)
	}
}

func TestTimePriorityAtSamePrice(t *testing.T) {
	e, _ := newTestEngine(0)
	first := submit(t, e, 1, Ask, 1000, 100)
	second := submit(t, e, 2, Ask, 1000, 100)

	rep := submit(t, e, 1, Bid, 1000, 120)
	if len(rep.Trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(rep.Trades))
	}
	// First resting order drains completely before the second is touched.
	if rep.Trades[0].Seller != 1 || rep.Trades[0].Volume != 100 {
		t.Errorf("first fill = seller %d vol %d", rep.Trades[0].Seller, rep.Trades[0].Volume)
	}
	if rep.Trades[1].Seller != 2 || rep.Trades[1].Volume != 20 {
		t.Errorf("second fill = seller %d vol %d", rep.Trades[1].Seller, rep.Trades[1].Volume)
	}

	inst, _ := e.Instrument(sym)
	if _, ok := inst.Book().Get(first.OrderID); ok {
		t.Error("first order still in book")
	}
	if o, ok := inst.Book().Get(second.OrderID); !ok || o.Volume != 80 {
		t.Errorf("second order = %+v", o)
	}
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	e, ledger := newTestEngine(0)
	submit(t, e, 1, Ask, 1000, 100)

	inst, _ := e.Instrument(sym)
	wantLevels := inst.Book().Levels(Ask, -1)
	before, _ := ledger.Get(2)
	wantCash, wantFrozen := before.Cash, before.FrozenCash

	// Worst-case cost exceeds available cash.
	_, err := e.Submit(&Commission{
		Symbol: sym, Account: 2, Direction: Bid, Price: 1000, Volume: 1_000_000,
	})
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}

	gotLevels := inst.Book().Levels(Ask, -1)
	if len(gotLevels) != len(wantLevels) || gotLevels[0] != wantLevels[0] {
		t.Errorf("book changed by rejected commission: %v", gotLevels)
	}
	after, _ := ledger.Get(2)
	if !after.Cash.Equal(wantCash) || !after.FrozenCash.Equal(wantFrozen) {
		t.Errorf("ledger changed by rejected commission")
	}
}

func TestValidationErrors(t *testing.T) {
	e, _ := newTestEngine(0)
	inst, _ := e.Instrument(sym)
	inst.SetLimitBand(1000, 1000, 1) // ±10% → [900, 1100]

	cases := []struct {
		name string
		c    *Commission
		want error
	}{
		{"zero volume", &Commission{Symbol: sym, Account: 1, Direction: Bid, Price: 1000, Volume: 0}, ErrInvalidVolume},
		{"zero price", &Commission{Symbol: sym, Account: 1, Direction: Bid, Price: 0, Volume: 100}, ErrInvalidPrice},
		{"above band", &Commission{Symbol: sym, Account: 1, Direction: Bid, Price: 1101, Volume: 100}, ErrPriceOutsideBand},
		{"below band", &Commission{Symbol: sym, Account: 1, Direction: Ask, Price: 899, Volume: 100}, ErrPriceOutsideBand},
		{"unknown account", &Commission{Symbol: sym, Account: 42, Direction: Bid, Price: 1000, Volume: 100}, ErrUnknownAccount},
		{"oversell", &Commission{Symbol: sym, Account: 1, Direction: Ask, Price: 1000, Volume: 200_000}, ErrInsufficientShares},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := e.Submit(tc.c)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if rep.State != StateRejected {
				t.Fatalf("state = %s, want rejected", rep.State)
			}
		})
	}

	if _, err := e.Submit(&Commission{Symbol: "600000.XSHG", Account: 1, Direction: Bid, Price: 1000, Volume: 100}); !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("unknown symbol err = %v", err)
	}
}

func TestCancelErrors(t *testing.T) {
	e, _ := newTestEngine(0)
	rep := submit(t, e, 1, Ask, 1000, 100)

	cases := []struct {
		name string
		c    *Commission
	}{
		{"unknown target", &Commission{Symbol: sym, Account: 1, Direction: Cancel, Volume: 10}},
		{"foreign owner", &Commission{Symbol: sym, Account: 2, Direction: Cancel, CancelTarget: rep.OrderID, Volume: 10}},
		{"oversized", &Commission{Symbol: sym, Account: 1, Direction: Cancel, CancelTarget: rep.OrderID, Volume: 200}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Submit(tc.c)
			var cerr *CancelError
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *CancelError", err)
			}
		})
	}

	// The failed cancels left the order whole.
	inst, _ := e.Instrument(sym)
	if o, ok := inst.Book().Get(rep.OrderID); !ok || o.Volume != 100 {
		t.Fatalf("order after failed cancels = %+v", o)
	}
}

func TestTaxCharged(t *testing.T) {
	e, ledger := newTestEngine(20) // 0.2%
	submit(t, e, 1, Ask, 1000, 100)
	rep := submit(t, e, 2, Bid, 1000, 100)

	if len(rep.Trades) != 1 {
		t.Fatalf("trades = %v", rep.Trades)
	}
	// 0.2% of 1000.00 = 2.00, charged to each side.
	if !rep.Trades[0].Tax.Equal(cents(200)) {
		t.Fatalf("tax = %s, want 2.00", rep.Trades[0].Tax)
	}
	seller, _ := ledger.Get(1)
	if !seller.Cash.Equal(cents(10_000_000 + 100_000 - 200)) {
		t.Errorf("seller cash = %s", seller.Cash)
	}
	buyer, _ := ledger.Get(2)
	if !buyer.Cash.Equal(cents(10_000_000 - 100_000 - 200)) {
		t.Errorf("buyer cash = %s", buyer.Cash)
	}
}

func TestMarketSnapshotLayout(t *testing.T) {
	e, _ := newTestEngine(0)
	submit(t, e, 1, Ask, 1002, 100)
	submit(t, e, 1, Ask, 1001, 200)
	submit(t, e, 2, Bid, 998, 300)

	snap, ok := e.MarketSnapshot(sym, time.Unix(100, 0))
	if !ok {
		t.Fatal("no snapshot")
	}
	if snap.BestAsk() != (SnapLevel{Price: 1001, Volume: 200}) {
		t.Errorf("best ask = %+v", snap.BestAsk())
	}
	if snap.Asks[3] != (SnapLevel{Price: 1002, Volume: 100}) {
		t.Errorf("second ask = %+v", snap.Asks[3])
	}
	if snap.Asks[0] != (SnapLevel{}) {
		t.Errorf("outer ask should be zero-padded, got %+v", snap.Asks[0])
	}
	if snap.BestBid() != (SnapLevel{Price: 998, Volume: 300}) {
		t.Errorf("best bid = %+v", snap.BestBid())
	}
}

func TestAnchorReleasesFreezes(t *testing.T) {
	e, ledger := newTestEngine(0)
	submit(t, e, 1, Ask, 1000, 100)
	submit(t, e, 2, Bid, 990, 200)

	target := &Snapshot{Symbol: sym, Last: 995, High: 1000, Low: 990, Volume: 5000, Amount: decimal.New(4_975_000, -2)}
	if err := e.Anchor(sym, target); err != nil {
		t.Fatalf("Anchor: %v", err)
	}

	inst, _ := e.Instrument(sym)
	if !inst.Book().IsEmpty(Ask) || !inst.Book().IsEmpty(Bid) {
		t.Fatal("book not empty after anchor")
	}
	if inst.Last != 995 || inst.Volume != 5000 {
		t.Errorf("stats = last %d volume %d", inst.Last, inst.Volume)
	}

	seller, _ := ledger.Get(1)
	if pos := seller.Position(sym); pos.Frozen != 0 {
		t.Errorf("seller frozen shares = %d, want 0", pos.Frozen)
	}
	buyer, _ := ledger.Get(2)
	if !buyer.FrozenCash.IsZero() {
		t.Errorf("buyer frozen cash = %s, want 0", buyer.FrozenCash)
	}
}

func TestLimitBandMovesWithAnchor(t *testing.T) {
	ledger := NewLedger()
	engine := NewEngine(EngineConfig{TickCents: 1, LimitBandBps: 1000}, ledger, nil)
	engine.AddInstrument(sym, "China Baoan")

	if up, down, ok := engine.LimitBand(sym); !ok || up != 0 || down != 0 {
		t.Fatalf("band before anchor = (%d, %d, %v), want unset", up, down, ok)
	}

	target := &Snapshot{Symbol: sym, Last: 1000, Volume: 100, Amount: decimal.New(100_000, -2)}
	if err := engine.Anchor(sym, target); err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if up, down, ok := engine.LimitBand(sym); !ok || up != 1100 || down != 900 {
		t.Fatalf("band = (%d, %d, %v), want (1100, 900, true)", up, down, ok)
	}

	target = &Snapshot{Symbol: sym, Last: 2000, Volume: 200, Amount: decimal.New(400_000, -2)}
	if err := engine.Anchor(sym, target); err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if up, down, _ := engine.LimitBand(sym); up != 2200 || down != 1800 {
		t.Fatalf("band after re-anchor = (%d, %d), want (2200, 1800)", up, down)
	}

	if _, _, ok := engine.LimitBand("600000.XSHG"); ok {
		t.Fatal("unknown symbol reported a band")
	}
}
