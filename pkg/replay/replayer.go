// Package replay drives the matching engine with action flow inferred from a
// recorded snapshot series and checks that the engine reproduces each
// snapshot exactly. Every inferred action is submitted by a single sink
// account that also owns the whole resting book, so inferred trades settle
// as self-trades against it.
package replay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tickerfield/marketsim/pkg/exchange"
	"github.com/tickerfield/marketsim/pkg/inference"
	"github.com/tickerfield/marketsim/pkg/util"
)

// Stats accumulates per-tick outcomes over a replay run.
type Stats struct {
	Ticks        int // snapshots consumed, the first anchor included
	Consistent   int // ticks reproduced exactly
	Mismatched   int // ticks whose applied actions missed the target snapshot
	Uncomputable int // ticks the solver could not uniquely determine
	Skipped      int // ticks inside a skip window (auction phases)
	Anchors      int // hard resets to a snapshot
}

// Rate is the fraction of solvable ticks reproduced exactly.
func (s Stats) Rate() float64 {
	attempted := s.Consistent + s.Mismatched
	if attempted == 0 {
		return 0
	}
	return float64(s.Consistent) / float64(attempted)
}

func (s Stats) String() string {
	return fmt.Sprintf("ticks=%d consistent=%d mismatched=%d uncomputable=%d skipped=%d anchors=%d rate=%.4f",
		s.Ticks, s.Consistent, s.Mismatched, s.Uncomputable, s.Skipped, s.Anchors, s.Rate())
}

// Config parameterizes a replay run.
type Config struct {
	Symbol        string
	Sink          int64 // account absorbing all inferred flow
	SinkCashCents int64
	SinkShares    int64

	// SkipWindow reports timestamps whose flow should not be solved — call
	// auction phases, lunch breaks. The replayer re-anchors on the first
	// snapshot after such a window.
	SkipWindow func(time.Time) bool
}

// Replayer feeds inferred actions through an engine and re-anchors whenever
// the reconstruction diverges from the recorded series.
type Replayer struct {
	cfg    Config
	engine *exchange.Engine
	solver *inference.Solver
	clock  *util.SimClock
	log    *zap.Logger

	stats    Stats
	anchored bool
	prev     *exchange.Snapshot
}

func New(engine *exchange.Engine, solver *inference.Solver, cfg Config, log *zap.Logger) *Replayer {
	if log == nil {
		log = zap.NewNop()
	}
	clock := util.NewSimClock(time.Time{})
	engine.SetClock(clock)
	engine.AddInstrument(cfg.Symbol, cfg.Symbol)
	engine.Ledger().Open(cfg.Sink, cfg.SinkCashCents)
	if err := engine.Ledger().GrantShares(cfg.Sink, cfg.Symbol, cfg.SinkShares); err != nil {
		log.Error("seeding sink shares", zap.Error(err))
	}
	return &Replayer{
		cfg:    cfg,
		engine: engine,
		solver: solver,
		clock:  clock,
		log:    log,
	}
}

func (r *Replayer) Stats() Stats { return r.stats }

// Anchor resets the instrument to the snapshot and rebuilds its visible
// ladder as sink-owned resting orders.
func (r *Replayer) Anchor(snap *exchange.Snapshot) error {
	r.clock.Set(snap.Timestamp)
	if err := r.engine.Anchor(r.cfg.Symbol, snap); err != nil {
		return err
	}
	for _, lvl := range snap.Asks {
		if err := r.seedLevel(exchange.Ask, lvl, snap.Timestamp); err != nil {
			return err
		}
	}
	for _, lvl := range snap.Bids {
		if err := r.seedLevel(exchange.Bid, lvl, snap.Timestamp); err != nil {
			return err
		}
	}
	r.stats.Anchors++
	r.anchored = true
	r.prev = snap
	return nil
}

func (r *Replayer) seedLevel(side exchange.Direction, lvl exchange.SnapLevel, ts time.Time) error {
	if lvl.Price == 0 || lvl.Volume == 0 {
		return nil
	}
	rep, err := r.engine.Submit(&exchange.Commission{
		Symbol:    r.cfg.Symbol,
		Account:   r.cfg.Sink,
		Direction: side,
		Price:     lvl.Price,
		Volume:    lvl.Volume,
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("seed %s level %d: %w", side, lvl.Price, err)
	}
	if rep.State != exchange.StateResting {
		// A crossed recorded ladder would self-trade during seeding.
		return fmt.Errorf("seed %s level %d: state %s", side, lvl.Price, rep.State)
	}
	return nil
}

// Step consumes the next snapshot: it solves the flow from the previous one,
// applies it, and verifies the engine landed exactly on the target. Any
// failure along the way re-anchors on the target snapshot, so a Step never
// leaves the replayer diverged.
func (r *Replayer) Step(next *exchange.Snapshot) error {
	r.stats.Ticks++
	r.engine.SetTick(int64(r.stats.Ticks))

	if !r.anchored {
		return r.Anchor(next)
	}
	if r.cfg.SkipWindow != nil && (r.cfg.SkipWindow(r.prev.Timestamp) || r.cfg.SkipWindow(next.Timestamp)) {
		r.stats.Skipped++
		return r.Anchor(next)
	}

	r.clock.Set(next.Timestamp)

	actions, err := r.solver.Solve(r.prev, next)
	if err != nil {
		r.stats.Uncomputable++
		return r.Anchor(next)
	}

	applied := true
	for _, act := range actions {
		if err := r.Apply(act, next.Timestamp); err != nil {
			r.log.Warn("action failed",
				zap.String("symbol", r.cfg.Symbol),
				zap.String("direction", act.Direction.String()),
				zap.Int64("price", act.Price),
				zap.Int64("volume", act.Volume),
				zap.Error(err))
			applied = false
			break
		}
	}

	got, ok := r.engine.MarketSnapshot(r.cfg.Symbol, next.Timestamp)
	if !applied || !ok || !Consistent(got, next) {
		r.stats.Mismatched++
		if ok {
			r.log.Warn("tick diverged",
				zap.String("symbol", r.cfg.Symbol),
				zap.Time("ts", next.Timestamp),
				zap.Strings("fields", divergingFields(got, next)))
		}
		return r.Anchor(next)
	}

	r.stats.Consistent++
	r.prev = next
	return nil
}

// Apply submits one inferred action as the sink account. Cancels resolve
// against sink-owned resting orders in time priority.
func (r *Replayer) Apply(act exchange.Action, ts time.Time) error {
	if act.Direction != exchange.Cancel {
		_, err := r.engine.Submit(&exchange.Commission{
			Symbol:    r.cfg.Symbol,
			Account:   r.cfg.Sink,
			Direction: act.Direction,
			Price:     act.Price,
			Volume:    act.Volume,
			Timestamp: ts,
		})
		return err
	}
	return r.cancelAt(act.Price, act.Volume, ts)
}

// cancelAt removes volume at a price in time priority. The solver does not
// know which side the price rests on, so whichever ladder holds it is used.
func (r *Replayer) cancelAt(price, volume int64, ts time.Time) error {
	inst, ok := r.engine.Instrument(r.cfg.Symbol)
	if !ok {
		return exchange.ErrUnknownSymbol
	}
	side := exchange.Ask
	orders := inst.Book().OrdersAt(side, price)
	if len(orders) == 0 {
		side = exchange.Bid
		orders = inst.Book().OrdersAt(side, price)
	}

	remaining := volume
	for _, o := range orders {
		if remaining <= 0 {
			break
		}
		vol := remaining
		if o.Volume < vol {
			vol = o.Volume
		}
		_, err := r.engine.Submit(&exchange.Commission{
			Symbol:       r.cfg.Symbol,
			Account:      r.cfg.Sink,
			Direction:    exchange.Cancel,
			CancelTarget: o.ID,
			Volume:       vol,
			Timestamp:    ts,
		})
		if err != nil {
			return err
		}
		remaining -= vol
	}
	if remaining > 0 {
		return fmt.Errorf("cancel at %d: %d volume unmatched", price, remaining)
	}
	return nil
}

// Run replays a snapshot series from scratch and returns the run statistics.
func (r *Replayer) Run(snaps []*exchange.Snapshot) (Stats, error) {
	for _, snap := range snaps {
		if err := r.Step(snap); err != nil {
			return r.stats, err
		}
	}
	return r.stats, nil
}

// divergingFields names the snapshot fields where got differs from want.
func divergingFields(got, want *exchange.Snapshot) []string {
	var fields []string
	if got.Asks != want.Asks {
		fields = append(fields, "asks")
	}
	if got.Bids != want.Bids {
		fields = append(fields, "bids")
	}
	if got.Last != want.Last {
		fields = append(fields, "last")
	}
	if got.High != want.High {
		fields = append(fields, "high")
	}
	if got.Low != want.Low {
		fields = append(fields, "low")
	}
	if got.Volume != want.Volume {
		fields = append(fields, "volume")
	}
	if !got.Amount.Equal(want.Amount) {
		fields = append(fields, "amount")
	}
	return fields
}

// Consistent reports whether two snapshots describe the same market state:
// identical ladders, last trade and cumulative statistics. Timestamps are
// not compared.
func Consistent(got, want *exchange.Snapshot) bool {
	if got.Asks != want.Asks || got.Bids != want.Bids {
		return false
	}
	if got.Last != want.Last || got.High != want.High || got.Low != want.Low {
		return false
	}
	return got.Volume == want.Volume && got.Amount.Equal(want.Amount)
}
