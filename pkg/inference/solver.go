// Package inference reconstructs the hidden order flow between two
// consecutive market snapshots. Given the 5-level ladders, last/high/low and
// cumulative volume/amount of snapshots A and B, it produces an ordered list
// of ask/bid/cancel actions that, replayed through the matching engine,
// reproduce B exactly.
//
// The traded volumes are recovered by solving a two-equation linear system
// over candidate execution prices:
//
//	Σ price_i·x_i = Δamount
//	Σ x_i        = Δvolume
//
// over non-negative integers. Only uniquely determined ticks (≤2 candidate
// prices) are trusted; anything underdetermined is reported uncomputable
// rather than guessed.
package inference

import (
	"errors"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tickerfield/marketsim/pkg/exchange"
)

// ErrUncomputable marks a tick whose order flow cannot be uniquely
// reconstructed. The caller skips the tick and re-anchors on the next
// snapshot.
var ErrUncomputable = errors.New("tick flow uncomputable")

const maxExpansions = 3

type Solver struct {
	tick int64 // price step in cents
	rng  *rand.Rand
	log  *zap.Logger
}

func NewSolver(tick int64, log *zap.Logger) *Solver {
	if tick <= 0 {
		tick = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Solver{
		tick: tick,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		log:  log,
	}
}

// SetRand replaces the shuffle source. Tests inject a fixed seed.
func (s *Solver) SetRand(r *rand.Rand) { s.rng = r }

// Solve infers the action list transforming snapshot a into snapshot b.
// The returned actions are randomly ordered — the true micro-order within a
// tick is unrecoverable — except for a "locked" action at b's last price,
// which is always placed last.
func (s *Solver) Solve(a, b *exchange.Snapshot) ([]exchange.Action, error) {
	curAsk := a.AskVolumes()
	curBid := a.BidVolumes()
	nextAsk := b.AskVolumes()
	nextBid := b.BidVolumes()

	deltaVolume := b.Volume - a.Volume
	shifted := b.Amount.Sub(a.Amount).Shift(2)
	if !shifted.IsInteger() {
		// Fractional cent-shares: corporate-action residue the amount
		// accounting cannot attribute. Treated like any unsolvable tick.
		s.log.Warn("amount delta not integral in cents",
			zap.String("symbol", a.Symbol), zap.String("delta", shifted.String()))
		return nil, ErrUncomputable
	}
	deltaAmount := shifted.IntPart() // cent-shares

	trades, err := s.solveTradeVolumes(a, b, curAsk, curBid, nextAsk, deltaVolume, deltaAmount)
	if err != nil {
		return nil, err
	}

	// Classify each traded price by the ladder it consumed: a trade at one
	// of A's ask prices was a buy hitting the ask, and vice versa. Prices
	// inside A's bid-ask gap are classified by the side they occupy in B,
	// defaulting to bid.
	var actions []exchange.Action
	for _, p := range sortedKeys(trades) {
		v := trades[p]
		switch {
		case curAsk[p] != 0:
			actions = append(actions, exchange.Action{Direction: exchange.Bid, Price: p, Volume: v})
		case curBid[p] != 0:
			actions = append(actions, exchange.Action{Direction: exchange.Ask, Price: p, Volume: v})
		case nextAsk[p] != 0:
			actions = append(actions, exchange.Action{Direction: exchange.Ask, Price: p, Volume: v})
		default:
			actions = append(actions, exchange.Action{Direction: exchange.Bid, Price: p, Volume: v})
		}
	}

	// Debit the matched volumes from A's aggregate levels. The residual
	// ladder ("gap state") is what reconciliation below compares against B.
	gapAsk := copyLevels(curAsk)
	gapBid := copyLevels(curBid)
	for _, act := range actions {
		if _, ok := curBid[act.Price]; ok {
			if act.Direction != exchange.Ask {
				s.log.Warn("trade at bid price classified as bid", zap.Int64("price", act.Price))
			}
			gapBid[act.Price] -= act.Volume
		} else if _, ok := curAsk[act.Price]; ok {
			if act.Direction != exchange.Bid {
				s.log.Warn("trade at ask price classified as ask", zap.Int64("price", act.Price))
			}
			gapAsk[act.Price] -= act.Volume
		}
	}

	// A negative residual is the trace of a same-tick cross: the book
	// transiently inverted and the overlap traded away immediately. Emit a
	// compensating action of the consumed side and treat the level as fully
	// reconciled.
	for _, p := range sortedKeys(gapAsk) {
		switch v := gapAsk[p]; {
		case v == 0:
			delete(gapAsk, p)
		case v < 0:
			actions = append(actions, exchange.Action{Direction: exchange.Ask, Price: p, Volume: -v})
			delete(gapAsk, p)
		}
	}
	for _, p := range sortedKeys(gapBid) {
		switch v := gapBid[p]; {
		case v == 0:
			delete(gapBid, p)
		case v < 0:
			actions = append(actions, exchange.Action{Direction: exchange.Bid, Price: p, Volume: -v})
			delete(gapBid, p)
		}
	}

	// Reconcile the residual ladder against B's visible window: new prices
	// are fresh orders, vanished prices (still inside the window) are
	// cancels, and volume changes at a surviving price are the delta in
	// either direction. Prices that slid beyond the visible five levels are
	// left alone. A zero outermost level means the window is not full, so
	// every vanished price on that side sits inside the envelope.
	outermostAsk := b.Asks[0].Price
	outermostBid := b.Bids[4].Price
	for _, p := range sortedKeys(nextAsk) {
		if _, ok := gapAsk[p]; !ok {
			actions = append(actions, exchange.Action{Direction: exchange.Ask, Price: p, Volume: nextAsk[p]})
			gapAsk[p] = nextAsk[p]
		}
	}
	for _, p := range sortedKeys(gapAsk) {
		nv, ok := nextAsk[p]
		if !ok {
			if outermostAsk == 0 || p <= outermostAsk {
				actions = append(actions, exchange.Action{Direction: exchange.Cancel, Price: p, Volume: gapAsk[p]})
				gapAsk[p] = 0
			}
			continue
		}
		if delta := nv - gapAsk[p]; delta < 0 {
			actions = append(actions, exchange.Action{Direction: exchange.Cancel, Price: p, Volume: -delta})
		} else if delta > 0 {
			actions = append(actions, exchange.Action{Direction: exchange.Ask, Price: p, Volume: delta})
		}
		gapAsk[p] = nv
	}
	for _, p := range sortedKeys(nextBid) {
		if _, ok := gapBid[p]; !ok {
			actions = append(actions, exchange.Action{Direction: exchange.Bid, Price: p, Volume: nextBid[p]})
			gapBid[p] = nextBid[p]
		}
	}
	for _, p := range sortedKeys(gapBid) {
		nv, ok := nextBid[p]
		if !ok {
			if p >= outermostBid {
				actions = append(actions, exchange.Action{Direction: exchange.Cancel, Price: p, Volume: gapBid[p]})
				gapBid[p] = 0
			}
			continue
		}
		if delta := nv - gapBid[p]; delta < 0 {
			actions = append(actions, exchange.Action{Direction: exchange.Cancel, Price: p, Volume: -delta})
		} else if delta > 0 {
			actions = append(actions, exchange.Action{Direction: exchange.Bid, Price: p, Volume: delta})
		}
		gapBid[p] = nv
	}

	return s.aggregate(actions, b, curAsk, curBid, deltaVolume), nil
}

// solveTradeVolumes collects candidate execution prices, expands them up to
// maxExpansions rounds when the system has no solution, and applies the
// coefficient-count acceptance policy.
func (s *Solver) solveTradeVolumes(a, b *exchange.Snapshot, curAsk, curBid, nextAsk map[int64]int64, deltaVolume, deltaAmount int64) (map[int64]int64, error) {
	nextBid := b.BidVolumes()

	// With nothing traded the non-negative system admits only the trivial
	// solution, whatever the candidate set looks like.
	if deltaVolume == 0 && deltaAmount == 0 {
		return map[int64]int64{}, nil
	}

	cands := make(map[int64]struct{})

	// A ladder price that disappeared from B's side while staying inside
	// B's visible window was consumed by trades, not pushed off the window.
	// An under-filled window (zero pad levels) bounds nothing.
	for p := range curAsk {
		if _, ok := nextAsk[p]; !ok && (b.Asks[0].Price == 0 || p < b.Asks[0].Price) {
			cands[p] = struct{}{}
		}
	}
	for p := range curBid {
		if _, ok := nextBid[p]; !ok && p > b.Bids[4].Price {
			cands[p] = struct{}{}
		}
	}
	// The touch is always a candidate, as is any new high/low and the last
	// trade price itself.
	if p := a.BestAsk().Price; p > 0 {
		cands[p] = struct{}{}
	}
	if p := a.BestBid().Price; p > 0 {
		cands[p] = struct{}{}
	}
	if b.High != a.High && b.High > 0 {
		cands[b.High] = struct{}{}
	}
	if b.Low != a.Low && b.Low > 0 {
		cands[b.Low] = struct{}{}
	}
	if b.Last > 0 {
		cands[b.Last] = struct{}{}
	}

	prices := setToSorted(cands)

	var sol map[int64]int64
	solvable := false
	if len(prices) <= 2 {
		sol, solvable = solveSystem(prices, deltaVolume, deltaAmount)
	} else {
		// With a free variable the system has a solution family; the count
		// policy below rejects it without expansion.
		solvable = true
	}

	failed := 0
	gapAdded := false
	extendUp := true
	for !solvable {
		failed++
		if failed >= maxExpansions {
			s.log.Warn("tick uncomputable after expansions",
				zap.String("symbol", a.Symbol),
				zap.Int64("delta_volume", deltaVolume),
				zap.Int64("delta_amount", deltaAmount))
			return nil, ErrUncomputable
		}

		if p := a.BestAsk().Price; p > 0 {
			cands[p] = struct{}{}
		}
		if p := a.BestBid().Price; p > 0 {
			cands[p] = struct{}{}
		}
		// Hidden liquidity may have traded inside the spread: every tick
		// price strictly between A's touch is a candidate.
		if !gapAdded {
			gapAdded = true
			lo, hi := a.BestBid().Price, a.BestAsk().Price
			if lo > 0 && hi > 0 {
				for p := lo + s.tick; p < hi; p += s.tick {
					cands[p] = struct{}{}
				}
			}
		}
		// Alternately extend one tick beyond the current extremes.
		prices = setToSorted(cands)
		if len(prices) > 0 {
			if extendUp {
				cands[prices[len(prices)-1]+s.tick] = struct{}{}
			} else {
				cands[prices[0]-s.tick] = struct{}{}
			}
			extendUp = !extendUp
		}

		prices = setToSorted(cands)
		if len(prices) <= 2 {
			sol, solvable = solveSystem(prices, deltaVolume, deltaAmount)
		} else {
			solvable = true
		}
	}

	switch {
	case len(prices) == 3:
		// One free variable: a solution family, never a unique answer.
		s.log.Info("tick underdetermined",
			zap.String("symbol", a.Symbol), zap.Int64s("prices", prices))
		return nil, ErrUncomputable
	case len(prices) > 3:
		s.log.Info("too many candidate prices",
			zap.String("symbol", a.Symbol), zap.Int64s("prices", prices))
		return nil, ErrUncomputable
	}

	trades := make(map[int64]int64, len(sol))
	for p, v := range sol {
		if v != 0 {
			trades[p] = v
		}
	}
	return trades, nil
}

// solveSystem solves Σp_i·x_i = amount, Σx_i = volume over non-negative
// integers for at most two unknowns. With two distinct prices the solution
// is unique when it exists; with one it exists iff consistent.
func solveSystem(prices []int64, volume, amount int64) (map[int64]int64, bool) {
	switch len(prices) {
	case 0:
		if volume == 0 && amount == 0 {
			return map[int64]int64{}, true
		}
		return nil, false
	case 1:
		if volume >= 0 && prices[0]*volume == amount {
			return map[int64]int64{prices[0]: volume}, true
		}
		return nil, false
	case 2:
		p1, p2 := prices[0], prices[1]
		num := amount - p2*volume
		den := p1 - p2
		if num%den != 0 {
			return nil, false
		}
		x1 := num / den
		x2 := volume - x1
		if x1 < 0 || x2 < 0 {
			return nil, false
		}
		return map[int64]int64{p1: x1, p2: x2}, true
	}
	return nil, false
}

// aggregate sums same-direction same-price actions, defers the ambiguous
// action at B's last price to the end, and shuffles the rest: true
// submission order within a tick is unrecoverable, and the property that
// matters downstream is end-state equivalence.
func (s *Solver) aggregate(actions []exchange.Action, b *exchange.Snapshot, curAsk, curBid map[int64]int64, deltaVolume int64) []exchange.Action {
	askAgg := make(map[int64]int64)
	bidAgg := make(map[int64]int64)
	cancelAgg := make(map[int64]int64)
	for _, act := range actions {
		switch act.Direction {
		case exchange.Ask:
			askAgg[act.Price] += act.Volume
		case exchange.Bid:
			bidAgg[act.Price] += act.Volume
		case exchange.Cancel:
			cancelAgg[act.Price] += act.Volume
		}
	}

	var locked *exchange.Action
	out := make([]exchange.Action, 0, len(askAgg)+len(bidAgg)+len(cancelAgg))
	for _, p := range sortedKeys(askAgg) {
		v := askAgg[p]
		if v == 0 {
			continue
		}
		// An ask exactly at the new last price that was not already resting
		// in A cannot be safely classified: it may be a fresh order or the
		// final execution. Defer it.
		if p == b.Last && locked == nil && curAsk[p] == 0 {
			locked = &exchange.Action{Direction: exchange.Ask, Price: p, Volume: v}
			continue
		}
		out = append(out, exchange.Action{Direction: exchange.Ask, Price: p, Volume: v})
	}
	for _, p := range sortedKeys(bidAgg) {
		v := bidAgg[p]
		if v == 0 {
			continue
		}
		if p == b.Last && locked == nil && curBid[p] == 0 {
			locked = &exchange.Action{Direction: exchange.Bid, Price: p, Volume: v}
			continue
		}
		out = append(out, exchange.Action{Direction: exchange.Bid, Price: p, Volume: v})
	}
	for _, p := range sortedKeys(cancelAgg) {
		if v := cancelAgg[p]; v != 0 {
			out = append(out, exchange.Action{Direction: exchange.Cancel, Price: p, Volume: v})
		}
	}

	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

	if locked == nil {
		if deltaVolume != 0 {
			s.log.Warn("trade actions do not cover last price",
				zap.String("symbol", b.Symbol),
				zap.Int64("last", b.Last),
				zap.Int64("delta_volume", deltaVolume))
		}
		return out
	}
	return append(out, *locked)
}

func copyLevels(m map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[int64]int64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func setToSorted(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
