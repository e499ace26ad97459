// Package env exposes the simulated market as a step/reset environment for
// an external reinforcement-learning loop. The environment replays a
// recorded snapshot series as background flow while a dedicated agent
// account trades against it; the learning loop itself lives outside this
// module and only consumes observations.
package env

import (
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tickerfield/marketsim/pkg/exchange"
	"github.com/tickerfield/marketsim/pkg/inference"
	"github.com/tickerfield/marketsim/pkg/replay"
)

// ObservationSize is 5 ask levels + 5 bid levels (price, volume each) plus
// last, high, low, cumulative volume and cumulative amount.
const ObservationSize = 25

// Observation is the flattened market state: ask levels outward-to-best,
// bid levels best-to-outward, then last, high, low, volume, amount. Prices
// and amount are in currency units, not cents.
type Observation [ObservationSize]float64

// Action is the agent's normalized decision. Price and Volume are in [0,1]
// and are mapped onto the live book:
//
//	price  = bestBid + Price×(bestAsk−bestBid), rounded to the tick
//	volume = Volume × level-5 volume / 10
type Action struct {
	Direction exchange.Direction
	Price     float64
	Volume    float64
}

// StepResult reports one environment transition. State is the terminal
// state of the agent's commission; a rejected commission still advances the
// market.
type StepResult struct {
	Observation Observation
	State       exchange.CommissionState
	Done        bool
}

var ErrExhausted = errors.New("snapshot series exhausted")

// Config parameterizes an environment session.
type Config struct {
	Symbol         string
	TickCents      int64
	Agent          int64
	AgentCashCents int64
	AgentShares    int64
}

// Env drives an engine with recorded background flow and brokers the agent's
// normalized actions into commissions.
type Env struct {
	cfg    Config
	engine *exchange.Engine
	solver *inference.Solver
	rep    *replay.Replayer
	log    *zap.Logger
	tick   int64

	series []*exchange.Snapshot
	idx    int
}

func New(engine *exchange.Engine, solver *inference.Solver, rep *replay.Replayer, cfg Config, series []*exchange.Snapshot, log *zap.Logger) *Env {
	if log == nil {
		log = zap.NewNop()
	}
	tick := cfg.TickCents
	if tick <= 0 {
		tick = 1
	}
	return &Env{
		cfg:    cfg,
		engine: engine,
		solver: solver,
		rep:    rep,
		log:    log,
		tick:   tick,
		series: series,
	}
}

// Reset starts a fresh episode: the market anchors on the first recorded
// snapshot and the agent account is reopened with its starting portfolio.
func (e *Env) Reset() (Observation, error) {
	var obs Observation
	if len(e.series) == 0 {
		return obs, ErrExhausted
	}
	if err := e.rep.Anchor(e.series[0]); err != nil {
		return obs, err
	}
	e.idx = 1

	ledger := e.engine.Ledger()
	ledger.Reopen(e.cfg.Agent, e.cfg.AgentCashCents)
	if e.cfg.AgentShares > 0 {
		if err := ledger.GrantShares(e.cfg.Agent, e.cfg.Symbol, e.cfg.AgentShares); err != nil {
			return obs, err
		}
	}
	return e.observe(e.series[0].Timestamp)
}

// Step submits the agent's action, advances the background flow by one
// recorded tick and returns the resulting market state. A rejected agent
// commission is reported in the result, not as an error.
func (e *Env) Step(a Action) (*StepResult, error) {
	if e.idx == 0 {
		return nil, errors.New("step before reset")
	}
	if e.idx >= len(e.series) {
		return nil, ErrExhausted
	}
	prev, next := e.series[e.idx-1], e.series[e.idx]

	state := e.submitAgent(a, prev.Timestamp)
	e.advance(prev, next)
	e.idx++

	obs, err := e.observe(next.Timestamp)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Observation: obs,
		State:       state,
		Done:        e.idx >= len(e.series),
	}, nil
}

// AgentAccount returns the agent's ledger account for reward computation by
// the external loop.
func (e *Env) AgentAccount() (*exchange.Account, bool) {
	return e.engine.Ledger().Get(e.cfg.Agent)
}

func (e *Env) submitAgent(a Action, ts time.Time) exchange.CommissionState {
	price, vol, ok := e.mapAction(a, ts)
	if !ok || vol <= 0 {
		return exchange.StateRejected
	}

	if a.Direction == exchange.Cancel {
		return e.cancelAgent(price, vol, ts)
	}

	rep, err := e.engine.Submit(&exchange.Commission{
		Symbol:    e.cfg.Symbol,
		Account:   e.cfg.Agent,
		Direction: a.Direction,
		Price:     price,
		Volume:    vol,
		Timestamp: ts,
	})
	if err != nil {
		return exchange.StateRejected
	}
	return rep.State
}

// mapAction projects the normalized action onto the current book.
func (e *Env) mapAction(a Action, ts time.Time) (price, vol int64, ok bool) {
	snap, found := e.engine.MarketSnapshot(e.cfg.Symbol, ts)
	if !found {
		return 0, 0, false
	}
	bestAsk := snap.BestAsk().Price
	bestBid := snap.BestBid().Price
	if bestAsk == 0 || bestBid == 0 {
		return 0, 0, false
	}
	np := clamp01(a.Price)
	nv := clamp01(a.Volume)

	raw := float64(bestBid) + np*float64(bestAsk-bestBid)
	price = int64(math.Round(raw/float64(e.tick))) * e.tick
	vol = int64(nv * float64(snap.Level5Volume()) / 10)
	return price, vol, true
}

// cancelAgent removes up to vol of the agent's own resting volume at price,
// oldest first.
func (e *Env) cancelAgent(price, vol int64, ts time.Time) exchange.CommissionState {
	inst, ok := e.engine.Instrument(e.cfg.Symbol)
	if !ok {
		return exchange.StateRejected
	}
	book := inst.Book()
	orders := append(book.OrdersAt(exchange.Ask, price), book.OrdersAt(exchange.Bid, price)...)

	cancelled := false
	remaining := vol
	for _, o := range orders {
		if remaining <= 0 {
			break
		}
		if o.Account != e.cfg.Agent {
			continue
		}
		v := remaining
		if o.Volume < v {
			v = o.Volume
		}
		_, err := e.engine.Submit(&exchange.Commission{
			Symbol:       e.cfg.Symbol,
			Account:      e.cfg.Agent,
			Direction:    exchange.Cancel,
			CancelTarget: o.ID,
			Volume:       v,
			Timestamp:    ts,
		})
		if err != nil {
			break
		}
		cancelled = true
		remaining -= v
	}
	if !cancelled {
		return exchange.StateRejected
	}
	return exchange.StateCancelled
}

// advance applies the recorded flow between two consecutive snapshots. The
// agent's presence perturbs the book, so reconstruction is best-effort: an
// unsolvable or conflicting tick re-anchors the market, wiping open orders
// the way a trading halt would.
func (e *Env) advance(prev, next *exchange.Snapshot) {
	actions, err := e.solver.Solve(prev, next)
	if err != nil {
		e.log.Info("background flow unsolvable, re-anchoring", zap.Time("ts", next.Timestamp))
		if err := e.rep.Anchor(next); err != nil {
			e.log.Error("re-anchor failed", zap.Error(err))
		}
		return
	}
	for _, act := range actions {
		if err := e.rep.Apply(act, next.Timestamp); err != nil {
			e.log.Debug("background action dropped",
				zap.String("direction", act.Direction.String()),
				zap.Int64("price", act.Price),
				zap.Error(err))
		}
	}
}

func (e *Env) observe(ts time.Time) (Observation, error) {
	var obs Observation
	snap, ok := e.engine.MarketSnapshot(e.cfg.Symbol, ts)
	if !ok {
		return obs, exchange.ErrUnknownSymbol
	}
	for i, lvl := range snap.Asks {
		obs[2*i] = float64(lvl.Price) / 100
		obs[2*i+1] = float64(lvl.Volume)
	}
	for i, lvl := range snap.Bids {
		obs[10+2*i] = float64(lvl.Price) / 100
		obs[10+2*i+1] = float64(lvl.Volume)
	}
	obs[20] = float64(snap.Last) / 100
	obs[21] = float64(snap.High) / 100
	obs[22] = float64(snap.Low) / 100
	obs[23] = float64(snap.Volume)
	amount, _ := snap.Amount.Float64()
	obs[24] = amount
	return obs, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
