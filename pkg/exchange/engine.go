package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tickerfield/marketsim/pkg/util"
)

// EngineConfig carries the market-wide trading parameters.
type EngineConfig struct {
	TaxRateBps   int64
	TickCents    int64
	LimitBandBps int64
}

// TradeHandler observes every trade the engine settles.
type TradeHandler func(*Trade)

// commissionRecord tracks one accepted commission with a resting remainder:
// how much was committed, how much has traded, and at what average price.
// Retired when traded volume accounts for the full committed volume.
type commissionRecord struct {
	owner        int64
	side         Direction
	price        int64
	volCommitted int64
	volTraded    int64
	avgTraded    decimal.Decimal
}

// instrumentState is one instrument plus everything the engine serializes
// around it. A commission's validate-match-settle sequence runs entirely
// under mu: no other commission against the same instrument can interleave.
// Distinct instruments are independent.
type instrumentState struct {
	mu          sync.Mutex
	inst        *Instrument
	commissions map[uuid.UUID]*commissionRecord
}

// Engine validates inbound commissions, matches them against the order book
// with price-time priority, and settles fills through the ledger.
type Engine struct {
	cfg    EngineConfig
	ledger *Ledger
	clock  util.Clock
	log    *zap.Logger

	mu          sync.RWMutex
	instruments map[string]*instrumentState

	tick    int64
	onTrade TradeHandler
}

func NewEngine(cfg EngineConfig, ledger *Ledger, log *zap.Logger) *Engine {
	if cfg.TickCents <= 0 {
		cfg.TickCents = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		ledger:      ledger,
		clock:       util.RealClock{},
		log:         log,
		instruments: make(map[string]*instrumentState),
	}
}

// SetClock replaces the engine clock (used when commissions carry no
// timestamp of their own).
func (e *Engine) SetClock(c util.Clock) { e.clock = c }

// SetOnTrade installs a trade observer. Called synchronously in the matching
// path; observers must not block.
func (e *Engine) SetOnTrade(fn TradeHandler) { e.onTrade = fn }

// SetTick sets the current market tick stamped onto trades.
func (e *Engine) SetTick(n int64) { e.tick = n }

// Ledger exposes the engine's ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// AddInstrument registers a tradable symbol.
func (e *Engine) AddInstrument(symbol, name string) *Instrument {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.instruments[symbol]; ok {
		return st.inst
	}
	st := &instrumentState{
		inst:        NewInstrument(symbol, name),
		commissions: make(map[uuid.UUID]*commissionRecord),
	}
	e.instruments[symbol] = st
	return st.inst
}

// Symbols lists the registered symbols.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.instruments))
	for sym := range e.instruments {
		out = append(out, sym)
	}
	return out
}

// Instrument returns a registered instrument.
func (e *Engine) Instrument(symbol string) (*Instrument, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.instruments[symbol]
	if !ok {
		return nil, false
	}
	return st.inst, true
}

// LimitBand returns the instrument's current price limit band. The band
// moves on every re-anchor, so reads go through the instrument lock.
func (e *Engine) LimitBand(symbol string) (up, down int64, ok bool) {
	st, ok := e.state(symbol)
	if !ok {
		return 0, 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inst.LimitUp, st.inst.LimitDown, true
}

func (e *Engine) state(symbol string) (*instrumentState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.instruments[symbol]
	return st, ok
}

// taxOn returns the tax charged on a notional, rounded to cents.
func (e *Engine) taxOn(notional decimal.Decimal) decimal.Decimal {
	if e.cfg.TaxRateBps == 0 {
		return decimal.Zero
	}
	return notional.Mul(decimal.New(e.cfg.TaxRateBps, -4)).Round(2)
}

// taxFactor is 1+rate, the worst-case cost multiplier used at validation.
func (e *Engine) taxFactor() decimal.Decimal {
	return decimal.New(1, 0).Add(decimal.New(e.cfg.TaxRateBps, -4))
}

// Submit processes one commission through the
// Received→Validated→Matching→{Resting|Filled|Rejected|Cancelled} state
// machine. Rejected commissions leave book and ledger untouched and are
// reported through the returned error; the Report always describes the
// terminal state.
func (e *Engine) Submit(c *Commission) (*Report, error) {
	st, ok := e.state(c.Symbol)
	if !ok {
		return &Report{State: StateRejected}, fmt.Errorf("submit %s: %w", c.Symbol, ErrUnknownSymbol)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if c.Timestamp.IsZero() {
		c.Timestamp = e.clock.Now()
	}

	if c.Direction == Cancel {
		rep, err := e.cancelLocked(st, c)
		if err != nil {
			e.log.Warn("cancel rejected",
				zap.String("symbol", c.Symbol),
				zap.Int64("account", c.Account),
				zap.Error(err))
		}
		return rep, err
	}

	if err := e.validateLocked(st, c); err != nil {
		e.log.Warn("commission rejected",
			zap.String("symbol", c.Symbol),
			zap.Int64("account", c.Account),
			zap.String("direction", c.Direction.String()),
			zap.Int64("price", c.Price),
			zap.Int64("volume", c.Volume),
			zap.Error(err))
		return &Report{State: StateRejected}, err
	}

	return e.matchLocked(st, c)
}

// validateLocked applies the acceptance rules. It mutates nothing.
func (e *Engine) validateLocked(st *instrumentState, c *Commission) error {
	if c.Direction != Ask && c.Direction != Bid {
		return fmt.Errorf("direction %d: invalid", c.Direction)
	}
	if c.Volume <= 0 {
		return ErrInvalidVolume
	}
	if c.Price <= 0 || c.Price%e.cfg.TickCents != 0 {
		return ErrInvalidPrice
	}
	if !st.inst.PriceAllowed(c.Price) {
		return ErrPriceOutsideBand
	}
	if _, ok := e.ledger.Get(c.Account); !ok {
		return ErrUnknownAccount
	}

	switch c.Direction {
	case Ask:
		if e.ledger.AvailableShares(c.Account, c.Symbol) < c.Volume {
			return ErrInsufficientShares
		}
	case Bid:
		// Worst case the whole volume fills at the commit price, plus tax.
		need := Notional(c.Price, c.Volume).Mul(e.taxFactor())
		avail, _ := e.ledger.AvailableCash(c.Account)
		if avail.LessThan(need) {
			return ErrInsufficientCash
		}
	}
	return nil
}

// matchLocked runs the price-time matching loop and rests any remainder.
func (e *Engine) matchLocked(st *instrumentState, c *Commission) (*Report, error) {
	book := st.inst.Book()
	opposite := c.Direction.Opposite()
	remaining := c.Volume
	rep := &Report{}

	for remaining > 0 {
		maker := book.BestOrder(opposite)
		if maker == nil {
			break
		}
		// Price check: a buy crosses asks at or below its price, a sell
		// crosses bids at or above.
		if c.Direction == Bid && maker.Price > c.Price {
			break
		}
		if c.Direction == Ask && maker.Price < c.Price {
			break
		}

		vol := remaining
		if maker.Volume < vol {
			vol = maker.Volume
		}

		// The trade settles at the resting order's price: price improvement
		// favors the side that was there first.
		t := &Trade{
			ID:        uuid.New(),
			Symbol:    c.Symbol,
			Taker:     c.Direction,
			Price:     maker.Price,
			Volume:    vol,
			Tax:       e.taxOn(Notional(maker.Price, vol)),
			Timestamp: c.Timestamp,
			Tick:      e.tick,
		}
		if c.Direction == Bid {
			t.Buyer, t.Seller = c.Account, maker.Account
		} else {
			t.Buyer, t.Seller = maker.Account, c.Account
		}

		if err := e.ledger.SettleTrade(t); err != nil {
			// Settlement cannot fail after validation and freeze
			// bookkeeping; if it does the ledger was corrupted externally.
			e.log.Error("settlement failed", zap.String("trade", t.ID.String()), zap.Error(err))
			return rep, err
		}

		st.inst.recordTrade(t.Price, t.Volume)
		e.fillMakerLocked(st, maker, t)
		book.Reduce(maker.ID, vol)
		remaining -= vol
		rep.Trades = append(rep.Trades, t)

		if e.onTrade != nil {
			e.onTrade(t)
		}
	}

	if remaining == 0 {
		rep.State = StateFilled
		return rep, nil
	}

	// Rest the remainder: freeze cash (buy) or shares (sell), then insert.
	if c.Direction == Bid {
		if err := e.ledger.FreezeCash(c.Account, Notional(c.Price, remaining)); err != nil {
			e.log.Error("freeze after match failed", zap.Error(err))
			return rep, err
		}
	} else {
		if err := e.ledger.FreezeShares(c.Account, c.Symbol, remaining); err != nil {
			e.log.Error("freeze after match failed", zap.Error(err))
			return rep, err
		}
	}

	order := &RestingOrder{
		ID:        uuid.New(),
		Account:   c.Account,
		Side:      c.Direction,
		Price:     c.Price,
		Volume:    remaining,
		Timestamp: c.Timestamp,
	}
	st.inst.Book().Insert(order)
	st.commissions[order.ID] = &commissionRecord{
		owner:        c.Account,
		side:         c.Direction,
		price:        c.Price,
		volCommitted: c.Volume,
		volTraded:    c.Volume - remaining,
		avgTraded:    avgFillPrice(rep.Trades),
	}

	rep.State = StateResting
	rep.OrderID = order.ID
	rep.Remaining = remaining
	return rep, nil
}

func avgFillPrice(trades []*Trade) decimal.Decimal {
	var vol int64
	amount := decimal.Zero
	for _, t := range trades {
		vol += t.Volume
		amount = amount.Add(Notional(t.Price, t.Volume))
	}
	if vol == 0 {
		return decimal.Zero
	}
	return amount.Div(decimal.NewFromInt(vol))
}

// fillMakerLocked folds a fill into the maker's commission record and
// retires it when fully accounted for.
func (e *Engine) fillMakerLocked(st *instrumentState, maker *RestingOrder, t *Trade) {
	rec, ok := st.commissions[maker.ID]
	if !ok {
		return
	}
	traded := decimal.NewFromInt(rec.volTraded)
	fill := decimal.NewFromInt(t.Volume)
	rec.avgTraded = rec.avgTraded.Mul(traded).Add(PriceDecimal(t.Price).Mul(fill)).
		Div(traded.Add(fill))
	rec.volTraded += t.Volume
	if rec.volTraded == rec.volCommitted {
		delete(st.commissions, maker.ID)
	}
}

// cancelLocked applies a cancel commission. Any mismatch — unknown target,
// foreign owner, oversized volume — is a recoverable error: logged by the
// caller, no state changed.
func (e *Engine) cancelLocked(st *instrumentState, c *Commission) (*Report, error) {
	rep := &Report{State: StateRejected}
	book := st.inst.Book()

	target, ok := book.Get(c.CancelTarget)
	if !ok {
		return rep, &CancelError{Target: c.CancelTarget, Reason: "no such resting order"}
	}
	if target.Account != c.Account {
		return rep, &CancelError{Target: c.CancelTarget, Reason: "owned by another account"}
	}
	if c.Volume <= 0 || c.Volume > target.Volume {
		return rep, &CancelError{
			Target: c.CancelTarget,
			Reason: fmt.Sprintf("cancel volume %d outside (0,%d]", c.Volume, target.Volume),
		}
	}

	// Release the proportional freeze, then shrink the order.
	if target.Side == Bid {
		if err := e.ledger.ReleaseCash(c.Account, Notional(target.Price, c.Volume)); err != nil {
			return rep, &CancelError{Target: c.CancelTarget, Reason: err.Error()}
		}
	} else {
		if err := e.ledger.ReleaseShares(c.Account, c.Symbol, c.Volume); err != nil {
			return rep, &CancelError{Target: c.CancelTarget, Reason: err.Error()}
		}
	}
	book.Reduce(target.ID, c.Volume)

	if rec, ok := st.commissions[c.CancelTarget]; ok {
		rec.volCommitted -= c.Volume
		if rec.volTraded == rec.volCommitted {
			delete(st.commissions, c.CancelTarget)
		}
	}

	rep.State = StateCancelled
	rep.Remaining = target.Volume
	return rep, nil
}

// MarketSnapshot captures the instrument's current visible state as a
// 5-level snapshot record.
func (e *Engine) MarketSnapshot(symbol string, ts time.Time) (*Snapshot, bool) {
	st, ok := e.state(symbol)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	asks, bids := st.inst.Depth(5)
	snap := &Snapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Last:      st.inst.Last,
		High:      st.inst.High,
		Low:       st.inst.Low,
		Volume:    st.inst.Volume,
		Amount:    st.inst.Amount,
	}
	copy(snap.Asks[:], asks)
	copy(snap.Bids[:], bids)
	return snap, true
}

// Anchor resets an instrument to a snapshot's statistics with an empty book,
// releasing every freeze held against the old resting orders. The caller
// seeds the ladder afterwards by submitting commissions.
func (e *Engine) Anchor(symbol string, snap *Snapshot) error {
	st, ok := e.state(symbol)
	if !ok {
		return ErrUnknownSymbol
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	book := st.inst.Book()
	for id, rec := range st.commissions {
		order, ok := book.Get(id)
		if !ok {
			continue
		}
		var err error
		if rec.side == Bid {
			err = e.ledger.ReleaseCash(rec.owner, Notional(order.Price, order.Volume))
		} else {
			err = e.ledger.ReleaseShares(rec.owner, symbol, order.Volume)
		}
		if err != nil {
			e.log.Error("anchor freeze release failed", zap.String("order", id.String()), zap.Error(err))
		}
	}
	st.commissions = make(map[uuid.UUID]*commissionRecord)

	st.inst.Reset()
	st.inst.Last = snap.Last
	st.inst.High = snap.High
	st.inst.Low = snap.Low
	st.inst.Volume = snap.Volume
	st.inst.Amount = snap.Amount
	if e.cfg.LimitBandBps > 0 && snap.Last > 0 {
		st.inst.SetLimitBand(snap.Last, e.cfg.LimitBandBps, e.cfg.TickCents)
	}
	return nil
}
