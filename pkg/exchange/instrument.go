package exchange

import (
	"github.com/shopspring/decimal"
)

// Instrument is one tradable symbol: price statistics, cumulative turnover
// and the price limit band. Zero Last/High/Low mean "no trade yet"; a zero
// band (both limits zero) disables the band check, matching exchanges that
// publish no limits on an instrument's first day.
type Instrument struct {
	Symbol string
	Name   string

	Last int64
	High int64
	Low  int64

	LimitUp   int64
	LimitDown int64

	Volume int64
	Amount decimal.Decimal

	book *OrderBook
}

func NewInstrument(symbol, name string) *Instrument {
	return &Instrument{
		Symbol: symbol,
		Name:   name,
		Amount: decimal.Zero,
		book:   NewOrderBook(),
	}
}

// Book exposes the instrument's order book. Mutated only by the engine.
func (in *Instrument) Book() *OrderBook { return in.book }

// PriceAllowed checks the limit band. Always true when the band is unset.
func (in *Instrument) PriceAllowed(price int64) bool {
	if in.LimitUp == 0 && in.LimitDown == 0 {
		return true
	}
	return price >= in.LimitDown && price <= in.LimitUp
}

// SetLimitBand sets the band to ±bandBps around ref, rounded to tick.
func (in *Instrument) SetLimitBand(ref, bandBps, tick int64) {
	if bandBps <= 0 || ref <= 0 {
		in.LimitUp, in.LimitDown = 0, 0
		return
	}
	up := ref + ref*bandBps/10000
	down := ref - ref*bandBps/10000
	in.LimitUp = up - up%tick
	in.LimitDown = down - down%tick
}

// recordTrade folds one fill into last/high/low and cumulative turnover.
func (in *Instrument) recordTrade(price, vol int64) {
	in.Last = price
	if in.Low == 0 || price < in.Low {
		in.Low = price
	}
	if price > in.High {
		in.High = price
	}
	in.Volume += vol
	in.Amount = in.Amount.Add(Notional(price, vol))
}

// Depth returns the visible ladder at the given depth, zero-padded outward.
// Asks come back outward-to-best (index depth-1 = best ask), bids
// best-to-outward (index 0 = best bid), the snapshot feed layout.
func (in *Instrument) Depth(depth int) (asks, bids []SnapLevel) {
	askLevels := in.book.Levels(Ask, depth) // best first
	bidLevels := in.book.Levels(Bid, depth)

	asks = make([]SnapLevel, depth)
	for i, l := range askLevels {
		// best ask sits at the end
		asks[depth-1-i] = SnapLevel{Price: l.Price, Volume: l.Volume}
	}
	bids = make([]SnapLevel, depth)
	for i, l := range bidLevels {
		bids[i] = SnapLevel{Price: l.Price, Volume: l.Volume}
	}
	return asks, bids
}

// Level5Volume is the total resting volume in the visible 5-level window.
func (in *Instrument) Level5Volume() int64 {
	var v int64
	asks, bids := in.Depth(5)
	for i := 0; i < 5; i++ {
		v += asks[i].Volume + bids[i].Volume
	}
	return v
}

// Reset clears the book and all statistics.
func (in *Instrument) Reset() {
	in.Last, in.High, in.Low = 0, 0, 0
	in.LimitUp, in.LimitDown = 0, 0
	in.Volume = 0
	in.Amount = decimal.Zero
	in.book.Reset()
}
