package exchange

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction of a commission or inferred action.
type Direction int8

const (
	Ask Direction = iota // sell
	Bid                  // buy
	Cancel
)

func (d Direction) String() string {
	switch d {
	case Ask:
		return "ask"
	case Bid:
		return "bid"
	case Cancel:
		return "cancel"
	}
	return "invalid"
}

// Opposite returns the matching book side for an aggressing direction.
func (d Direction) Opposite() Direction {
	if d == Ask {
		return Bid
	}
	return Ask
}

// Prices are fixed-point cents. PriceDecimal converts to a 2dp decimal for
// money arithmetic and external encoding.
func PriceDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Notional returns price×volume as a decimal amount.
func Notional(priceCents, volume int64) decimal.Decimal {
	return decimal.New(priceCents*volume, -2)
}

// Commission is an inbound request: place a new order or cancel part of a
// resting one.
type Commission struct {
	Symbol    string
	Account   int64
	Direction Direction
	Price     int64 // cents; for cancels the target order's price is used
	Volume    int64
	Timestamp time.Time

	// CancelTarget references the resting order to cancel. Only meaningful
	// when Direction == Cancel.
	CancelTarget uuid.UUID
}

// CommissionState is the terminal state of a processed commission.
type CommissionState int8

const (
	StateRejected CommissionState = iota
	StateResting
	StateFilled
	StateCancelled
)

func (s CommissionState) String() string {
	switch s {
	case StateRejected:
		return "rejected"
	case StateResting:
		return "resting"
	case StateFilled:
		return "filled"
	case StateCancelled:
		return "cancelled"
	}
	return "invalid"
}

// Report describes the outcome of one commission.
type Report struct {
	State CommissionState
	// OrderID is set when a remainder rested in the book.
	OrderID uuid.UUID
	Trades  []*Trade
	// Remaining is the unmatched volume (rested for new orders, left on the
	// target for cancels).
	Remaining int64
}

// Trade is one match event. Immutable once created.
type Trade struct {
	ID        uuid.UUID
	Symbol    string
	Taker     Direction // side of the aggressing commission
	Price     int64     // cents; the resting order's price
	Volume    int64
	Buyer     int64 // account ids
	Seller    int64
	Tax       decimal.Decimal // charged to each side
	Timestamp time.Time
	Tick      int64
}

// RestingOrder is an accepted order waiting in the book.
type RestingOrder struct {
	ID        uuid.UUID
	Account   int64
	Side      Direction // Ask or Bid
	Price     int64
	Volume    int64
	Seq       uint64 // submission order, FIFO key within a price level
	Timestamp time.Time
}

// PriceLevel is the aggregate resting interest at one price on one side.
type PriceLevel struct {
	Price  int64
	Volume int64
}

// Action is one inferred or agent-issued order-flow step: place an ask or
// bid, or cancel resting volume, at a price.
type Action struct {
	Direction Direction
	Price     int64
	Volume    int64
}

// SnapLevel is one visible ladder level in a market snapshot. A zero price
// marks an absent level.
type SnapLevel struct {
	Price  int64
	Volume int64
}

// Snapshot is an immutable 5-level market state record at one tick.
// Asks are ordered outward-to-best (index 4 = best ask); bids best-to-outward
// (index 0 = best bid), mirroring the exchange feed layout.
type Snapshot struct {
	Symbol    string
	Timestamp time.Time

	Asks [5]SnapLevel
	Bids [5]SnapLevel

	Last   int64
	High   int64
	Low    int64
	Volume int64
	Amount decimal.Decimal
}

// BestAsk returns the best (lowest) visible ask level.
func (s *Snapshot) BestAsk() SnapLevel { return s.Asks[4] }

// BestBid returns the best (highest) visible bid level.
func (s *Snapshot) BestBid() SnapLevel { return s.Bids[0] }

// AskVolumes returns price→volume for the visible ask levels.
func (s *Snapshot) AskVolumes() map[int64]int64 {
	m := make(map[int64]int64, 5)
	for _, l := range s.Asks {
		if l.Price > 0 {
			m[l.Price] = l.Volume
		}
	}
	return m
}

// BidVolumes returns price→volume for the visible bid levels.
func (s *Snapshot) BidVolumes() map[int64]int64 {
	m := make(map[int64]int64, 5)
	for _, l := range s.Bids {
		if l.Price > 0 {
			m[l.Price] = l.Volume
		}
	}
	return m
}

// Level5Volume is the total resting volume across both visible ladders.
func (s *Snapshot) Level5Volume() int64 {
	var v int64
	for i := 0; i < 5; i++ {
		v += s.Asks[i].Volume + s.Bids[i].Volume
	}
	return v
}
