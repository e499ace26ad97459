package exchange

import (
	"container/heap"
	"sort"

	"github.com/google/uuid"
)

// bookLevel is the resting interest at one price: an aggregate volume plus
// the FIFO queue of constituent orders. The aggregate always equals the sum
// of queue volumes; a level is removed the moment it reaches zero.
type bookLevel struct {
	price  int64
	volume int64
	queue  []*RestingOrder
}

// OrderBook is a per-instrument, per-side ladder of resting orders with
// heap-tracked best prices and an id index for O(1) cancellation lookups.
// It carries no lock of its own: the matching engine serializes all access
// per instrument.
type OrderBook struct {
	bidHeap *maxPriceHeap
	askHeap *minPriceHeap

	bids map[int64]*bookLevel
	asks map[int64]*bookLevel

	index map[uuid.UUID]*RestingOrder // order id -> resting order

	seq uint64 // submission counter, FIFO key
}

func NewOrderBook() *OrderBook {
	bidHeap := &maxPriceHeap{}
	askHeap := &minPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &OrderBook{
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[int64]*bookLevel),
		asks:    make(map[int64]*bookLevel),
		index:   make(map[uuid.UUID]*RestingOrder),
	}
}

func (ob *OrderBook) sideLevels(side Direction) map[int64]*bookLevel {
	if side == Bid {
		return ob.bids
	}
	return ob.asks
}

// IsEmpty reports whether a side has no resting orders.
func (ob *OrderBook) IsEmpty(side Direction) bool {
	return len(ob.sideLevels(side)) == 0
}

// BestPrice returns the best price on a side: highest for bids, lowest for
// asks. ok is false when the side is empty.
func (ob *OrderBook) BestPrice(side Direction) (int64, bool) {
	if side == Bid {
		if ob.bidHeap.Len() == 0 {
			return 0, false
		}
		return ob.bidHeap.Peek(), true
	}
	if ob.askHeap.Len() == 0 {
		return 0, false
	}
	return ob.askHeap.Peek(), true
}

// BestOrder returns the earliest resting order at the best price on a side,
// or nil when the side is empty. Never an error: callers check emptiness.
func (ob *OrderBook) BestOrder(side Direction) *RestingOrder {
	p, ok := ob.BestPrice(side)
	if !ok {
		return nil
	}
	level := ob.sideLevels(side)[p]
	if level == nil || len(level.queue) == 0 {
		return nil
	}
	return level.queue[0]
}

// Get returns the resting order with the given id.
func (ob *OrderBook) Get(id uuid.UUID) (*RestingOrder, bool) {
	o, ok := ob.index[id]
	return o, ok
}

// Insert adds an order to its side, creating the price level if needed and
// stamping the FIFO sequence.
func (ob *OrderBook) Insert(o *RestingOrder) {
	ob.seq++
	o.Seq = ob.seq

	levels := ob.sideLevels(o.Side)
	level, ok := levels[o.Price]
	if !ok {
		level = &bookLevel{price: o.Price}
		levels[o.Price] = level
		if o.Side == Bid {
			heap.Push(ob.bidHeap, o.Price)
		} else {
			heap.Push(ob.askHeap, o.Price)
		}
	}
	level.volume += o.Volume
	level.queue = append(level.queue, o)
	ob.index[o.ID] = o
}

// Reduce removes vol shares from a resting order, dropping the order when it
// reaches zero and the level when its aggregate reaches zero. vol must not
// exceed the order's remaining volume.
func (ob *OrderBook) Reduce(id uuid.UUID, vol int64) {
	o, ok := ob.index[id]
	if !ok || vol <= 0 || vol > o.Volume {
		return
	}
	levels := ob.sideLevels(o.Side)
	level := levels[o.Price]

	o.Volume -= vol
	level.volume -= vol

	if o.Volume == 0 {
		for i, q := range level.queue {
			if q.ID == id {
				level.queue = append(level.queue[:i], level.queue[i+1:]...)
				break
			}
		}
		delete(ob.index, id)
	}
	if level.volume == 0 {
		delete(levels, o.Price)
		ob.removeFromHeap(o.Side, o.Price)
	}
}

func (ob *OrderBook) removeFromHeap(side Direction, price int64) {
	if side == Bid {
		for i := 0; i < ob.bidHeap.Len(); i++ {
			if (*ob.bidHeap)[i] == price {
				heap.Remove(ob.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i] == price {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}

// OrdersAt returns the FIFO queue at a price on a side (earliest first).
// The returned slice is a copy; the orders are live.
func (ob *OrderBook) OrdersAt(side Direction, price int64) []*RestingOrder {
	level, ok := ob.sideLevels(side)[price]
	if !ok {
		return nil
	}
	out := make([]*RestingOrder, len(level.queue))
	copy(out, level.queue)
	return out
}

// Levels returns up to depth aggregate levels on a side, best price first.
// depth < 0 returns the whole ladder.
func (ob *OrderBook) Levels(side Direction, depth int) []PriceLevel {
	levels := ob.sideLevels(side)
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, PriceLevel{Price: l.price, Volume: l.volume})
	}
	if side == Bid {
		sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	if depth >= 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// VolumeAt returns the aggregate resting volume at a price on a side.
func (ob *OrderBook) VolumeAt(side Direction, price int64) int64 {
	if level, ok := ob.sideLevels(side)[price]; ok {
		return level.volume
	}
	return 0
}

// Reset drops all resting orders on both sides.
func (ob *OrderBook) Reset() {
	ob.bids = make(map[int64]*bookLevel)
	ob.asks = make(map[int64]*bookLevel)
	ob.index = make(map[uuid.UUID]*RestingOrder)
	*ob.bidHeap = (*ob.bidHeap)[:0]
	*ob.askHeap = (*ob.askHeap)[:0]
}
