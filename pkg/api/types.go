package api

// API response types for REST endpoints and WebSocket messages.

// InstrumentInfo is an instrument's market statistics. Prices are decimal
// strings in currency units.
type InstrumentInfo struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Last      string `json:"last"`
	High      string `json:"high"`
	Low       string `json:"low"`
	LimitUp   string `json:"limitUp,omitempty"`
	LimitDown string `json:"limitDown,omitempty"`
	Volume    int64  `json:"volume"`
	Amount    string `json:"amount"`
}

// PriceLevel is one aggregated ladder level.
type PriceLevel struct {
	Price  string `json:"price"`
	Volume int64  `json:"volume"`
}

// DepthSnapshot is the visible book. Asks are ordered outward-to-best,
// bids best-to-outward, mirroring the snapshot record layout.
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Asks      []PriceLevel `json:"asks"`
	Bids      []PriceLevel `json:"bids"`
	Last      string       `json:"last"`
	Timestamp int64        `json:"timestamp"` // unix milliseconds
}

// TradeInfo is one settled trade.
type TradeInfo struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	Taker     string `json:"taker"` // aggressing side: "ask" or "bid"
	Timestamp int64  `json:"timestamp"`
}

// PositionInfo is one holding inside an account.
type PositionInfo struct {
	Symbol    string `json:"symbol"`
	Volume    int64  `json:"volume"`
	Frozen    int64  `json:"frozen"`
	Available int64  `json:"available"`
	Cost      string `json:"cost"`
}

// AccountInfo is an account's cash and holdings.
type AccountInfo struct {
	ID            int64          `json:"id"`
	Cash          string         `json:"cash"`
	FrozenCash    string         `json:"frozenCash"`
	AvailableCash string         `json:"availableCash"`
	Positions     []PositionInfo `json:"positions"`
}

// CommissionRequest is the payload for POST /api/v1/commissions.
type CommissionRequest struct {
	Symbol    string `json:"symbol"`
	Account   int64  `json:"account"`
	Direction string `json:"direction"` // "ask" or "bid"
	Price     string `json:"price"`     // decimal, currency units
	Volume    int64  `json:"volume"`
}

// CancelRequest is the payload for POST /api/v1/commissions/cancel.
type CancelRequest struct {
	Symbol  string `json:"symbol"`
	Account int64  `json:"account"`
	Target  string `json:"target"` // resting order id
	Volume  int64  `json:"volume"`
}

// CommissionResponse reports a commission's terminal state.
type CommissionResponse struct {
	State     string      `json:"state"` // "filled", "resting", "cancelled", "rejected"
	OrderID   string      `json:"orderId,omitempty"`
	Remaining int64       `json:"remaining,omitempty"`
	Trades    []TradeInfo `json:"trades,omitempty"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions,
// e.g. {"op":"subscribe","channels":["depth:000009.XSHE"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// DepthUpdate is broadcast on the "depth:<symbol>" channel after the book
// changes.
type DepthUpdate struct {
	Type      string       `json:"type"` // "depth"
	Symbol    string       `json:"symbol"`
	Asks      []PriceLevel `json:"asks"`
	Bids      []PriceLevel `json:"bids"`
	Last      string       `json:"last"`
	Timestamp int64        `json:"timestamp"`
}

// TradeUpdate is broadcast on the "trades:<symbol>" channel when a trade
// settles.
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Volume    int64  `json:"volume"`
	Taker     string `json:"taker"`
	Timestamp int64  `json:"timestamp"`
}
