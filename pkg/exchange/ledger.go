package exchange

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Position is a per-account, per-symbol holding. Available = Volume - Frozen.
type Position struct {
	Symbol string
	Volume int64
	Frozen int64
	// Cost is the volume-weighted average entry price.
	Cost decimal.Decimal
}

func (p *Position) Available() int64 { return p.Volume - p.Frozen }

// Account holds cash. Available = Cash - FrozenCash.
type Account struct {
	ID         int64
	Cash       decimal.Decimal
	FrozenCash decimal.Decimal
	Positions  map[string]*Position
}

func (a *Account) AvailableCash() decimal.Decimal {
	return a.Cash.Sub(a.FrozenCash)
}

func (a *Account) Position(symbol string) *Position {
	return a.Positions[symbol]
}

// Validate checks the account invariants: frozen never exceeds total and
// nothing available is negative.
func (a *Account) Validate() error {
	if a.FrozenCash.IsNegative() {
		return fmt.Errorf("account %d: negative frozen cash %s", a.ID, a.FrozenCash)
	}
	if a.FrozenCash.GreaterThan(a.Cash) {
		return fmt.Errorf("account %d: frozen cash %s exceeds cash %s", a.ID, a.FrozenCash, a.Cash)
	}
	for sym, p := range a.Positions {
		if p.Frozen < 0 || p.Frozen > p.Volume {
			return fmt.Errorf("account %d %s: frozen %d outside [0,%d]", a.ID, sym, p.Frozen, p.Volume)
		}
	}
	return nil
}

// Ledger is the arena of accounts, keyed by opaque int64 ids. All postings
// for one trade are applied under a single lock: both counterparties see the
// trade or neither does.
type Ledger struct {
	mu       sync.Mutex
	accounts map[int64]*Account
}

func NewLedger() *Ledger {
	return &Ledger{accounts: make(map[int64]*Account)}
}

// Open creates an account with the given opening cash, or returns the
// existing one.
func (l *Ledger) Open(id int64, cashCents int64) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open(id, cashCents)
}

// Reopen discards any existing account state and opens a fresh account with
// the given cash. The caller must ensure no resting orders still hold
// freezes against the old account.
func (l *Ledger) Reopen(id int64, cashCents int64) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, id)
	return l.open(id, cashCents)
}

func (l *Ledger) open(id int64, cashCents int64) *Account {
	if acc, ok := l.accounts[id]; ok {
		return acc
	}
	acc := &Account{
		ID:        id,
		Cash:      decimal.New(cashCents, -2),
		Positions: make(map[string]*Position),
	}
	l.accounts[id] = acc
	return acc
}

// Deposit adds cash to an existing account.
func (l *Ledger) Deposit(id int64, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	if amount.IsNegative() {
		return fmt.Errorf("deposit %s: amount negative", amount)
	}
	acc.Cash = acc.Cash.Add(amount)
	return nil
}

// Get returns the account with the given id.
func (l *Ledger) Get(id int64) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	return acc, ok
}

// GrantShares seeds inventory out of thin air. Used to endow the replay sink
// and virtual clients; real flows only move shares between accounts.
func (l *Ledger) GrantShares(id int64, symbol string, vol int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	pos := acc.Positions[symbol]
	if pos == nil {
		pos = &Position{Symbol: symbol, Cost: decimal.Zero}
		acc.Positions[symbol] = pos
	}
	pos.Volume += vol
	return nil
}

// AvailableCash returns cash not earmarked against open commissions.
func (l *Ledger) AvailableCash(id int64) (decimal.Decimal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return decimal.Zero, false
	}
	return acc.AvailableCash(), true
}

// AvailableShares returns holdings not earmarked against open sell
// commissions.
func (l *Ledger) AvailableShares(id int64, symbol string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return 0
	}
	pos := acc.Positions[symbol]
	if pos == nil {
		return 0
	}
	return pos.Available()
}

// FreezeCash earmarks cash against an open buy commission.
func (l *Ledger) FreezeCash(id int64, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	if acc.AvailableCash().LessThan(amount) {
		return ErrInsufficientCash
	}
	acc.FrozenCash = acc.FrozenCash.Add(amount)
	return nil
}

// ReleaseCash returns earmarked cash when a buy commission (partially)
// cancels.
func (l *Ledger) ReleaseCash(id int64, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	if acc.FrozenCash.LessThan(amount) {
		return ErrFrozenMismatch
	}
	acc.FrozenCash = acc.FrozenCash.Sub(amount)
	return nil
}

// FreezeShares earmarks holdings against an open sell commission.
func (l *Ledger) FreezeShares(id int64, symbol string, vol int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	pos := acc.Positions[symbol]
	if pos == nil || pos.Available() < vol {
		return ErrInsufficientShares
	}
	pos.Frozen += vol
	return nil
}

// ReleaseShares returns earmarked holdings when a sell commission
// (partially) cancels.
func (l *Ledger) ReleaseShares(id int64, symbol string, vol int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return ErrUnknownAccount
	}
	pos := acc.Positions[symbol]
	if pos == nil || pos.Frozen < vol {
		return ErrFrozenMismatch
	}
	pos.Frozen -= vol
	return nil
}

// SettleTrade applies both ledger postings of one trade as a single atomic
// unit. The maker (resting) side is the opposite of the taker direction; its
// freeze — cash for a resting buy, shares for a resting sell — is released
// by exactly the frozen amount, and the actual cost is debited from cash.
// All preconditions are checked before any mutation so a failed settlement
// leaves the ledger untouched.
func (l *Ledger) SettleTrade(t *Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seller, ok := l.accounts[t.Seller]
	if !ok {
		return fmt.Errorf("settle %s: seller: %w", t.ID, ErrUnknownAccount)
	}
	buyer, ok := l.accounts[t.Buyer]
	if !ok {
		return fmt.Errorf("settle %s: buyer: %w", t.ID, ErrUnknownAccount)
	}

	maker := t.Taker.Opposite()
	notional := Notional(t.Price, t.Volume)

	// Preconditions.
	sellerPos := seller.Positions[t.Symbol]
	if sellerPos == nil || sellerPos.Volume < t.Volume {
		return fmt.Errorf("settle %s: %w", t.ID, ErrInsufficientShares)
	}
	if maker == Ask && sellerPos.Frozen < t.Volume {
		return fmt.Errorf("settle %s: seller: %w", t.ID, ErrFrozenMismatch)
	}
	if maker == Bid && buyer.FrozenCash.LessThan(notional) {
		return fmt.Errorf("settle %s: buyer: %w", t.ID, ErrFrozenMismatch)
	}
	// The buyer's free cash, plus whatever the fill releases from freeze,
	// must cover notional+tax, or the posting would drive cash below frozen.
	released := decimal.Zero
	if maker == Bid {
		released = notional
	}
	if buyer.AvailableCash().Add(released).LessThan(notional.Add(t.Tax)) {
		return fmt.Errorf("settle %s: buyer: %w", t.ID, ErrInsufficientCash)
	}

	// Seller posting.
	if maker == Ask {
		sellerPos.Frozen -= t.Volume
	}
	sellerPos.Volume -= t.Volume
	if sellerPos.Volume == 0 {
		delete(seller.Positions, t.Symbol)
	}
	seller.Cash = seller.Cash.Add(notional).Sub(t.Tax)

	// Buyer posting. A resting buy fills at its own commit price, so the
	// freeze release is exactly price×volume.
	buyerPos := buyer.Positions[t.Symbol]
	if buyerPos == nil {
		buyerPos = &Position{Symbol: t.Symbol, Cost: PriceDecimal(t.Price)}
		buyer.Positions[t.Symbol] = buyerPos
	} else {
		held := buyerPos.Cost.Mul(decimal.NewFromInt(buyerPos.Volume))
		buyerPos.Cost = held.Add(notional).Div(decimal.NewFromInt(buyerPos.Volume + t.Volume))
	}
	buyerPos.Volume += t.Volume
	buyer.Cash = buyer.Cash.Sub(notional).Sub(t.Tax)
	if maker == Bid {
		buyer.FrozenCash = buyer.FrozenCash.Sub(notional)
	}

	return nil
}

// Accounts returns a snapshot slice of all accounts.
func (l *Ledger) Accounts() []*Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		out = append(out, acc)
	}
	return out
}

// TotalShares sums holdings of one symbol across all accounts. Trades move
// shares between accounts, so this is invariant under any settlement
// sequence.
func (l *Ledger) TotalShares(symbol string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, acc := range l.accounts {
		if pos := acc.Positions[symbol]; pos != nil {
			total += pos.Volume
		}
	}
	return total
}

// TotalCash sums cash across all accounts.
func (l *Ledger) TotalCash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, acc := range l.accounts {
		total = total.Add(acc.Cash)
	}
	return total
}
