// Package storage persists market history and ledger state in Pebble:
// snapshot series per symbol (the historical-data surface the replayer
// consumes), account state, and trade history.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/tickerfield/marketsim/pkg/exchange"
)

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot appends one snapshot to the symbol's series.
func (s *Store) SaveSnapshot(snap *exchange.Snapshot) error {
	val, err := encodeGob(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := snapshotKey(snap.Symbol, snap.Timestamp)
	if err := s.db.Set(key, val, pebble.NoSync); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshots returns the symbol's snapshots with timestamps in [from, to)
// in time order. A zero `to` means no upper bound.
func (s *Store) LoadSnapshots(symbol string, from, to time.Time) ([]*exchange.Snapshot, error) {
	prefix := snapshotPrefix(symbol)
	lower := prefix
	if !from.IsZero() {
		lower = snapshotKey(symbol, from)
	}
	upper := keyUpperBound(prefix)
	if !to.IsZero() {
		upper = snapshotKey(symbol, to)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	defer iter.Close()

	var snaps []*exchange.Snapshot
	for iter.First(); iter.Valid(); iter.Next() {
		var snap exchange.Snapshot
		if err := decodeGob(iter.Value(), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot at %q: %w", iter.Key(), err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, iter.Error()
}

// SaveAccount persists one account.
func (s *Store) SaveAccount(acc *exchange.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("marshal account %d: %w", acc.ID, err)
	}
	if err := s.db.Set(accountKey(acc.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save account %d: %w", acc.ID, err)
	}
	return nil
}

// LoadAccount returns nil without error when the account does not exist.
func (s *Store) LoadAccount(id int64) (*exchange.Account, error) {
	data, closer, err := s.db.Get(accountKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	defer closer.Close()

	var acc exchange.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("unmarshal account %d: %w", id, err)
	}
	if acc.Positions == nil {
		acc.Positions = make(map[string]*exchange.Position)
	}
	return &acc, nil
}

// LoadAccounts returns every persisted account.
func (s *Store) LoadAccounts() ([]*exchange.Account, error) {
	prefix := accountPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	defer iter.Close()

	var accounts []*exchange.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc exchange.Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue
		}
		if acc.Positions == nil {
			acc.Positions = make(map[string]*exchange.Position)
		}
		accounts = append(accounts, &acc)
	}
	return accounts, iter.Error()
}

// SaveTrade appends one trade to the symbol's history. Trades arrive on the
// hot matching path, so writes are unsynced.
func (s *Store) SaveTrade(t *exchange.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	key := tradeKey(t.Symbol, t.Timestamp, t.ID.String())
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// RecentTrades returns up to limit trades for a symbol, newest first.
func (s *Store) RecentTrades(symbol string, limit int) ([]*exchange.Trade, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	defer iter.Close()

	var trades []*exchange.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t exchange.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, &t)
	}
	return trades, iter.Error()
}
