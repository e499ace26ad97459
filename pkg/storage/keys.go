package storage

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Key schema:
//
//	s:<symbol>:<unix-nanos>     → Snapshot (gob)
//	a:<8-byte-id>               → Account (json)
//	t:<symbol>:<unix-nanos>:<id> → Trade (json)
//
// Timestamps are big-endian fixed-width so prefix scans iterate in time
// order.
const (
	prefixSnapshot = "s:"
	prefixAccount  = "a:"
	prefixTrade    = "t:"
)

func tsBytes(ts time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(ts.UnixNano()))
	return k[:]
}

// snapshotKey: "s:{symbol}:{ts}"
func snapshotKey(symbol string, ts time.Time) []byte {
	key := []byte(fmt.Sprintf("%s%s:", prefixSnapshot, symbol))
	return append(key, tsBytes(ts)...)
}

// snapshotPrefix: "s:{symbol}:"
func snapshotPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSnapshot, symbol))
}

// accountKey: "a:{id}"
func accountKey(id int64) []byte {
	key := []byte(prefixAccount)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return append(key, b[:]...)
}

func accountPrefix() []byte { return []byte(prefixAccount) }

// tradeKey: "t:{symbol}:{ts}:{id}"
func tradeKey(symbol string, ts time.Time, id string) []byte {
	key := []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
	key = append(key, tsBytes(ts)...)
	return append(key, []byte(":"+id)...)
}

// tradePrefix: "t:{symbol}:"
func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
