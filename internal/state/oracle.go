package state

import (
	fpmath "PerpClearing/internal/math"
)

// OracleSnapshot is an already-validated reference price observation.
// The oracle collaborator owns staleness and confidence rejection; a
// snapshot reaching the core is read-only input for one operation.
type OracleSnapshot struct {
	MarketID   string
	Price      fpmath.Price
	Twap       fpmath.Price
	Confidence int64
	Slot       int64
	Valid      bool
}

// OracleBook holds the latest snapshot per market.
type OracleBook struct {
	snapshots map[string]*OracleSnapshot
}

func NewOracleBook() *OracleBook {
	return &OracleBook{
		snapshots: make(map[string]*OracleSnapshot),
	}
}

// Update installs a snapshot. Out-of-order slots are silently dropped
// so replays stay idempotent; slot gaps are tolerable for prices.
func (ob *OracleBook) Update(snap *OracleSnapshot) {
	current := ob.snapshots[snap.MarketID]
	if current != nil && snap.Slot <= current.Slot {
		return
	}
	ob.snapshots[snap.MarketID] = snap
}

// Latest returns the newest snapshot for a market, or nil.
func (ob *OracleBook) Latest(marketID string) *OracleSnapshot {
	return ob.snapshots[marketID]
}

// GetAllSnapshots returns every latest snapshot (for snapshots).
func (ob *OracleBook) GetAllSnapshots() map[string]*OracleSnapshot {
	result := make(map[string]*OracleSnapshot, len(ob.snapshots))
	for k, v := range ob.snapshots {
		result[k] = v
	}
	return result
}

// CanonicalBytes returns a deterministic serialization for hashing.
func (os *OracleSnapshot) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(len(os.MarketID)))
	buf = append(buf, []byte(os.MarketID)...)
	buf = appendInt64LE(buf, int64(os.Price))
	buf = appendInt64LE(buf, int64(os.Twap))
	buf = appendInt64LE(buf, os.Confidence)
	buf = appendInt64LE(buf, os.Slot)
	if os.Valid {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}
