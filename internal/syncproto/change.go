// Package syncproto defines the wire shapes exchanged between peers: the
// Change tuple and the four-message sync protocol. Unknown message types
// decode to a distinct variant of a closed union rather than being
// silently coerced, and Change is a fixed tuple type rather than an opaque
// map.
//
// Grounded on internal/rpc/protocol.go: a flat constant block of wire
// operation names plus small per-operation argument structs, marshaled
// with encoding/json.
package syncproto

import (
	"encoding/hex"
	"strings"
)

// Change is one row of the append-only CRDT change log, transmitted as a
// 9-field tuple. Field order here matches the tuple order so JSON array
// encoding (if a transport prefers compactness over named fields) can be
// added without changing semantics.
type Change struct {
	Table      string `json:"table"`
	PK         string `json:"pk"`   // hex-encoded primary key, see PKToHex
	CID        string `json:"cid"`  // column id; TombstoneCID denotes a row delete
	Val        string `json:"val,omitempty"`
	ColVersion int64  `json:"col_version"`
	DBVersion  int64  `json:"db_version"`
	SiteID     string `json:"site_id"`
	CL         int64  `json:"cl"`  // causal length; always 1 in the current merge algorithm
	Seq        int64  `json:"seq"` // per-transaction ordering; defaults 0
}

// TombstoneCID is the sentinel column id signaling a row tombstone.
const TombstoneCID = "-1"

// IsTombstone reports whether c represents a row delete rather than a
// column write.
func (c Change) IsTombstone() bool {
	return c.CID == TombstoneCID
}

// Key identifies the (table, pk, cid) slot this change contends for under
// the last-writer-wins merge rule.
type Key struct {
	Table string
	PK    string
	CID   string
}

// Key returns the (table, pk, cid) this change writes to.
func (c Change) Key() Key {
	return Key{Table: c.Table, PK: c.PK, CID: c.CID}
}

// Wins reports whether c should replace current under the lexicographic
// (col_version, site_id) rule. A zero-value current (ColVersion == 0 &&
// SiteID == "") never wins against any real change.
func (c Change) Wins(current Change) bool {
	if c.ColVersion != current.ColVersion {
		return c.ColVersion > current.ColVersion
	}
	return c.SiteID > current.SiteID
}

// PKToHex hex-encodes a UTF-8 primary key for transmission and storage as
// the change log's text pk column. Digits are upper-case, matching SQLite's
// hex() used by the change-log triggers.
func PKToHex(pk string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(pk)))
}

// HexToPK decodes a hex-encoded primary key back to its original UTF-8
// form. PKToHex followed by HexToPK is the identity.
func HexToPK(h string) (string, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
