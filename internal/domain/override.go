package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// TransactionRef identifies one side of an OverrideEvent's fingerprint.
type TransactionRef struct {
	Source     string
	ExternalID string
}

// OverrideEvent is an append-only record of a manual correction
// applied across two transactions (e.g. "these two are not linked" or
// "use this price instead"). The store never mutates or deletes a
// record; the latest event for a given Fingerprint wins at read time.
type OverrideEvent struct {
	ID          int64
	Fingerprint string
	AssetSymbol string
	Field       string
	Value       string
	CreatedAt   time.Time
	CreatedBy   string
}

// Fingerprint computes the symmetric, order-independent identifier for
// a pair of transactions: the two refs are sorted lexicographically by
// (Source, ExternalID) before hashing, so swapping the argument order
// yields the same fingerprint.
func Fingerprint(a, b TransactionRef, assetSymbol string) string {
	refs := []TransactionRef{a, b}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Source != refs[j].Source {
			return refs[i].Source < refs[j].Source
		}
		return refs[i].ExternalID < refs[j].ExternalID
	})

	h := sha256.New()
	h.Write([]byte(refs[0].Source))
	h.Write([]byte{0})
	h.Write([]byte(refs[0].ExternalID))
	h.Write([]byte{0})
	h.Write([]byte(refs[1].Source))
	h.Write([]byte{0})
	h.Write([]byte(refs[1].ExternalID))
	h.Write([]byte{0})
	h.Write([]byte(assetSymbol))
	return hex.EncodeToString(h.Sum(nil))
}
