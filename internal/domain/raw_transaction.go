package domain

import "time"

// RawTransaction is the unmodified record a provider returned, stored
// before any classification or enrichment happens. Uniqueness is
// enforced on (AccountID, EventID); a provider must therefore emit a
// stable, source-scoped EventID for every record it streams.
type RawTransaction struct {
	ID         int64
	AccountID  string
	EventID    string
	Provider   string
	Payload    map[string]any
	ObservedAt time.Time
	ImportedAt time.Time
	SessionID  string
}
