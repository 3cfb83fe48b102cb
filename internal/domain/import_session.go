package domain

import "time"

// ImportSessionStatus is the terminal or in-flight state of an
// ImportSession.
type ImportSessionStatus string

const (
	ImportSessionRunning   ImportSessionStatus = "running"
	ImportSessionCompleted ImportSessionStatus = "completed"
	ImportSessionPartial   ImportSessionStatus = "partial"
	ImportSessionFailed    ImportSessionStatus = "failed"
	ImportSessionCancelled ImportSessionStatus = "cancelled"
)

// ImportSession records one run of an import operation against one
// account, including its result metadata.
type ImportSession struct {
	ID             string
	AccountID      string
	Provider       string
	Status         ImportSessionStatus
	StartedAt      time.Time
	FinishedAt     *time.Time
	RecordsFetched int
	RecordsStored  int
	Errors         []ImportSessionError
	Metadata       ImportResultMetadata
}

// ImportSessionError records one non-fatal error encountered while a
// session was running (e.g. a single batch that failed validation).
type ImportSessionError struct {
	OccurredAt time.Time
	Message    string
	Retryable  bool
}

// ImportResultMetadata is the result metadata attached to a finished
// ImportSession. Service.ImportAccount fills ProvidersUsed; nothing
// fills Calls, Retries, RateLimitWaits or Failovers, which stay zero.
type ImportResultMetadata struct {
	Calls          int64
	Retries        int64
	RateLimitWaits int64
	Failovers      int64
	ProvidersUsed  []string
}
