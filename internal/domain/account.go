// Package domain holds the canonical data model shared by every
// ingestion, processing, and enrichment component.
package domain

import "time"

// ChainCategory groups blockchains by the address/key scheme they
// share, mirroring the classification a provider advertises through
// its Capabilities.
type ChainCategory string

const (
	ChainCategoryUTXO        ChainCategory = "UTXO"
	ChainCategoryEVMMainnet  ChainCategory = "EVM_Mainnet"
	ChainCategoryLayer2      ChainCategory = "Layer2"
	ChainCategoryExchange    ChainCategory = "Exchange"
)

// SourceKind distinguishes the two families of account this core can
// ingest from.
type SourceKind string

const (
	SourceKindBlockchain SourceKind = "blockchain"
	SourceKindExchange   SourceKind = "exchange"
)

// Account is a single address, xpub, or exchange identity the core
// imports activity for.
type Account struct {
	ID         string
	Source     string // e.g. "ethereum", "bitcoin", "kraken"
	SourceKind SourceKind
	Category   ChainCategory
	Identifier string // address, xpub, or exchange account label
	ParentID   string // set on child accounts derived from an xpub
	CreatedAt  time.Time
}

// CursorType names the kind of value a cursor's Value map carries, so a
// failover to a different provider for the same account can tell
// whether its own cursor scheme is compatible with the one on record.
type CursorType string

const (
	CursorTypeTimestamp   CursorType = "timestamp"
	CursorTypeBlockNumber CursorType = "blockNumber"
	CursorTypePageToken   CursorType = "pageToken"
	CursorTypeOffset      CursorType = "offset"
)

// CursorState is the durable high-water mark a provider reports for an
// account's ingestion progress. Value is opaque to the persistence
// layer and interpreted only by the source client that produced it;
// Type records which scheme it uses so a different provider taking
// over the same account can tell whether it can resume from it
// directly or must fall back to an alternative.
type CursorState struct {
	AccountID string
	Provider  string
	Type      CursorType
	Value     map[string]any
	// Alternatives holds other cursor types extracted from the same
	// last-seen record (e.g. a blockchain client can often also report
	// a timestamp), letting a failover provider resume by a cursor
	// type it understands even when Type itself isn't one it supports.
	Alternatives map[CursorType]map[string]any
	// LastTransactionID tiebreaks records sharing an identical cursor
	// value, most commonly identical timestamps.
	LastTransactionID string
	// TotalFetched is the cumulative record count persisted under this
	// cursor across every batch, maintained by the store itself.
	TotalFetched int
	// IsComplete reports that the source client signaled no more
	// historical data remains as of this cursor.
	IsComplete bool
	UpdatedAt  time.Time
}
