// Package importer resolves accounts (including xpub fan-out) and
// runs the at-least-once, idempotent-dedup import protocol against a
// resolved account, per spec.md §4.7.
package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exitbook/ingestion/internal/domain"
	"github.com/exitbook/ingestion/internal/persistence"
	"github.com/exitbook/ingestion/internal/provider"
)

// Orchestrator resolves an import request into one or more concrete
// accounts before delegating each to the Service.
type Orchestrator struct {
	store   *persistence.Store
	manager *provider.Manager
	log     *zap.SugaredLogger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store *persistence.Store, manager *provider.Manager, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{store: store, manager: manager, log: log}
}

// ResolveAccount normalizes identifier, persists the parent account,
// and — when identifier is an xpub — fans out to derived child
// accounts up to gapLimit consecutive unused indices. The returned
// slice always contains the parent first, followed by any children in
// derivation order.
//
// Contract:
//   - gapLimit is honored only when identifier parses as an extended
//     public key; otherwise it is logged and ignored (spec.md §9 Open
//     Question decision, recorded in DESIGN.md).
func (o *Orchestrator) ResolveAccount(ctx context.Context, chain, source string, sourceKind domain.SourceKind, category domain.ChainCategory, identifier string, gapLimit int) ([]domain.Account, error) {
	normalized := normalizeIdentifier(category, identifier)

	parent := domain.Account{
		ID:         accountID(source, normalized),
		Source:     source,
		SourceKind: sourceKind,
		Category:   category,
		Identifier: normalized,
		CreatedAt:  time.Now(),
	}
	if err := o.store.UpsertAccount(ctx, parent); err != nil {
		return nil, fmt.Errorf("upsert parent account: %w", err)
	}

	if !IsXpub(normalized) {
		if gapLimit > 0 {
			o.log.Warnw("gap limit supplied for a non-xpub identifier, ignoring", "identifier", normalized)
		}
		return []domain.Account{parent}, nil
	}

	children, err := o.fanOutXpub(ctx, chain, source, sourceKind, category, parent, gapLimit)
	if err != nil {
		return nil, err
	}
	return append([]domain.Account{parent}, children...), nil
}

func (o *Orchestrator) fanOutXpub(ctx context.Context, chain, source string, sourceKind domain.SourceKind, category domain.ChainCategory, parent domain.Account, gapLimit int) ([]domain.Account, error) {
	if gapLimit <= 0 {
		gapLimit = DefaultGapLimit
	}

	chainKey, err := externalChainKey(parent.Identifier)
	if err != nil {
		return nil, fmt.Errorf("derive external chain key: %w", err)
	}

	var children []domain.Account
	consecutiveUnused := 0
	for index := uint32(0); consecutiveUnused < gapLimit; index++ {
		address, err := deriveAddressAtIndex(chainKey, index)
		if err != nil {
			return nil, err
		}

		active, err := o.hasActivity(ctx, chain, address)
		if err != nil {
			return nil, fmt.Errorf("probe activity for %s: %w", address, err)
		}
		if !active {
			consecutiveUnused++
			continue
		}

		consecutiveUnused = 0
		child := domain.Account{
			ID:         accountID(source, address),
			Source:     source,
			SourceKind: sourceKind,
			Category:   category,
			Identifier: address,
			ParentID:   parent.ID,
			CreatedAt:  time.Now(),
		}
		if err := o.store.UpsertAccount(ctx, child); err != nil {
			return nil, fmt.Errorf("upsert child account %s: %w", address, err)
		}
		children = append(children, child)
	}

	return children, nil
}

// hasActivity probes one derived address via a single non-streaming
// fetch, treating any returned record as evidence of activity.
func (o *Orchestrator) hasActivity(ctx context.Context, chain, address string) (bool, error) {
	result, err := o.manager.ExecuteWithFailover(ctx, chain, address, nil)
	if err != nil {
		return false, err
	}
	return len(result.Batch.Records) > 0, nil
}

func normalizeIdentifier(category domain.ChainCategory, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if category == domain.ChainCategoryEVMMainnet || category == domain.ChainCategoryLayer2 {
		return strings.ToLower(identifier)
	}
	return identifier
}

func accountID(source, identifier string) string {
	return fmt.Sprintf("%s:%s", source, identifier)
}

// newSessionID generates a session identifier; extracted to its own
// function so tests can substitute a deterministic generator if ever
// needed.
func newSessionID() string {
	return uuid.NewString()
}
