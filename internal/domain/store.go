package domain

import (
	"context"
	"math/big"
	"time"
)

// OrderStore persists canonical orders.
type OrderStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	GetByID(ctx context.Context, id string) (CanonicalOrder, error)
	NonceExists(ctx context.Context, kind OrderKind, maker, contract string, nonce, price *big.Int) (bool, error)
	// InsertBatch inserts orders ignoring id conflicts and returns the ids
	// that were actually written.
	InsertBatch(ctx context.Context, orders []CanonicalOrder) ([]string, error)
	// UpdateFillability moves an order to status when CanTransition allows it.
	UpdateFillability(ctx context.Context, id string, status FillabilityStatus, revalidation bool) (bool, error)
	// UpdateLiveFillability moves an order to status only while it is still
	// fillable or no-balance. Balance and approval rechecks use it so they
	// never revive a cancelled, filled or expired order.
	UpdateLiveFillability(ctx context.Context, id string, status FillabilityStatus) (bool, error)
	UpdateApproval(ctx context.Context, id string, status ApprovalStatus) (bool, error)
	CancelByNonce(ctx context.Context, kind OrderKind, maker string, field NonceField, nonce string) ([]string, error)
	// CancelBelowNonce cancels live orders whose bulk nonce is below minNonce.
	CancelBelowNonce(ctx context.Context, kind OrderKind, maker, minNonce string, side OrderSide) ([]string, error)
	ListByMaker(ctx context.Context, maker, contract string, side OrderSide) ([]CanonicalOrder, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListFillableAsks(ctx context.Context, contract, tokenID string) ([]CanonicalOrder, error)
	ListFillableBids(ctx context.Context, contract, tokenID string) ([]CanonicalOrder, error)
}

// FillStore persists fill events.
type FillStore interface {
	// InsertBatch ignores key conflicts and returns the fills actually written.
	// Each written fill that names an order consumes its amount from that
	// order in the same transaction, marking the order filled once nothing
	// remains, so a fill is never stored without its order effect.
	InsertBatch(ctx context.Context, fills []FillEvent) ([]FillEvent, error)
	// MarkDeleted flags fills as corrected and returns the rows it changed.
	MarkDeleted(ctx context.Context, keys []FillKey) ([]FillEvent, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]FillEvent, error)
}

// TokenSetStore persists content-addressed token sets.
type TokenSetStore interface {
	GetByID(ctx context.Context, id string) (TokenSet, error)
	Save(ctx context.Context, set TokenSet) error
}

// AggregateStore persists derived floor-ask/top-bid values. Updates only
// write when the value differs from what is stored.
type AggregateStore interface {
	GetToken(ctx context.Context, contract, tokenID string) (TokenAggregate, error)
	UpdateTokenFloorAsk(ctx context.Context, contract, tokenID string, ask AskBid) (bool, error)
	UpdateTokenTopBid(ctx context.Context, contract, tokenID string, bid AskBid) (bool, error)
	ListTokens(ctx context.Context, contract string) ([]TokenAggregate, error)
	GetCollection(ctx context.Context, collectionID string) (CollectionAggregate, error)
	UpdateCollection(ctx context.Context, agg CollectionAggregate) (bool, error)
}

// BalanceStore tracks NFT ownership from transfer logs.
type BalanceStore interface {
	ApplyTransfers(ctx context.Context, transfers []NFTTransfer) error
	Owners(ctx context.Context, contract, tokenID string) ([]string, error)
}

// CollectionStore persists per-contract metadata.
type CollectionStore interface {
	GetKind(ctx context.Context, contract string) (ContractKind, error)
	SetKind(ctx context.Context, contract string, kind ContractKind) error
	GetRoyalties(ctx context.Context, contract string) ([]FeeBreakdown, error)
	SetRoyalties(ctx context.Context, contract string, royalties []FeeBreakdown) error
}

// CrossPostStore persists cross-posting outcomes.
type CrossPostStore interface {
	Upsert(ctx context.Context, status CrossPostStatus) error
	Get(ctx context.Context, orderID, destination string) (CrossPostStatus, error)
}

// SourceStore persists attribution sources.
type SourceStore interface {
	GetByID(ctx context.Context, id int) (Source, error)
	GetByDomain(ctx context.Context, domain string) (Source, error)
	GetByAddress(ctx context.Context, address string) (Source, error)
	Create(ctx context.Context, src Source) (Source, error)
}

// CursorStore persists sync progress.
type CursorStore interface {
	Get(ctx context.Context, name string) (uint64, error)
	Set(ctx context.Context, name string, block uint64) error
}

// AuditKind names what an audit entry records.
type AuditKind string

const (
	AuditFillExport     AuditKind = "fill-export"
	AuditFillCorrection AuditKind = "fill-correction"
	AuditJobFailed      AuditKind = "job-failed"
)

// AuditEntry records an operator-relevant change. Subject identifies the
// affected thing: an export path, a fill key or a task id.
type AuditEntry struct {
	ID        int64
	Kind      AuditKind
	Subject   string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows List. Zero fields match everything.
type AuditFilter struct {
	Kind    AuditKind
	Subject string
	Since   time.Time
	Limit   int
}

// AuditStore persists an append-only audit log, newest first on List.
type AuditStore interface {
	Record(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
