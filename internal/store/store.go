package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/model"
)

// Tx is a single transaction against the durable store.  Methods suffixed
// ForUpdate acquire an exclusive lock on the addressed row for the rest of
// the transaction; they are the only serialization points the allocator
// and the pricing engine rely on.  Implementations must map lock wait
// timeouts and deadlocks to ErrContention.
type Tx interface {
	// CounterForUpdate locks and returns the series counter for a channel.
	// The online counter is created lazily at zero; a missing offline
	// counter means the block was never provisioned (ErrChannelNotFound).
	CounterForUpdate(ctx context.Context, tenantID uint64, channelID string) (*model.FiscalSeriesCounter, error)
	// SaveCounter persists a counter previously locked with CounterForUpdate.
	SaveCounter(ctx context.Context, c *model.FiscalSeriesCounter) error

	// BlockForUpdate locks and returns an offline block, or ErrChannelNotFound.
	BlockForUpdate(ctx context.Context, tenantID uint64, channelID string) (*model.OfflineBlock, error)
	// InsertBlock creates a block together with its channel counter, which
	// starts at RangeStart-1 so the first issuance yields RangeStart.
	InsertBlock(ctx context.Context, b *model.OfflineBlock) error
	// SaveBlock persists status changes of a locked block.
	SaveBlock(ctx context.Context, b *model.OfflineBlock) error
	// ListBlocks returns all blocks of a tenant, ordered by range_start.
	ListBlocks(ctx context.Context, tenantID uint64) ([]model.OfflineBlock, error)

	// MergedNumbers returns the set of numbers already synchronized for a
	// block channel.
	MergedNumbers(ctx context.Context, tenantID uint64, channelID string) (map[int64]bool, error)
	// AddMergedNumbers records numbers accepted by a merge.  A conflicting
	// insert surfaces as ErrDuplicateSeriesNumber.
	AddMergedNumbers(ctx context.Context, tenantID uint64, channelID string, numbers []int64) error

	// StagesForScope returns the enabled stages of a scope ordered by
	// ordinal.  Disabled stages are invisible to the engine.
	StagesForScope(ctx context.Context, scopeID string) ([]model.PriceStage, error)
	// InsertStage creates a stage and populates its generated ID.
	InsertStage(ctx context.Context, s *model.PriceStage) error
	// DisableStage soft-deletes a stage.  Stages are never removed.
	DisableStage(ctx context.Context, scopeID string, stageID uint64) error

	// ScopeStateForUpdate locks and returns the scope's current-stage
	// pointer, or nil when the scope has never been resolved.
	ScopeStateForUpdate(ctx context.Context, scopeID string) (*model.ScopeState, error)
	// SaveScopeState upserts the current-stage pointer.
	SaveScopeState(ctx context.Context, st *model.ScopeState) error

	// StageSalesForUpdate locks and returns the units sold under a stage,
	// zero when nothing has been attributed yet.
	StageSalesForUpdate(ctx context.Context, scopeID string, stageID uint64) (int64, error)
	// SaveStageSales upserts the sold counter of a stage.
	SaveStageSales(ctx context.Context, scopeID string, stageID uint64, quantitySold int64) error

	// AppendTransition writes one audit record and populates its ID.
	AppendTransition(ctx context.Context, t *model.StageTransition) error

	// RowMarkup returns the percentage markup configured for a seat row
	// within a scope.  ok is false when the row has no markup.
	RowMarkup(ctx context.Context, scopeID, row string) (pct decimal.Decimal, ok bool, err error)
	// SetRowMarkup upserts a seat-row markup.
	SetRowMarkup(ctx context.Context, scopeID, row string, pct decimal.Decimal) error
}

// Store is the durable home of all fiscal and pricing state.  WithinTx is
// the only way to mutate it: fn runs inside one transaction that is
// committed when fn returns nil and rolled back otherwise, so a failed
// operation never leaves partial state.  The read helpers serve the
// lock-free paths (listings, audit) from the latest committed state.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	StagesForScope(ctx context.Context, scopeID string) ([]model.PriceStage, error)
	Transitions(ctx context.Context, scopeID string) ([]model.StageTransition, error)
	ListBlocks(ctx context.Context, tenantID uint64) ([]model.OfflineBlock, error)
}
