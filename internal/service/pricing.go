package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/metrics"
	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/store"
)

// Engine resolves the active pricing stage of a scope and attributes sold
// quantity to it.  A scope's transitions are serialized by the lock on
// its ScopeState row: every operation that can advance the sequence takes
// that lock first, so two callers can never commit separate transitions
// for the same boundary crossing.  Transitions only ever move forward.
type Engine struct {
	Store store.Store
	// Cache, when set, accelerates quote reads.  It is advisory only:
	// attribution always re-resolves the stage from the store.
	Cache *StageCache
	// Now is injected for tests; defaults to time.Now in UTC.
	Now func() time.Time
}

// NewEngine returns an Engine on the given store.  cache may be nil.
func NewEngine(s store.Store, cache *StageCache) *Engine {
	return &Engine{
		Store: s,
		Cache: cache,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// AttributionEntry records how much of a sale landed on one stage.
type AttributionEntry struct {
	StageID  uint64 `json:"stage_id"`
	Ordinal  int    `json:"ordinal"`
	Quantity int64  `json:"quantity"`
}

// Attribution is the result of AttributeSale.  A purchase that crosses a
// stage boundary is split-priced: one entry per stage, in ordinal order,
// plus the transitions that were committed along the way.
type Attribution struct {
	Entries     []AttributionEntry      `json:"attributions"`
	Transitions []model.StageTransition `json:"transitions,omitempty"`
}

// ActiveStage resolves the current stage of the scope, committing any
// pending transition first.  The returned stage is therefore always the
// earliest un-expired, un-exhausted stage in ordinal order — a stage past
// its end date is never returned while a later stage exists.
func (e *Engine) ActiveStage(ctx context.Context, scopeID string) (*model.PriceStage, error) {
	var active *model.PriceStage
	err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
		cur, _, _, err := e.resolveLocked(ctx, tx, scopeID)
		if err != nil {
			return err
		}
		active = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.Cache != nil {
		e.Cache.Put(ctx, scopeID, active)
	}
	return active, nil
}

// QuotePrice computes the price of base under the scope's active stage,
// applying the seat row's configured markup when row is non-empty.  The
// stage may come from the cache: a quote is a read, eventually consistent
// on the order of seconds, and monetary correctness is unaffected because
// the final sale re-resolves the authoritative stage in AttributeSale.
func (e *Engine) QuotePrice(ctx context.Context, scopeID string, base decimal.Decimal, row string) (*Quote, error) {
	var stage *model.PriceStage
	if e.Cache != nil {
		if cached, ok := e.Cache.Get(ctx, scopeID, e.Now()); ok {
			stage = cached
		}
	}
	if stage == nil {
		resolved, err := e.ActiveStage(ctx, scopeID)
		if err != nil {
			return nil, err
		}
		stage = resolved
	}

	var rowPct *decimal.Decimal
	if row != "" {
		err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
			pct, ok, err := tx.RowMarkup(ctx, scopeID, row)
			if err != nil {
				return err
			}
			if ok {
				rowPct = &pct
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	q := priceQuote(stage, base, rowPct)
	return &q, nil
}

// AttributeSale atomically attributes quantity units to the scope's
// active stage.  When the current stage cannot absorb the whole quantity,
// the engine attributes what fits, commits a quantity-exhausted
// transition and rolls the remainder onto the next stage, repeating as
// needed.  If the remainder cannot be placed because a capped stage is
// terminal, the whole attribution fails with ErrQuantityExceeded and no
// state is changed.
func (e *Engine) AttributeSale(ctx context.Context, scopeID string, quantity int64) (*Attribution, error) {
	if quantity <= 0 {
		return nil, errors.New("quantity must be positive")
	}
	result := &Attribution{}
	err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
		cur, stages, state, err := e.resolveLocked(ctx, tx, scopeID)
		if err != nil {
			return err
		}
		result.Transitions = nil
		result.Entries = nil
		now := e.Now()
		remaining := quantity
		for remaining > 0 {
			if !cur.Capped() {
				sold, err := tx.StageSalesForUpdate(ctx, scopeID, cur.ID)
				if err != nil {
					return err
				}
				if err := tx.SaveStageSales(ctx, scopeID, cur.ID, sold+remaining); err != nil {
					return err
				}
				result.Entries = append(result.Entries, AttributionEntry{StageID: cur.ID, Ordinal: cur.Ordinal, Quantity: remaining})
				remaining = 0
				break
			}
			sold, err := tx.StageSalesForUpdate(ctx, scopeID, cur.ID)
			if err != nil {
				return err
			}
			room := *cur.QuantityLimit - sold
			if room > 0 {
				take := room
				if remaining < take {
					take = remaining
				}
				if err := tx.SaveStageSales(ctx, scopeID, cur.ID, sold+take); err != nil {
					return err
				}
				result.Entries = append(result.Entries, AttributionEntry{StageID: cur.ID, Ordinal: cur.Ordinal, Quantity: take})
				remaining -= take
			}
			if remaining == 0 {
				break
			}
			next := stageAfter(stages, cur.Ordinal)
			if next == nil {
				return store.ErrQuantityExceeded
			}
			tr := model.StageTransition{
				ScopeID:     scopeID,
				FromStageID: uptr(cur.ID),
				ToStageID:   next.ID,
				Trigger:     model.TriggerQuantityExhausted,
				OccurredAt:  now,
			}
			if err := tx.AppendTransition(ctx, &tr); err != nil {
				return err
			}
			result.Transitions = append(result.Transitions, tr)
			state.CurrentOrdinal = next.Ordinal
			if err := tx.SaveScopeState(ctx, state); err != nil {
				return err
			}
			// The stage rolled onto may itself already be over its date or
			// quota; skip forward exactly as a fresh resolution would, so
			// the remainder never lands on an expired stage.
			eligible, skipped, err := e.advanceEligible(ctx, tx, scopeID, stages, state, next, now)
			if err != nil {
				return err
			}
			result.Transitions = append(result.Transitions, skipped...)
			cur = eligible
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range result.Transitions {
		metrics.StageTransitions.WithLabelValues(result.Transitions[i].Trigger).Inc()
	}
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, scopeID)
	}
	return result, nil
}

// ReleaseAttribution is the compensating decrement for refunds and
// cancellations.  It never drops a counter below zero and never reopens a
// stage the scope has already moved past: transitions are one-directional
// even when the released quantity falls back under the limit.
func (e *Engine) ReleaseAttribution(ctx context.Context, scopeID string, stageID uint64, quantity int64) error {
	if quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
		stages, err := tx.StagesForScope(ctx, scopeID)
		if err != nil {
			return err
		}
		if stageByID(stages, stageID) == nil {
			return store.ErrStageNotFound
		}
		// Take the scope lock so releases serialize with attributions.
		if _, err := tx.ScopeStateForUpdate(ctx, scopeID); err != nil {
			return err
		}
		sold, err := tx.StageSalesForUpdate(ctx, scopeID, stageID)
		if err != nil {
			return err
		}
		sold -= quantity
		if sold < 0 {
			sold = 0
		}
		return tx.SaveStageSales(ctx, scopeID, stageID, sold)
	})
	if err != nil {
		return err
	}
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, scopeID)
	}
	return nil
}

// Advance forces a manual transition to the next stage, for operator
// interventions such as closing an early-bird tier ahead of schedule.
func (e *Engine) Advance(ctx context.Context, scopeID string) (*model.StageTransition, error) {
	var committed *model.StageTransition
	err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
		cur, stages, state, err := e.resolveLocked(ctx, tx, scopeID)
		if err != nil {
			return err
		}
		next := stageAfter(stages, cur.Ordinal)
		if next == nil {
			return store.ErrStageNotFound
		}
		tr := model.StageTransition{
			ScopeID:     scopeID,
			FromStageID: uptr(cur.ID),
			ToStageID:   next.ID,
			Trigger:     model.TriggerManual,
			OccurredAt:  e.Now(),
		}
		if err := tx.AppendTransition(ctx, &tr); err != nil {
			return err
		}
		state.CurrentOrdinal = next.Ordinal
		if err := tx.SaveScopeState(ctx, state); err != nil {
			return err
		}
		committed = &tr
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.StageTransitions.WithLabelValues(model.TriggerManual).Inc()
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, scopeID)
	}
	return committed, nil
}

// ErrInvalidStage wraps every stage configuration rejection so callers
// can tell a bad request apart from a store failure.
var ErrInvalidStage = errors.New("invalid stage configuration")

// ConfigureStage validates and creates a stage for a scope.  Ordinals
// must be unique within the scope and date ranges must not overlap.
func (e *Engine) ConfigureStage(ctx context.Context, s *model.PriceStage) error {
	if s.ModifierType != model.ModifierPercentage && s.ModifierType != model.ModifierFixed {
		return fmt.Errorf("%w: modifier_type must be PERCENTAGE or FIXED", ErrInvalidStage)
	}
	if s.QuantityLimit != nil && *s.QuantityLimit <= 0 {
		return fmt.Errorf("%w: quantity_limit must be positive when set", ErrInvalidStage)
	}
	if s.StartAt != nil && s.EndAt != nil && !s.StartAt.Before(*s.EndAt) {
		return fmt.Errorf("%w: start_at must precede end_at", ErrInvalidStage)
	}
	err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.StagesForScope(ctx, s.ScopeID)
		if err != nil {
			return err
		}
		for i := range existing {
			if existing[i].Ordinal == s.Ordinal {
				return fmt.Errorf("%w: ordinal already configured for scope", ErrInvalidStage)
			}
			if datesOverlap(&existing[i], s) {
				return fmt.Errorf("%w: stage date range overlaps an existing stage", ErrInvalidStage)
			}
		}
		return tx.InsertStage(ctx, s)
	})
	if err != nil {
		return err
	}
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, s.ScopeID)
	}
	return nil
}

// DisableStage soft-disables a stage.  Counters and the transition
// history stay behind; resolution simply skips the stage from now on.
func (e *Engine) DisableStage(ctx context.Context, scopeID string, stageID uint64) error {
	err := e.Store.WithinTx(ctx, func(tx store.Tx) error {
		stages, err := tx.StagesForScope(ctx, scopeID)
		if err != nil {
			return err
		}
		if stageByID(stages, stageID) == nil {
			return store.ErrStageNotFound
		}
		return tx.DisableStage(ctx, scopeID, stageID)
	})
	if err != nil {
		return err
	}
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, scopeID)
	}
	return nil
}

// SetRowMarkup sets the percentage markup applied on top of the staged
// subtotal for seats in the given row.
func (e *Engine) SetRowMarkup(ctx context.Context, scopeID, row string, percent decimal.Decimal) error {
	return e.Store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.SetRowMarkup(ctx, scopeID, row, percent)
	})
}

// Stages lists the enabled stages of a scope in ordinal order.
func (e *Engine) Stages(ctx context.Context, scopeID string) ([]model.PriceStage, error) {
	return e.Store.StagesForScope(ctx, scopeID)
}

// TransitionLog returns the scope's append-only transition audit trail.
func (e *Engine) TransitionLog(ctx context.Context, scopeID string) ([]model.StageTransition, error) {
	return e.Store.Transitions(ctx, scopeID)
}

// resolveLocked loads the scope's stages, locks its state row and commits
// every transition whose predicate already holds: a stage ends when its
// end date has passed or its quantity limit is reached, whichever comes
// first.  The last configured stage holds indefinitely, so there is never
// a pricing gap.  Returns the resulting current stage.
func (e *Engine) resolveLocked(ctx context.Context, tx store.Tx, scopeID string) (*model.PriceStage, []model.PriceStage, *model.ScopeState, error) {
	stages, err := tx.StagesForScope(ctx, scopeID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(stages) == 0 {
		return nil, nil, nil, store.ErrNoActiveStage
	}
	state, err := tx.ScopeStateForUpdate(ctx, scopeID)
	if err != nil {
		return nil, nil, nil, err
	}
	now := e.Now()
	if state == nil {
		// First resolution of the scope: activate the lowest ordinal and
		// record it with a null from-stage.
		state = &model.ScopeState{ScopeID: scopeID, CurrentOrdinal: stages[0].Ordinal}
		if err := tx.SaveScopeState(ctx, state); err != nil {
			return nil, nil, nil, err
		}
		tr := model.StageTransition{
			ScopeID:    scopeID,
			ToStageID:  stages[0].ID,
			Trigger:    model.TriggerInitial,
			OccurredAt: now,
		}
		if err := tx.AppendTransition(ctx, &tr); err != nil {
			return nil, nil, nil, err
		}
	}

	cur := stageByOrdinal(stages, state.CurrentOrdinal)
	if cur == nil {
		// The pointed-at stage was disabled after activation; fall back to
		// the earliest remaining stage.
		cur = &stages[0]
		state.CurrentOrdinal = cur.Ordinal
		if err := tx.SaveScopeState(ctx, state); err != nil {
			return nil, nil, nil, err
		}
	}

	cur, committed, err := e.advanceEligible(ctx, tx, scopeID, stages, state, cur, now)
	if err != nil {
		return nil, nil, nil, err
	}
	for i := range committed {
		metrics.StageTransitions.WithLabelValues(committed[i].Trigger).Inc()
	}
	return cur, stages, state, nil
}

// advanceEligible commits a transition for every stage whose end predicate
// already holds, starting from cur, and returns the first eligible stage.
// A stage ends when its end date has passed or its quantity limit is
// reached, whichever comes first; the last configured stage holds
// indefinitely.  The committed transitions are returned for the caller's
// result and metrics.
func (e *Engine) advanceEligible(ctx context.Context, tx store.Tx, scopeID string, stages []model.PriceStage, state *model.ScopeState, cur *model.PriceStage, now time.Time) (*model.PriceStage, []model.StageTransition, error) {
	var committed []model.StageTransition
	for {
		next := stageAfter(stages, cur.Ordinal)
		if next == nil {
			break
		}
		expired := cur.EndAt != nil && !now.Before(*cur.EndAt)
		exhausted := false
		if !expired && cur.Capped() {
			sold, err := tx.StageSalesForUpdate(ctx, scopeID, cur.ID)
			if err != nil {
				return nil, nil, err
			}
			exhausted = sold >= *cur.QuantityLimit
		}
		if !expired && !exhausted {
			break
		}
		trigger := model.TriggerDateExpired
		if exhausted {
			trigger = model.TriggerQuantityExhausted
		}
		tr := model.StageTransition{
			ScopeID:     scopeID,
			FromStageID: uptr(cur.ID),
			ToStageID:   next.ID,
			Trigger:     trigger,
			OccurredAt:  now,
		}
		if err := tx.AppendTransition(ctx, &tr); err != nil {
			return nil, nil, err
		}
		committed = append(committed, tr)
		state.CurrentOrdinal = next.Ordinal
		if err := tx.SaveScopeState(ctx, state); err != nil {
			return nil, nil, err
		}
		cur = next
	}
	return cur, committed, nil
}

func stageByOrdinal(stages []model.PriceStage, ordinal int) *model.PriceStage {
	for i := range stages {
		if stages[i].Ordinal == ordinal {
			return &stages[i]
		}
	}
	return nil
}

func stageByID(stages []model.PriceStage, id uint64) *model.PriceStage {
	for i := range stages {
		if stages[i].ID == id {
			return &stages[i]
		}
	}
	return nil
}

// stageAfter returns the stage with the smallest ordinal greater than the
// given one, or nil when the given ordinal is the last.
func stageAfter(stages []model.PriceStage, ordinal int) *model.PriceStage {
	for i := range stages {
		if stages[i].Ordinal > ordinal {
			return &stages[i]
		}
	}
	return nil
}

func uptr(v uint64) *uint64 { return &v }

// datesOverlap reports whether two stages' date ranges intersect.  A nil
// StartAt is treated as the beginning of time and a nil EndAt as never
// ending, except that a stage with no date bounds at all only conflicts
// when the other stage is also unbounded: quantity-capped stages with no
// dates coexist with dated ones by design.
func datesOverlap(a, b *model.PriceStage) bool {
	if a.StartAt == nil && a.EndAt == nil || b.StartAt == nil && b.EndAt == nil {
		return false
	}
	aStartsBeforeBEnds := b.EndAt == nil || a.StartAt == nil || a.StartAt.Before(*b.EndAt)
	bStartsBeforeAEnds := a.EndAt == nil || b.StartAt == nil || b.StartAt.Before(*a.EndAt)
	return aStartsBeforeBEnds && bStartsBeforeAEnds
}
