package model

import "time"

// ScopeState is the "current pointer" of a scope's stage sequence.  All
// stage transitions are a compare-and-swap on this row: every operation
// that may advance the sequence locks it first, which serializes
// transitions per scope.  The row is created lazily on the first
// resolution of the scope.
type ScopeState struct {
	ScopeID        string    // scope_states.scope_id
	CurrentOrdinal int       // scope_states.current_ordinal
	UpdatedAt      time.Time // scope_states.updated_at
}

// StageSales is the running counter of units sold under one stage.  It is
// monotonic non-decreasing except for compensating decrements on verified
// refunds, and never exceeds the stage's quantity limit.
type StageSales struct {
	StageID      uint64    // stage_sales.stage_id
	ScopeID      string    // stage_sales.scope_id
	QuantitySold int64     // stage_sales.quantity_sold
	UpdatedAt    time.Time // stage_sales.updated_at
}

// Transition triggers recorded in the audit log.  INITIAL marks the lazy
// first activation of a scope's lowest stage; it is never written for an
// operator action, so the log keeps forced advances distinguishable.
const (
	TriggerDateExpired       = "DATE_EXPIRED"
	TriggerQuantityExhausted = "QUANTITY_EXHAUSTED"
	TriggerManual            = "MANUAL"
	TriggerInitial           = "INITIAL"
)

// StageTransition is an append-only audit record written whenever the
// engine commits a stage change for a scope.  FromStageID is nil for the
// initial activation of the first stage.
type StageTransition struct {
	ID          uint64    // stage_transitions.id
	ScopeID     string    // stage_transitions.scope_id
	FromStageID *uint64   // stage_transitions.from_stage_id (nil = first stage)
	ToStageID   uint64    // stage_transitions.to_stage_id
	Trigger     string    // stage_transitions.trigger_type
	OccurredAt  time.Time // stage_transitions.occurred_at
}
