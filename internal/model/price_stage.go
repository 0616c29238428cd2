package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Modifier types for a price stage.  A PERCENTAGE modifier scales the base
// price (value 10 means +10%, -15 means a 15% discount); a FIXED modifier
// is added to the base price in currency units.
const (
	ModifierPercentage = "PERCENTAGE"
	ModifierFixed      = "FIXED"
)

// PriceStage is one tier in the ordered pricing sequence of a scope.  A
// scope is an opaque identifier chosen by the caller, typically
// "event:<id>" for event-wide pricing or "event:<id>:zone:<name>" for a
// single zone.  Stages are totally ordered by Ordinal; exactly one stage
// is current at any time.  A stage ends when its EndAt passes or its
// QuantityLimit is reached, whichever happens first.  A stage with
// neither bound is terminal and holds indefinitely.
//
// Ordinal is immutable once any sale has been attributed to the stage,
// and stages referenced by sales are never deleted, only disabled.
type PriceStage struct {
	ID            uint64          // price_stages.id
	ScopeID       string          // price_stages.scope_id
	Ordinal       int             // price_stages.ordinal (defines the sequence)
	StartAt       *time.Time      // price_stages.start_at (nil = open start)
	EndAt         *time.Time      // price_stages.end_at (nil = no date bound)
	QuantityLimit *int64          // price_stages.quantity_limit (nil = no cap)
	ModifierType  string          // price_stages.modifier_type
	ModifierValue decimal.Decimal // price_stages.modifier_value
	Disabled      bool            // price_stages.disabled (soft delete)
	CreatedAt     time.Time       // price_stages.created_at
}

// Capped reports whether the stage has a quantity bound.
func (s *PriceStage) Capped() bool { return s.QuantityLimit != nil }

// Terminal reports whether the stage has neither a date nor a quantity
// bound and therefore remains current forever once reached.
func (s *PriceStage) Terminal() bool { return s.EndAt == nil && s.QuantityLimit == nil }
