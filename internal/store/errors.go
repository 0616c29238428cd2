// Package store defines the persistence contract shared by the fiscal
// allocator and the pricing engine, the typed business errors both expose,
// and an in-memory implementation used by tests and local development.
// The MySQL implementation lives in internal/repository.
package store

import "errors"

// Typed business errors.  Each demands different caller behavior, so they
// are never collapsed into a generic failure: ErrContention is the only
// one that is safe and sensible to retry; the rest are terminal for the
// call and must be surfaced to the operator or end user.
var (
	// ErrChannelExhausted is returned when an offline block has no numbers
	// left, or the series would exceed its configured maximum length.
	ErrChannelExhausted = errors.New("channel exhausted")

	// ErrChannelExpired is returned when issuing against an offline block
	// whose validity window has passed.  Merging is unaffected: a late
	// synchronization is validated by range, not by time.
	ErrChannelExpired = errors.New("channel expired")

	// ErrChannelNotFound is returned when the channel does not reference a
	// provisioned offline block.  The online channel always exists.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNoCapacity is returned when a block reservation would push the
	// series past its maximum length.
	ErrNoCapacity = errors.New("no capacity for offline block")

	// ErrContention is returned when a row lock could not be acquired in
	// time.  No partial state is left behind; the caller may retry.
	ErrContention = errors.New("contention, retry")

	// ErrNoActiveStage is returned when a scope has no pricing stages
	// configured at all.
	ErrNoActiveStage = errors.New("no active price stage")

	// ErrStageNotFound is returned when a stage id does not belong to the
	// scope being operated on, or a manual advance has no next stage.
	ErrStageNotFound = errors.New("price stage not found")

	// ErrQuantityExceeded is returned when an attribution cannot be placed
	// even after straddling onto later stages.
	ErrQuantityExceeded = errors.New("quantity exceeds stage capacity")

	// ErrDuplicateSeriesNumber is returned when a uniqueness guarantee of
	// the fiscal series would be violated.  It is never auto-corrected;
	// the offending numbers are reported for manual reconciliation.
	ErrDuplicateSeriesNumber = errors.New("duplicate fiscal series number")
)
