// Package queue defines message payloads exchanged over the message broker.
package queue

// StageTransitionedEvent is published when the pricing engine commits a
// stage transition.  It carries enough for downstream reporting and
// notification consumers to act without querying the primary database.
type StageTransitionedEvent struct {
	ScopeID     string  `json:"scope_id"`
	FromStageID *uint64 `json:"from_stage_id,omitempty"`
	ToStageID   uint64  `json:"to_stage_id"`
	Trigger     string  `json:"trigger"`
	OccurredAt  string  `json:"occurred_at"`
}

// BlockMergedEvent is published after an offline terminal's sales have
// been synchronized.  Rejected numbers are included in full so the
// reconciliation workflow can open a case without a follow-up query.
type BlockMergedEvent struct {
	TenantID           uint64  `json:"tenant_id"`
	ChannelID          string  `json:"channel_id"`
	MergedCount        int     `json:"merged_count"`
	AlreadyMergedCount int     `json:"already_merged_count"`
	RejectedDuplicate  []int64 `json:"rejected_duplicate"`
	RejectedOutOfRange []int64 `json:"rejected_out_of_range"`
	MergedAt           string  `json:"merged_at"`
}
