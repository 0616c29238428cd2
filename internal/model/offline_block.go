package model

import "time"

// Offline block statuses.  A block starts out RESERVED, becomes ACTIVE on
// first use, EXPIRED once its validity window passes without full
// consumption, and MERGED after the terminal's sales have been
// synchronized back.  Blocks are never deleted; they remain for audit.
const (
	BlockReserved = "RESERVED"
	BlockActive   = "ACTIVE"
	BlockExpired  = "EXPIRED"
	BlockMerged   = "MERGED"
)

// OfflineBlock is a pre-reserved contiguous range of fiscal series numbers
// handed to one offline terminal.  The range sits strictly above the
// tenant's online high-water mark at reservation time, so the numbers in
// it can be issued without connectivity and later merged back without
// colliding with online sales.
//
// Fields:
//  TenantID   – tenant that owns the block.
//  ChannelID  – generated channel identifier ("blk-<hex>").
//  RangeStart – first number in the block (inclusive).
//  RangeEnd   – last number in the block (inclusive).
//  IssuedAt   – when the block was reserved.
//  ExpiresAt  – IssuedAt plus the validity window (8 hours by default).
//  Status     – one of the Block* constants above.
type OfflineBlock struct {
	TenantID   uint64    // offline_blocks.tenant_id
	ChannelID  string    // offline_blocks.channel_id
	RangeStart int64     // offline_blocks.range_start
	RangeEnd   int64     // offline_blocks.range_end
	IssuedAt   time.Time // offline_blocks.issued_at
	ExpiresAt  time.Time // offline_blocks.expires_at
	Status     string    // offline_blocks.status
}

// Contains reports whether n falls inside the block's reserved range.
func (b *OfflineBlock) Contains(n int64) bool {
	return n >= b.RangeStart && n <= b.RangeEnd
}
