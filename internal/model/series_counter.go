package model

import "time"

// ChannelOnline is the identifier of a tenant's single online allocation
// stream.  It is always a valid channel; offline channels are created on
// demand when a block is reserved and carry a generated identifier.
const ChannelOnline = "online"

// FiscalSeriesCounter tracks the last fiscal series number issued for one
// allocation channel of a tenant.  There is exactly one row per
// (tenant, channel).  The counter only ever moves forward: every issuance
// increments LastIssued by one under an exclusive row lock, so two
// concurrent callers can never observe the same number.
//
// Fields:
//  TenantID   – tenant that owns the series.
//  ChannelID  – "online" or the identifier of an offline block.
//  LastIssued – highest number issued so far (0 before the first sale).
//  UpdatedAt  – when the counter last moved.
type FiscalSeriesCounter struct {
	TenantID   uint64    // fiscal_series_counters.tenant_id
	ChannelID  string    // fiscal_series_counters.channel_id
	LastIssued int64     // fiscal_series_counters.last_issued
	UpdatedAt  time.Time // fiscal_series_counters.updated_at
}
