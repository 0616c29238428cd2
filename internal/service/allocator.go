// Package service implements the two subsystems at the heart of the POS:
// the fiscal series allocator and the pricing stage engine.  Both are
// invoked synchronously by request workers and lean entirely on the
// store's transaction isolation for safety, so they stay correct when
// callers run in separate processes or machines.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"time"

	"github.com/dvalera/taquilla-pos/internal/metrics"
	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/store"
)

const (
	// DefaultBlockSize is the number of fiscal numbers reserved per
	// offline block.
	DefaultBlockSize = 50
	// DefaultBlockTTL is how long an offline block may issue numbers
	// before it expires.
	DefaultBlockTTL = 8 * time.Hour
	// maxSeriesLength caps a tenant's series.  Practically unbounded; it
	// exists so block reservation has a defined NoCapacity condition.
	maxSeriesLength = int64(1_000_000_000)
)

// Allocator issues strictly consecutive fiscal series numbers per tenant
// and channel.  Every mutation runs inside one store transaction whose
// row lock spans the full read-increment-write, so numbers are never
// duplicated or skipped no matter how many callers race.
type Allocator struct {
	Store     store.Store
	BlockSize int64
	BlockTTL  time.Duration
	// Now is injected for tests; defaults to time.Now in UTC.
	Now func() time.Time
}

// NewAllocator returns an Allocator with production defaults.
func NewAllocator(s store.Store) *Allocator {
	return &Allocator{
		Store:     s,
		BlockSize: DefaultBlockSize,
		BlockTTL:  DefaultBlockTTL,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// IssueNext allocates the next series number for the tenant's channel and
// durably persists it before returning.  For the online channel the
// counter skips over any reserved offline block range it reaches: those
// numbers belong to the block, so the tenant-wide series stays free of
// duplicates while each channel remains internally consecutive.  For an
// offline block channel the block must be RESERVED or ACTIVE and inside
// its validity window; the first issuance activates it.
func (a *Allocator) IssueNext(ctx context.Context, tenantID uint64, channelID string) (int64, error) {
	var issued int64
	err := a.Store.WithinTx(ctx, func(tx store.Tx) error {
		counter, err := tx.CounterForUpdate(ctx, tenantID, channelID)
		if err != nil {
			return err
		}
		next := counter.LastIssued + 1

		if channelID == model.ChannelOnline {
			blocks, err := tx.ListBlocks(ctx, tenantID)
			if err != nil {
				return err
			}
			// Blocks are ordered by range_start, so one pass suffices.
			for i := range blocks {
				if blocks[i].Contains(next) {
					next = blocks[i].RangeEnd + 1
				}
			}
			if next > maxSeriesLength {
				return store.ErrChannelExhausted
			}
		} else {
			block, err := tx.BlockForUpdate(ctx, tenantID, channelID)
			if err != nil {
				return err
			}
			switch block.Status {
			case model.BlockReserved, model.BlockActive:
			default:
				return store.ErrChannelExpired
			}
			now := a.Now()
			if !now.Before(block.ExpiresAt) {
				if block.Status != model.BlockExpired {
					block.Status = model.BlockExpired
					if err := tx.SaveBlock(ctx, block); err != nil {
						return err
					}
				}
				return store.ErrChannelExpired
			}
			if next > block.RangeEnd {
				return store.ErrChannelExhausted
			}
			if block.Status == model.BlockReserved {
				block.Status = model.BlockActive
				if err := tx.SaveBlock(ctx, block); err != nil {
					return err
				}
			}
		}

		counter.LastIssued = next
		if err := tx.SaveCounter(ctx, counter); err != nil {
			return err
		}
		issued = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.NumbersIssued.WithLabelValues(channelKind(channelID)).Inc()
	return issued, nil
}

// ReserveBlock allocates the next contiguous range of BlockSize numbers
// for an offline terminal.  The range starts after the greater of the
// tenant's online high-water mark and the highest previously reserved
// block, guaranteeing that ranges never overlap and never collide with
// numbers already sold online.
func (a *Allocator) ReserveBlock(ctx context.Context, tenantID uint64) (*model.OfflineBlock, error) {
	size := a.BlockSize
	if size <= 0 {
		size = DefaultBlockSize
	}
	var reserved *model.OfflineBlock
	err := a.Store.WithinTx(ctx, func(tx store.Tx) error {
		// Lock the online counter first: it both anchors the range start
		// and keeps a concurrent online sale from racing past it.
		online, err := tx.CounterForUpdate(ctx, tenantID, model.ChannelOnline)
		if err != nil {
			return err
		}
		highWater := online.LastIssued
		blocks, err := tx.ListBlocks(ctx, tenantID)
		if err != nil {
			return err
		}
		for i := range blocks {
			if blocks[i].RangeEnd > highWater {
				highWater = blocks[i].RangeEnd
			}
		}
		start := highWater + 1
		end := start + size - 1
		if end > maxSeriesLength {
			return store.ErrNoCapacity
		}
		channelID, err := newChannelID()
		if err != nil {
			return err
		}
		now := a.Now()
		b := &model.OfflineBlock{
			TenantID:   tenantID,
			ChannelID:  channelID,
			RangeStart: start,
			RangeEnd:   end,
			IssuedAt:   now,
			ExpiresAt:  now.Add(a.BlockTTL),
			Status:     model.BlockReserved,
		}
		if err := tx.InsertBlock(ctx, b); err != nil {
			return err
		}
		reserved = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.BlocksReserved.Inc()
	return reserved, nil
}

// MergeReport summarizes a synchronization of offline sales.  Numbers are
// never silently dropped or renumbered: every rejection is listed so the
// operator can reconcile manually, as the fiscal audit rules require.
type MergeReport struct {
	Merged             int     `json:"merged_count"`
	AlreadyMerged      int     `json:"already_merged_count"`
	RejectedDuplicate  []int64 `json:"rejected_duplicate"`
	RejectedOutOfRange []int64 `json:"rejected_out_of_range"`
}

// MergeOfflineSales records the numbers an offline terminal sold while
// disconnected.  The call is idempotent: replaying a merge reports the
// numbers as already merged instead of rejecting them.  Validation is by
// range and uniqueness only — an expired block can still be merged, since
// a late synchronization of legitimate sales must never be refused.  On
// success the block is marked MERGED and its counter advanced past the
// highest merged number, so a later online-assisted issuance on the same
// block cannot duplicate a synced sale.
func (a *Allocator) MergeOfflineSales(ctx context.Context, tenantID uint64, channelID string, numbers []int64) (*MergeReport, error) {
	report := &MergeReport{RejectedDuplicate: []int64{}, RejectedOutOfRange: []int64{}}
	err := a.Store.WithinTx(ctx, func(tx store.Tx) error {
		block, err := tx.BlockForUpdate(ctx, tenantID, channelID)
		if err != nil {
			return err
		}
		blockCounter, err := tx.CounterForUpdate(ctx, tenantID, channelID)
		if err != nil {
			return err
		}
		merged, err := tx.MergedNumbers(ctx, tenantID, channelID)
		if err != nil {
			return err
		}

		// A number inside the block's range can never have been sold
		// online: online issuance skips reserved ranges, so range
		// membership plus the checks below are the whole duplicate story.
		accept := make([]int64, 0, len(numbers))
		highest := int64(0)
		for _, n := range dedupSorted(numbers) {
			switch {
			case !block.Contains(n):
				report.RejectedOutOfRange = append(report.RejectedOutOfRange, n)
			case merged[n]:
				report.AlreadyMerged++
			case n <= blockCounter.LastIssued:
				// Already issued through the server on this block channel.
				report.RejectedDuplicate = append(report.RejectedDuplicate, n)
			default:
				accept = append(accept, n)
				if n > highest {
					highest = n
				}
			}
		}

		if len(accept) > 0 {
			if err := tx.AddMergedNumbers(ctx, tenantID, channelID, accept); err != nil {
				return err
			}
			report.Merged = len(accept)
			if highest > blockCounter.LastIssued {
				blockCounter.LastIssued = highest
				if err := tx.SaveCounter(ctx, blockCounter); err != nil {
					return err
				}
			}
		}
		if block.Status != model.BlockMerged {
			block.Status = model.BlockMerged
			if err := tx.SaveBlock(ctx, block); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MergeRejections.WithLabelValues("duplicate").Add(float64(len(report.RejectedDuplicate)))
	metrics.MergeRejections.WithLabelValues("out_of_range").Add(float64(len(report.RejectedOutOfRange)))
	return report, nil
}

func dedupSorted(numbers []int64) []int64 {
	out := append([]int64(nil), numbers...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	uniq := out[:0]
	var prev int64
	for i, n := range out {
		if i == 0 || n != prev {
			uniq = append(uniq, n)
		}
		prev = n
	}
	return uniq
}

func channelKind(channelID string) string {
	if channelID == model.ChannelOnline {
		return "online"
	}
	return "offline"
}

// newChannelID generates an offline channel identifier ("blk-" plus 16
// hex characters) from cryptographically secure random bytes.
func newChannelID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "blk-" + hex.EncodeToString(b), nil
}
