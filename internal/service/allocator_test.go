package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/store"
)

func newTestAllocator() *Allocator {
	a := NewAllocator(store.NewMemStore())
	a.Now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return a
}

func TestIssueNextOnlineIsConsecutive(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	for want := int64(1); want <= 5; want++ {
		got, err := a.IssueNext(ctx, 1, model.ChannelOnline)
		if err != nil {
			t.Fatalf("IssueNext() error: %v", err)
		}
		if got != want {
			t.Fatalf("IssueNext() = %d, want %d", got, want)
		}
	}
}

func TestIssueNextIsolatedPerTenant(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	if _, err := a.IssueNext(ctx, 1, model.ChannelOnline); err != nil {
		t.Fatalf("IssueNext(tenant 1) error: %v", err)
	}
	got, err := a.IssueNext(ctx, 2, model.ChannelOnline)
	if err != nil {
		t.Fatalf("IssueNext(tenant 2) error: %v", err)
	}
	if got != 1 {
		t.Fatalf("tenant 2 first number = %d, want 1", got)
	}
}

func TestIssueNextUnknownOfflineChannel(t *testing.T) {
	a := newTestAllocator()
	_, err := a.IssueNext(context.Background(), 1, "blk-doesnotexist")
	if !errors.Is(err, store.ErrChannelNotFound) {
		t.Fatalf("IssueNext() error = %v, want ErrChannelNotFound", err)
	}
}

func TestIssueNextConcurrentDistinct(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	const workers = 100

	results := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := a.IssueNext(ctx, 1, model.ChannelOnline)
			if err != nil {
				t.Errorf("IssueNext() error: %v", err)
				return
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for n := range results {
		if seen[n] {
			t.Fatalf("number %d issued twice", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("issued %d distinct numbers, want %d", len(seen), workers)
	}
	// No gaps either: exactly 1..workers.
	for want := int64(1); want <= workers; want++ {
		if !seen[want] {
			t.Fatalf("number %d missing from issued set", want)
		}
	}
}

func TestReserveBlockStartsAfterHighWaterMark(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	for i := 0; i < 42; i++ {
		if _, err := a.IssueNext(ctx, 1, model.ChannelOnline); err != nil {
			t.Fatalf("IssueNext() error: %v", err)
		}
	}

	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	if b.RangeStart != 43 || b.RangeEnd != 92 {
		t.Fatalf("block range = [%d, %d], want [43, 92]", b.RangeStart, b.RangeEnd)
	}
	if b.Status != model.BlockReserved {
		t.Fatalf("block status = %q, want %q", b.Status, model.BlockReserved)
	}

	// The online counter must skip the reserved range entirely.
	n, err := a.IssueNext(ctx, 1, model.ChannelOnline)
	if err != nil {
		t.Fatalf("IssueNext() error: %v", err)
	}
	if n != 93 {
		t.Fatalf("online number after reservation = %d, want 93", n)
	}
}

func TestReserveBlockRangesNeverOverlap(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b1, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	b2, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	if b2.RangeStart != b1.RangeEnd+1 {
		t.Fatalf("second block starts at %d, want %d", b2.RangeStart, b1.RangeEnd+1)
	}
	if b1.ChannelID == b2.ChannelID {
		t.Fatalf("blocks share channel id %q", b1.ChannelID)
	}
}

func TestIssueNextOnBlockChannel(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}

	n, err := a.IssueNext(ctx, 1, b.ChannelID)
	if err != nil {
		t.Fatalf("IssueNext(block) error: %v", err)
	}
	if n != b.RangeStart {
		t.Fatalf("first block number = %d, want %d", n, b.RangeStart)
	}

	// The first issuance activates the block.
	blocks, err := a.Store.ListBlocks(ctx, 1)
	if err != nil {
		t.Fatalf("ListBlocks() error: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Status != model.BlockActive {
		t.Fatalf("block status after first issue = %q, want %q", blocks[0].Status, model.BlockActive)
	}
}

func TestIssueNextBlockExhausted(t *testing.T) {
	a := newTestAllocator()
	a.BlockSize = 2
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := a.IssueNext(ctx, 1, b.ChannelID); err != nil {
			t.Fatalf("IssueNext(block) error: %v", err)
		}
	}
	_, err = a.IssueNext(ctx, 1, b.ChannelID)
	if !errors.Is(err, store.ErrChannelExhausted) {
		t.Fatalf("IssueNext() error = %v, want ErrChannelExhausted", err)
	}
}

func TestIssueNextBlockExpired(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}

	// Nine hours later the 8-hour issuing window has closed.
	a.Now = func() time.Time { return b.IssuedAt.Add(9 * time.Hour) }
	_, err = a.IssueNext(ctx, 1, b.ChannelID)
	if !errors.Is(err, store.ErrChannelExpired) {
		t.Fatalf("IssueNext() error = %v, want ErrChannelExpired", err)
	}

	// But a late merge of sales made inside the window must still work.
	report, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, []int64{b.RangeStart, b.RangeStart + 1})
	if err != nil {
		t.Fatalf("MergeOfflineSales() error: %v", err)
	}
	if report.Merged != 2 {
		t.Fatalf("merged = %d, want 2", report.Merged)
	}
}

func TestMergeOfflineSalesIdempotent(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	sold := []int64{b.RangeStart, b.RangeStart + 1, b.RangeStart + 2}

	first, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, sold)
	if err != nil {
		t.Fatalf("MergeOfflineSales() error: %v", err)
	}
	if first.Merged != 3 || first.AlreadyMerged != 0 {
		t.Fatalf("first merge = %+v, want 3 merged", first)
	}

	// A replayed merge reports the numbers as already merged, not rejected.
	second, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, sold)
	if err != nil {
		t.Fatalf("replayed MergeOfflineSales() error: %v", err)
	}
	if second.Merged != 0 || second.AlreadyMerged != 3 {
		t.Fatalf("replayed merge = %+v, want 3 already merged", second)
	}
	if len(second.RejectedDuplicate) != 0 || len(second.RejectedOutOfRange) != 0 {
		t.Fatalf("replayed merge rejected numbers: %+v", second)
	}

	blocks, err := a.Store.ListBlocks(ctx, 1)
	if err != nil {
		t.Fatalf("ListBlocks() error: %v", err)
	}
	if blocks[0].Status != model.BlockMerged {
		t.Fatalf("block status = %q, want %q", blocks[0].Status, model.BlockMerged)
	}
}

func TestMergeOfflineSalesRejectsOutOfRange(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	report, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, []int64{b.RangeStart, b.RangeEnd + 1, 999999})
	if err != nil {
		t.Fatalf("MergeOfflineSales() error: %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("merged = %d, want 1", report.Merged)
	}
	if len(report.RejectedOutOfRange) != 2 {
		t.Fatalf("rejected out of range = %v, want 2 entries", report.RejectedOutOfRange)
	}
}

func TestMergeOfflineSalesRejectsServerIssuedDuplicate(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	// The terminal came back online and issued through the server first.
	n, err := a.IssueNext(ctx, 1, b.ChannelID)
	if err != nil {
		t.Fatalf("IssueNext(block) error: %v", err)
	}

	report, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, []int64{n, n + 1})
	if err != nil {
		t.Fatalf("MergeOfflineSales() error: %v", err)
	}
	if report.Merged != 1 {
		t.Fatalf("merged = %d, want 1", report.Merged)
	}
	if len(report.RejectedDuplicate) != 1 || report.RejectedDuplicate[0] != n {
		t.Fatalf("rejected duplicates = %v, want [%d]", report.RejectedDuplicate, n)
	}
}

func TestMergeAcceptsBlockNumbersBelowOnlineCounter(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	// The online counter jumps over the reserved range and keeps going,
	// so it sits numerically above every number in the block.
	n, err := a.IssueNext(ctx, 1, model.ChannelOnline)
	if err != nil {
		t.Fatalf("IssueNext(online) error: %v", err)
	}
	if n <= b.RangeEnd {
		t.Fatalf("online number = %d, want above the reserved range end %d", n, b.RangeEnd)
	}

	// Those block numbers were never sold online; the merge must accept
	// them despite the higher online counter.
	report, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, []int64{b.RangeStart, b.RangeStart + 1})
	if err != nil {
		t.Fatalf("MergeOfflineSales() error: %v", err)
	}
	if report.Merged != 2 {
		t.Fatalf("merged = %d, want 2", report.Merged)
	}
	if len(report.RejectedDuplicate) != 0 {
		t.Fatalf("rejected duplicates = %v, want none", report.RejectedDuplicate)
	}
}

func TestMergeOfflineSalesAdvancesBlockCounter(t *testing.T) {
	a := newTestAllocator()
	ctx := context.Background()
	b, err := a.ReserveBlock(ctx, 1)
	if err != nil {
		t.Fatalf("ReserveBlock() error: %v", err)
	}
	if _, err := a.MergeOfflineSales(ctx, 1, b.ChannelID, []int64{b.RangeStart, b.RangeStart + 4}); err != nil {
		t.Fatalf("MergeOfflineSales() error: %v", err)
	}

	// A merge of a higher number must be visible as already issued: the
	// next server-side issuance on this block continues past it.
	var last int64
	err = a.Store.WithinTx(ctx, func(tx store.Tx) error {
		c, err := tx.CounterForUpdate(ctx, 1, b.ChannelID)
		if err != nil {
			return err
		}
		last = c.LastIssued
		return nil
	})
	if err != nil {
		t.Fatalf("reading block counter: %v", err)
	}
	if last != b.RangeStart+4 {
		t.Fatalf("block counter = %d, want %d", last, b.RangeStart+4)
	}
}

func TestMergeOfflineSalesUnknownChannel(t *testing.T) {
	a := newTestAllocator()
	_, err := a.MergeOfflineSales(context.Background(), 1, "blk-missing", []int64{1})
	if !errors.Is(err, store.ErrChannelNotFound) {
		t.Fatalf("MergeOfflineSales() error = %v, want ErrChannelNotFound", err)
	}
}
