package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/store"
)

var engineEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	e := NewEngine(store.NewMemStore(), nil)
	e.Now = func() time.Time { return engineEpoch }
	return e
}

func addStage(t *testing.T, e *Engine, scopeID string, ordinal int, limit *int64, startAt, endAt *time.Time, modType, modValue string) *model.PriceStage {
	t.Helper()
	s := &model.PriceStage{
		ScopeID:       scopeID,
		Ordinal:       ordinal,
		StartAt:       startAt,
		EndAt:         endAt,
		QuantityLimit: limit,
		ModifierType:  modType,
		ModifierValue: decimal.RequireFromString(modValue),
	}
	if err := e.ConfigureStage(context.Background(), s); err != nil {
		t.Fatalf("ConfigureStage(ordinal %d) error: %v", ordinal, err)
	}
	return s
}

func i64(v int64) *int64 { return &v }

func tp(t time.Time) *time.Time { return &t }

func stageSold(t *testing.T, e *Engine, scopeID string, stageID uint64) int64 {
	t.Helper()
	var sold int64
	err := e.Store.WithinTx(context.Background(), func(tx store.Tx) error {
		s, err := tx.StageSalesForUpdate(context.Background(), scopeID, stageID)
		if err != nil {
			return err
		}
		sold = s
		return nil
	})
	if err != nil {
		t.Fatalf("reading stage sales: %v", err)
	}
	return sold
}

func TestActiveStageNoStagesConfigured(t *testing.T) {
	e := newTestEngine()
	_, err := e.ActiveStage(context.Background(), "show-1")
	if !errors.Is(err, store.ErrNoActiveStage) {
		t.Fatalf("ActiveStage() error = %v, want ErrNoActiveStage", err)
	}
}

func TestActiveStageInitialActivation(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(100), nil, nil, model.ModifierPercentage, "-20")
	addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")

	got, err := e.ActiveStage(context.Background(), "show-1")
	if err != nil {
		t.Fatalf("ActiveStage() error: %v", err)
	}
	if got.ID != s1.ID {
		t.Fatalf("active stage = %d, want %d", got.ID, s1.ID)
	}

	// First resolution writes an activation record with no from-stage.
	trs, err := e.TransitionLog(context.Background(), "show-1")
	if err != nil {
		t.Fatalf("TransitionLog() error: %v", err)
	}
	if len(trs) != 1 {
		t.Fatalf("transition count = %d, want 1", len(trs))
	}
	if trs[0].FromStageID != nil || trs[0].ToStageID != s1.ID {
		t.Fatalf("activation transition = %+v", trs[0])
	}
	// The activation carries its own trigger so the log never confuses it
	// with an operator's forced advance.
	if trs[0].Trigger != model.TriggerInitial {
		t.Fatalf("activation trigger = %q, want %q", trs[0].Trigger, model.TriggerInitial)
	}
}

func TestAdvanceTriggerDistinctFromActivation(t *testing.T) {
	e := newTestEngine()
	addStage(t, e, "show-1", 1, nil, nil, nil, model.ModifierPercentage, "-20")
	addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	if _, err := e.Advance(ctx, "show-1"); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	trs, err := e.TransitionLog(ctx, "show-1")
	if err != nil {
		t.Fatalf("TransitionLog() error: %v", err)
	}
	if len(trs) != 2 {
		t.Fatalf("transition count = %d, want activation plus advance", len(trs))
	}
	if trs[0].Trigger != model.TriggerInitial || trs[1].Trigger != model.TriggerManual {
		t.Fatalf("triggers = %q, %q, want %q then %q", trs[0].Trigger, trs[1].Trigger, model.TriggerInitial, model.TriggerManual)
	}
}

func TestQuantityExhaustedTransition(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(100), nil, nil, model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	// The 100th unit still belongs to the early stage.
	res, err := e.AttributeSale(ctx, "show-1", 100)
	if err != nil {
		t.Fatalf("AttributeSale(100) error: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].StageID != s1.ID || res.Entries[0].Quantity != 100 {
		t.Fatalf("attribution = %+v, want all 100 on the first stage", res.Entries)
	}
	if len(res.Transitions) != 0 {
		t.Fatalf("transitions on the filling sale: %+v", res.Transitions)
	}

	// The 101st lands on the next stage and commits the transition.
	res, err = e.AttributeSale(ctx, "show-1", 1)
	if err != nil {
		t.Fatalf("AttributeSale(1) error: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].StageID != s2.ID {
		t.Fatalf("attribution = %+v, want the unit on the second stage", res.Entries)
	}

	trs, err := e.TransitionLog(ctx, "show-1")
	if err != nil {
		t.Fatalf("TransitionLog() error: %v", err)
	}
	last := trs[len(trs)-1]
	if last.Trigger != model.TriggerQuantityExhausted || last.ToStageID != s2.ID {
		t.Fatalf("last transition = %+v, want quantity-exhausted to stage %d", last, s2.ID)
	}
	if last.FromStageID == nil || *last.FromStageID != s1.ID {
		t.Fatalf("transition from-stage = %v, want %d", last.FromStageID, s1.ID)
	}
}

func TestAttributeSaleSplitsAcrossBoundary(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(100), nil, nil, model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")

	res, err := e.AttributeSale(context.Background(), "show-1", 150)
	if err != nil {
		t.Fatalf("AttributeSale(150) error: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %+v, want a split across two stages", res.Entries)
	}
	if res.Entries[0].StageID != s1.ID || res.Entries[0].Quantity != 100 {
		t.Fatalf("first slice = %+v, want 100 on stage %d", res.Entries[0], s1.ID)
	}
	if res.Entries[1].StageID != s2.ID || res.Entries[1].Quantity != 50 {
		t.Fatalf("second slice = %+v, want 50 on stage %d", res.Entries[1], s2.ID)
	}
	if len(res.Transitions) != 1 || res.Transitions[0].Trigger != model.TriggerQuantityExhausted {
		t.Fatalf("transitions = %+v, want one quantity-exhausted", res.Transitions)
	}
}

func TestAttributeSaleSkipsDateExpiredStageOnRollover(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(10), nil, nil, model.ModifierPercentage, "-20")
	// The middle stage's window closed an hour ago; it must never absorb
	// a rolled-over remainder.
	s2 := addStage(t, e, "show-1", 2, nil, nil, tp(engineEpoch.Add(-time.Hour)), model.ModifierPercentage, "-10")
	s3 := addStage(t, e, "show-1", 3, nil, nil, nil, model.ModifierPercentage, "0")

	res, err := e.AttributeSale(context.Background(), "show-1", 15)
	if err != nil {
		t.Fatalf("AttributeSale(15) error: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %+v, want two slices", res.Entries)
	}
	if res.Entries[0].StageID != s1.ID || res.Entries[0].Quantity != 10 {
		t.Fatalf("first slice = %+v, want 10 on stage %d", res.Entries[0], s1.ID)
	}
	if res.Entries[1].StageID != s3.ID || res.Entries[1].Quantity != 5 {
		t.Fatalf("second slice = %+v, want the remainder on stage %d, not the ended stage %d", res.Entries[1], s3.ID, s2.ID)
	}
	if sold := stageSold(t, e, "show-1", s2.ID); sold != 0 {
		t.Fatalf("ended stage sold = %d, want 0", sold)
	}

	// Both boundary crossings are on the audit log: quantity off s1,
	// date off s2.
	if len(res.Transitions) != 2 {
		t.Fatalf("transitions = %+v, want two", res.Transitions)
	}
	if res.Transitions[0].Trigger != model.TriggerQuantityExhausted || res.Transitions[0].ToStageID != s2.ID {
		t.Fatalf("first transition = %+v, want quantity-exhausted to stage %d", res.Transitions[0], s2.ID)
	}
	if res.Transitions[1].Trigger != model.TriggerDateExpired || res.Transitions[1].ToStageID != s3.ID {
		t.Fatalf("second transition = %+v, want date-expired to stage %d", res.Transitions[1], s3.ID)
	}

	got, err := e.ActiveStage(context.Background(), "show-1")
	if err != nil {
		t.Fatalf("ActiveStage() error: %v", err)
	}
	if got.ID != s3.ID {
		t.Fatalf("active stage after straddle = %d, want %d", got.ID, s3.ID)
	}
}

func TestAttributeSaleTerminalCapRejectsWholeSale(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(10), nil, nil, model.ModifierPercentage, "0")

	_, err := e.AttributeSale(context.Background(), "show-1", 11)
	if !errors.Is(err, store.ErrQuantityExceeded) {
		t.Fatalf("AttributeSale() error = %v, want ErrQuantityExceeded", err)
	}
	// The failed sale must leave no partial attribution behind.
	if sold := stageSold(t, e, "show-1", s1.ID); sold != 0 {
		t.Fatalf("stage sold = %d after rejected sale, want 0", sold)
	}
}

func TestDateExpiredTransition(t *testing.T) {
	e := newTestEngine()
	cutoff := engineEpoch.Add(24 * time.Hour)
	s1 := addStage(t, e, "show-1", 1, nil, nil, tp(cutoff), model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, tp(cutoff), nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	got, err := e.ActiveStage(ctx, "show-1")
	if err != nil {
		t.Fatalf("ActiveStage() error: %v", err)
	}
	if got.ID != s1.ID {
		t.Fatalf("active stage before cutoff = %d, want %d", got.ID, s1.ID)
	}

	// The clock passes the boundary; the next resolution commits the
	// transition exactly once.
	e.Now = func() time.Time { return cutoff.Add(time.Minute) }
	got, err = e.ActiveStage(ctx, "show-1")
	if err != nil {
		t.Fatalf("ActiveStage() after cutoff error: %v", err)
	}
	if got.ID != s2.ID {
		t.Fatalf("active stage after cutoff = %d, want %d", got.ID, s2.ID)
	}

	trs, err := e.TransitionLog(ctx, "show-1")
	if err != nil {
		t.Fatalf("TransitionLog() error: %v", err)
	}
	var dated int
	for _, tr := range trs {
		if tr.Trigger == model.TriggerDateExpired {
			dated++
		}
	}
	if dated != 1 {
		t.Fatalf("date-expired transitions = %d, want exactly 1", dated)
	}

	// Re-resolving must not duplicate the transition.
	if _, err := e.ActiveStage(ctx, "show-1"); err != nil {
		t.Fatalf("ActiveStage() re-resolve error: %v", err)
	}
	trs, _ = e.TransitionLog(ctx, "show-1")
	dated = 0
	for _, tr := range trs {
		if tr.Trigger == model.TriggerDateExpired {
			dated++
		}
	}
	if dated != 1 {
		t.Fatalf("date-expired transitions after re-resolve = %d, want 1", dated)
	}
}

func TestConcurrentAttributionsRespectCap(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(10), nil, nil, model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	const buyers = 50
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.AttributeSale(ctx, "show-1", 1); err != nil {
				t.Errorf("AttributeSale() error: %v", err)
			}
		}()
	}
	wg.Wait()

	early := stageSold(t, e, "show-1", s1.ID)
	late := stageSold(t, e, "show-1", s2.ID)
	if early != 10 {
		t.Fatalf("early stage sold = %d, want exactly its limit of 10", early)
	}
	if early+late != buyers {
		t.Fatalf("total sold = %d, want %d", early+late, buyers)
	}
}

func TestReleaseNeverReopensStage(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(10), nil, nil, model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	if _, err := e.AttributeSale(ctx, "show-1", 11); err != nil {
		t.Fatalf("AttributeSale(11) error: %v", err)
	}
	if err := e.ReleaseAttribution(ctx, "show-1", s1.ID, 5); err != nil {
		t.Fatalf("ReleaseAttribution() error: %v", err)
	}
	if sold := stageSold(t, e, "show-1", s1.ID); sold != 5 {
		t.Fatalf("early stage sold after release = %d, want 5", sold)
	}

	// Even though the early stage has room again, the scope stays on the
	// later stage: transitions are one-directional.
	got, err := e.ActiveStage(ctx, "show-1")
	if err != nil {
		t.Fatalf("ActiveStage() error: %v", err)
	}
	if got.ID != s2.ID {
		t.Fatalf("active stage after release = %d, want %d", got.ID, s2.ID)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	if _, err := e.AttributeSale(ctx, "show-1", 3); err != nil {
		t.Fatalf("AttributeSale(3) error: %v", err)
	}
	if err := e.ReleaseAttribution(ctx, "show-1", s1.ID, 10); err != nil {
		t.Fatalf("ReleaseAttribution() error: %v", err)
	}
	if sold := stageSold(t, e, "show-1", s1.ID); sold != 0 {
		t.Fatalf("sold after over-release = %d, want 0", sold)
	}
}

func TestReleaseUnknownStage(t *testing.T) {
	e := newTestEngine()
	addStage(t, e, "show-1", 1, nil, nil, nil, model.ModifierPercentage, "0")
	err := e.ReleaseAttribution(context.Background(), "show-1", 9999, 1)
	if !errors.Is(err, store.ErrStageNotFound) {
		t.Fatalf("ReleaseAttribution() error = %v, want ErrStageNotFound", err)
	}
}

func TestAdvanceManualTransition(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(100), nil, nil, model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	tr, err := e.Advance(ctx, "show-1")
	if err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if tr.Trigger != model.TriggerManual || tr.ToStageID != s2.ID {
		t.Fatalf("transition = %+v, want manual to stage %d", tr, s2.ID)
	}
	if tr.FromStageID == nil || *tr.FromStageID != s1.ID {
		t.Fatalf("transition from-stage = %v, want %d", tr.FromStageID, s1.ID)
	}

	// On the last stage there is nothing to advance to.
	if _, err := e.Advance(ctx, "show-1"); !errors.Is(err, store.ErrStageNotFound) {
		t.Fatalf("Advance() at last stage error = %v, want ErrStageNotFound", err)
	}
}

func TestConfigureStageValidation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	bad := &model.PriceStage{ScopeID: "show-1", Ordinal: 1, ModifierType: "HALF_OFF", ModifierValue: decimal.Zero}
	if err := e.ConfigureStage(ctx, bad); err == nil {
		t.Fatal("ConfigureStage() accepted an unknown modifier type")
	}

	addStage(t, e, "show-1", 1, i64(100), nil, nil, model.ModifierPercentage, "-20")
	dup := &model.PriceStage{ScopeID: "show-1", Ordinal: 1, ModifierType: model.ModifierFixed, ModifierValue: decimal.Zero}
	if err := e.ConfigureStage(ctx, dup); err == nil {
		t.Fatal("ConfigureStage() accepted a duplicate ordinal")
	}

	neg := &model.PriceStage{ScopeID: "show-1", Ordinal: 2, QuantityLimit: i64(0), ModifierType: model.ModifierFixed, ModifierValue: decimal.Zero}
	if err := e.ConfigureStage(ctx, neg); err == nil {
		t.Fatal("ConfigureStage() accepted a zero quantity limit")
	}
}

func TestConfigureStageRejectsOverlappingDates(t *testing.T) {
	e := newTestEngine()
	mid := engineEpoch.Add(24 * time.Hour)
	addStage(t, e, "show-1", 1, nil, tp(engineEpoch), tp(mid), model.ModifierPercentage, "-20")

	overlapping := &model.PriceStage{
		ScopeID:       "show-1",
		Ordinal:       2,
		StartAt:       tp(mid.Add(-time.Hour)),
		ModifierType:  model.ModifierPercentage,
		ModifierValue: decimal.Zero,
	}
	if err := e.ConfigureStage(context.Background(), overlapping); err == nil {
		t.Fatal("ConfigureStage() accepted an overlapping date range")
	}
}

func TestDisableStageFallsBackToEarliest(t *testing.T) {
	e := newTestEngine()
	s1 := addStage(t, e, "show-1", 1, i64(10), nil, nil, model.ModifierPercentage, "-20")
	s2 := addStage(t, e, "show-1", 2, nil, nil, nil, model.ModifierPercentage, "0")
	ctx := context.Background()

	if _, err := e.Advance(ctx, "show-1"); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	if err := e.DisableStage(ctx, "show-1", s2.ID); err != nil {
		t.Fatalf("DisableStage() error: %v", err)
	}

	got, err := e.ActiveStage(ctx, "show-1")
	if err != nil {
		t.Fatalf("ActiveStage() error: %v", err)
	}
	if got.ID != s1.ID {
		t.Fatalf("active stage after disabling current = %d, want fallback to %d", got.ID, s1.ID)
	}
}

func TestQuotePriceAppliesRowMarkup(t *testing.T) {
	e := newTestEngine()
	addStage(t, e, "show-1", 1, nil, nil, nil, model.ModifierPercentage, "-20")
	ctx := context.Background()

	if err := e.SetRowMarkup(ctx, "show-1", "B", decimal.RequireFromString("10")); err != nil {
		t.Fatalf("SetRowMarkup() error: %v", err)
	}

	q, err := e.QuotePrice(ctx, "show-1", decimal.RequireFromString("25.00"), "B")
	if err != nil {
		t.Fatalf("QuotePrice() error: %v", err)
	}
	// 25.00 - 20% = 20.00; +10% row markup = 22.00.
	if !q.FinalPrice.Equal(decimal.RequireFromString("22.00")) {
		t.Fatalf("final price = %s, want 22.00", q.FinalPrice)
	}

	// An unconfigured row carries no markup.
	q, err = e.QuotePrice(ctx, "show-1", decimal.RequireFromString("25.00"), "Z")
	if err != nil {
		t.Fatalf("QuotePrice() error: %v", err)
	}
	if !q.FinalPrice.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("final price without markup = %s, want 20.00", q.FinalPrice)
	}
}
