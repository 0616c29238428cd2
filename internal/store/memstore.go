package store

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/model"
)

// MemStore is an in-memory Store with the same transactional semantics as
// the MySQL implementation: WithinTx runs under an exclusive latch that
// stands in for row locks, mutations are staged on a copy of the data and
// only swapped in on commit, and a caller whose context expires while
// waiting for the latch gets ErrContention.  It backs the service tests
// and can be selected with STORE_DRIVER=memory for local runs.
type MemStore struct {
	latch chan struct{}
	data  *memData
}

type counterKey struct {
	tenant  uint64
	channel string
}

type memData struct {
	counters    map[counterKey]model.FiscalSeriesCounter
	blocks      map[counterKey]model.OfflineBlock
	merged      map[counterKey]map[int64]bool
	stages      map[string][]model.PriceStage
	states      map[string]model.ScopeState
	sales       map[uint64]int64
	transitions map[string][]model.StageTransition
	rowMarkups  map[string]decimal.Decimal
	nextStageID uint64
	nextTransID uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		latch: make(chan struct{}, 1),
		data: &memData{
			counters:    map[counterKey]model.FiscalSeriesCounter{},
			blocks:      map[counterKey]model.OfflineBlock{},
			merged:      map[counterKey]map[int64]bool{},
			stages:      map[string][]model.PriceStage{},
			states:      map[string]model.ScopeState{},
			sales:       map[uint64]int64{},
			transitions: map[string][]model.StageTransition{},
			rowMarkups:  map[string]decimal.Decimal{},
			nextStageID: 1,
			nextTransID: 1,
		},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		counters:    make(map[counterKey]model.FiscalSeriesCounter, len(d.counters)),
		blocks:      make(map[counterKey]model.OfflineBlock, len(d.blocks)),
		merged:      make(map[counterKey]map[int64]bool, len(d.merged)),
		stages:      make(map[string][]model.PriceStage, len(d.stages)),
		states:      make(map[string]model.ScopeState, len(d.states)),
		sales:       make(map[uint64]int64, len(d.sales)),
		transitions: make(map[string][]model.StageTransition, len(d.transitions)),
		rowMarkups:  make(map[string]decimal.Decimal, len(d.rowMarkups)),
		nextStageID: d.nextStageID,
		nextTransID: d.nextTransID,
	}
	for k, v := range d.counters {
		c.counters[k] = v
	}
	for k, v := range d.blocks {
		c.blocks[k] = v
	}
	for k, set := range d.merged {
		cp := make(map[int64]bool, len(set))
		for n := range set {
			cp[n] = true
		}
		c.merged[k] = cp
	}
	for k, v := range d.stages {
		c.stages[k] = append([]model.PriceStage(nil), v...)
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	for k, v := range d.sales {
		c.sales[k] = v
	}
	for k, v := range d.transitions {
		c.transitions[k] = append([]model.StageTransition(nil), v...)
	}
	for k, v := range d.rowMarkups {
		c.rowMarkups[k] = v
	}
	return c
}

// acquire takes the latch or fails with ErrContention when ctx ends first.
func (m *MemStore) acquire(ctx context.Context) error {
	select {
	case m.latch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrContention
	}
}

func (m *MemStore) release() { <-m.latch }

// WithinTx stages fn's mutations on a copy of the data and swaps the copy
// in only when fn returns nil, mirroring commit/rollback.
func (m *MemStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	staged := m.data.clone()
	if err := fn(&memTx{d: staged}); err != nil {
		return err
	}
	m.data = staged
	return nil
}

// StagesForScope serves the lock-free read path.
func (m *MemStore) StagesForScope(ctx context.Context, scopeID string) ([]model.PriceStage, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return (&memTx{d: m.data}).StagesForScope(ctx, scopeID)
}

// Transitions returns the scope's audit log, oldest first.
func (m *MemStore) Transitions(ctx context.Context, scopeID string) ([]model.StageTransition, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return append([]model.StageTransition(nil), m.data.transitions[scopeID]...), nil
}

// ListBlocks returns a tenant's offline blocks ordered by range start.
func (m *MemStore) ListBlocks(ctx context.Context, tenantID uint64) ([]model.OfflineBlock, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return (&memTx{d: m.data}).ListBlocks(ctx, tenantID)
}

// memTx operates on the staged copy.  The latch is already held for the
// whole transaction, so no per-row locking is needed here.
type memTx struct {
	d *memData
}

func (t *memTx) CounterForUpdate(ctx context.Context, tenantID uint64, channelID string) (*model.FiscalSeriesCounter, error) {
	k := counterKey{tenantID, channelID}
	c, ok := t.d.counters[k]
	if !ok {
		if channelID != model.ChannelOnline {
			return nil, ErrChannelNotFound
		}
		c = model.FiscalSeriesCounter{TenantID: tenantID, ChannelID: channelID, UpdatedAt: time.Now().UTC()}
		t.d.counters[k] = c
	}
	cp := c
	return &cp, nil
}

func (t *memTx) SaveCounter(ctx context.Context, c *model.FiscalSeriesCounter) error {
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	t.d.counters[counterKey{c.TenantID, c.ChannelID}] = cp
	return nil
}

func (t *memTx) BlockForUpdate(ctx context.Context, tenantID uint64, channelID string) (*model.OfflineBlock, error) {
	b, ok := t.d.blocks[counterKey{tenantID, channelID}]
	if !ok {
		return nil, ErrChannelNotFound
	}
	cp := b
	return &cp, nil
}

func (t *memTx) InsertBlock(ctx context.Context, b *model.OfflineBlock) error {
	k := counterKey{b.TenantID, b.ChannelID}
	t.d.blocks[k] = *b
	t.d.counters[k] = model.FiscalSeriesCounter{
		TenantID:   b.TenantID,
		ChannelID:  b.ChannelID,
		LastIssued: b.RangeStart - 1,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (t *memTx) SaveBlock(ctx context.Context, b *model.OfflineBlock) error {
	t.d.blocks[counterKey{b.TenantID, b.ChannelID}] = *b
	return nil
}

func (t *memTx) ListBlocks(ctx context.Context, tenantID uint64) ([]model.OfflineBlock, error) {
	out := make([]model.OfflineBlock, 0)
	for k, b := range t.d.blocks {
		if k.tenant == tenantID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RangeStart < out[j].RangeStart })
	return out, nil
}

func (t *memTx) MergedNumbers(ctx context.Context, tenantID uint64, channelID string) (map[int64]bool, error) {
	set := t.d.merged[counterKey{tenantID, channelID}]
	cp := make(map[int64]bool, len(set))
	for n := range set {
		cp[n] = true
	}
	return cp, nil
}

func (t *memTx) AddMergedNumbers(ctx context.Context, tenantID uint64, channelID string, numbers []int64) error {
	k := counterKey{tenantID, channelID}
	set := t.d.merged[k]
	if set == nil {
		set = map[int64]bool{}
		t.d.merged[k] = set
	}
	for _, n := range numbers {
		if set[n] {
			return ErrDuplicateSeriesNumber
		}
		set[n] = true
	}
	return nil
}

func (t *memTx) StagesForScope(ctx context.Context, scopeID string) ([]model.PriceStage, error) {
	out := make([]model.PriceStage, 0)
	for _, s := range t.d.stages[scopeID] {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (t *memTx) InsertStage(ctx context.Context, s *model.PriceStage) error {
	s.ID = t.d.nextStageID
	t.d.nextStageID++
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	t.d.stages[s.ScopeID] = append(t.d.stages[s.ScopeID], *s)
	return nil
}

func (t *memTx) DisableStage(ctx context.Context, scopeID string, stageID uint64) error {
	stages := t.d.stages[scopeID]
	for i := range stages {
		if stages[i].ID == stageID {
			stages[i].Disabled = true
			return nil
		}
	}
	return ErrStageNotFound
}

func (t *memTx) ScopeStateForUpdate(ctx context.Context, scopeID string) (*model.ScopeState, error) {
	st, ok := t.d.states[scopeID]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (t *memTx) SaveScopeState(ctx context.Context, st *model.ScopeState) error {
	cp := *st
	cp.UpdatedAt = time.Now().UTC()
	t.d.states[st.ScopeID] = cp
	return nil
}

func (t *memTx) StageSalesForUpdate(ctx context.Context, scopeID string, stageID uint64) (int64, error) {
	return t.d.sales[stageID], nil
}

func (t *memTx) SaveStageSales(ctx context.Context, scopeID string, stageID uint64, quantitySold int64) error {
	t.d.sales[stageID] = quantitySold
	return nil
}

func (t *memTx) AppendTransition(ctx context.Context, tr *model.StageTransition) error {
	tr.ID = t.d.nextTransID
	t.d.nextTransID++
	t.d.transitions[tr.ScopeID] = append(t.d.transitions[tr.ScopeID], *tr)
	return nil
}

func (t *memTx) RowMarkup(ctx context.Context, scopeID, row string) (decimal.Decimal, bool, error) {
	pct, ok := t.d.rowMarkups[scopeID+"\x00"+row]
	return pct, ok, nil
}

func (t *memTx) SetRowMarkup(ctx context.Context, scopeID, row string, pct decimal.Decimal) error {
	t.d.rowMarkups[scopeID+"\x00"+row] = pct
	return nil
}

var _ Store = (*MemStore)(nil)
var _ Tx = (*memTx)(nil)
