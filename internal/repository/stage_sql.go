package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/store"
)

// StagesForScope returns the scope's enabled stages in ordinal order.
func (t *sqlTx) StagesForScope(ctx context.Context, scopeID string) ([]model.PriceStage, error) {
	return listStages(ctx, t.tx, scopeID)
}

// InsertStage creates a stage row and populates the generated ID.  The
// unique index on (scope_id, ordinal) backstops the engine's validation.
func (t *sqlTx) InsertStage(ctx context.Context, s *model.PriceStage) error {
	const q = `INSERT INTO price_stages
	           (scope_id, ordinal, start_at, end_at, quantity_limit, modifier_type, modifier_value, disabled)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := t.tx.ExecContext(ctx, q,
		s.ScopeID, s.Ordinal, nullTime(s.StartAt), nullTime(s.EndAt),
		nullInt(s.QuantityLimit), s.ModifierType, s.ModifierValue, s.Disabled,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	// Query back to pick up DB defaults.
	const sel = `SELECT created_at FROM price_stages WHERE id = ?`
	return t.tx.QueryRowContext(ctx, sel, s.ID).Scan(&s.CreatedAt)
}

// DisableStage soft-deletes a stage within its scope.
func (t *sqlTx) DisableStage(ctx context.Context, scopeID string, stageID uint64) error {
	const q = `UPDATE price_stages SET disabled = 1 WHERE id = ? AND scope_id = ?`
	res, err := t.tx.ExecContext(ctx, q, stageID, scopeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStageNotFound
	}
	return nil
}

// ScopeStateForUpdate locks the scope's current-stage pointer.  This row
// is the single serialization point for all transitions of the scope.
// Returns nil when the scope has never been resolved.
func (t *sqlTx) ScopeStateForUpdate(ctx context.Context, scopeID string) (*model.ScopeState, error) {
	const q = `SELECT scope_id, current_ordinal, updated_at
	           FROM scope_states WHERE scope_id = ? FOR UPDATE`
	var st model.ScopeState
	err := t.tx.QueryRowContext(ctx, q, scopeID).Scan(&st.ScopeID, &st.CurrentOrdinal, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveScopeState upserts the current-stage pointer.
func (t *sqlTx) SaveScopeState(ctx context.Context, st *model.ScopeState) error {
	const q = `INSERT INTO scope_states (scope_id, current_ordinal)
	           VALUES (?, ?)
	           ON DUPLICATE KEY UPDATE current_ordinal = VALUES(current_ordinal),
	                                   updated_at = UTC_TIMESTAMP()`
	_, err := t.tx.ExecContext(ctx, q, st.ScopeID, st.CurrentOrdinal)
	return err
}

// StageSalesForUpdate locks and returns the sold counter of a stage,
// creating the row at zero on first touch.
func (t *sqlTx) StageSalesForUpdate(ctx context.Context, scopeID string, stageID uint64) (int64, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT IGNORE INTO stage_sales (stage_id, scope_id, quantity_sold) VALUES (?, ?, 0)`,
		stageID, scopeID,
	); err != nil {
		return 0, err
	}
	const q = `SELECT quantity_sold FROM stage_sales WHERE stage_id = ? FOR UPDATE`
	var sold int64
	if err := t.tx.QueryRowContext(ctx, q, stageID).Scan(&sold); err != nil {
		return 0, err
	}
	return sold, nil
}

// SaveStageSales persists the sold counter of a locked stage.
func (t *sqlTx) SaveStageSales(ctx context.Context, scopeID string, stageID uint64, quantitySold int64) error {
	const q = `UPDATE stage_sales SET quantity_sold = ?, updated_at = UTC_TIMESTAMP() WHERE stage_id = ?`
	_, err := t.tx.ExecContext(ctx, q, quantitySold, stageID)
	return err
}

// AppendTransition writes one immutable audit record.
func (t *sqlTx) AppendTransition(ctx context.Context, tr *model.StageTransition) error {
	const q = `INSERT INTO stage_transitions (scope_id, from_stage_id, to_stage_id, trigger_type, occurred_at)
	           VALUES (?, ?, ?, ?, ?)`
	res, err := t.tx.ExecContext(ctx, q,
		tr.ScopeID, nullUint(tr.FromStageID), tr.ToStageID, tr.Trigger,
		tr.OccurredAt.UTC().Format(dbTime),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	tr.ID = uint64(id)
	return nil
}

// RowMarkup returns the configured percentage markup for a seat row.
func (t *sqlTx) RowMarkup(ctx context.Context, scopeID, row string) (decimal.Decimal, bool, error) {
	const q = `SELECT markup_pct FROM row_markups WHERE scope_id = ? AND row_label = ?`
	var pct decimal.Decimal
	err := t.tx.QueryRowContext(ctx, q, scopeID, row).Scan(&pct)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return pct, true, nil
}

// SetRowMarkup upserts a seat-row markup.
func (t *sqlTx) SetRowMarkup(ctx context.Context, scopeID, row string, pct decimal.Decimal) error {
	const q = `INSERT INTO row_markups (scope_id, row_label, markup_pct)
	           VALUES (?, ?, ?)
	           ON DUPLICATE KEY UPDATE markup_pct = VALUES(markup_pct)`
	_, err := t.tx.ExecContext(ctx, q, scopeID, row, pct)
	return err
}

// StagesForScope on the store serves the lock-free read path.
func (s *SQLStore) StagesForScope(ctx context.Context, scopeID string) ([]model.PriceStage, error) {
	stages, err := listStages(ctx, s.db, scopeID)
	return stages, mapSQLError(err)
}

// Transitions returns the scope's audit log, oldest first.
func (s *SQLStore) Transitions(ctx context.Context, scopeID string) ([]model.StageTransition, error) {
	const q = `SELECT id, scope_id, from_stage_id, to_stage_id, trigger_type, occurred_at
	           FROM stage_transitions WHERE scope_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, scopeID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	out := make([]model.StageTransition, 0)
	for rows.Next() {
		var tr model.StageTransition
		var from sql.NullInt64
		if err := rows.Scan(&tr.ID, &tr.ScopeID, &from, &tr.ToStageID, &tr.Trigger, &tr.OccurredAt); err != nil {
			return nil, err
		}
		if from.Valid {
			v := uint64(from.Int64)
			tr.FromStageID = &v
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func listStages(ctx context.Context, q querier, scopeID string) ([]model.PriceStage, error) {
	const query = `SELECT id, scope_id, ordinal, start_at, end_at, quantity_limit,
	                      modifier_type, modifier_value, disabled, created_at
	               FROM price_stages
	               WHERE scope_id = ? AND disabled = 0
	               ORDER BY ordinal`
	rows, err := q.QueryContext(ctx, query, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.PriceStage, 0)
	for rows.Next() {
		var s model.PriceStage
		var startAt, endAt sql.NullTime
		var limit sql.NullInt64
		if err := rows.Scan(&s.ID, &s.ScopeID, &s.Ordinal, &startAt, &endAt, &limit,
			&s.ModifierType, &s.ModifierValue, &s.Disabled, &s.CreatedAt); err != nil {
			return nil, err
		}
		if startAt.Valid {
			v := startAt.Time.UTC()
			s.StartAt = &v
		}
		if endAt.Valid {
			v := endAt.Time.UTC()
			s.EndAt = &v
		}
		if limit.Valid {
			v := limit.Int64
			s.QuantityLimit = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(dbTime)
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullUint(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
