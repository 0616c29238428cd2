package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/store"
)

// CounterForUpdate locks the series counter row for (tenant, channel).
// The lock is held until the surrounding transaction ends, so the whole
// read-increment-write of an issuance is one critical section.  The
// online counter row is created lazily; an offline channel without a
// counter row was never provisioned.
func (t *sqlTx) CounterForUpdate(ctx context.Context, tenantID uint64, channelID string) (*model.FiscalSeriesCounter, error) {
	if channelID == model.ChannelOnline {
		// INSERT IGNORE keeps the lazy creation race-free: losers of the
		// race fall through to the locking select below.
		if _, err := t.tx.ExecContext(ctx,
			`INSERT IGNORE INTO fiscal_series_counters (tenant_id, channel_id, last_issued) VALUES (?, ?, 0)`,
			tenantID, channelID,
		); err != nil {
			return nil, err
		}
	}
	const q = `SELECT tenant_id, channel_id, last_issued, updated_at
	           FROM fiscal_series_counters
	           WHERE tenant_id = ? AND channel_id = ?
	           FOR UPDATE`
	var c model.FiscalSeriesCounter
	err := t.tx.QueryRowContext(ctx, q, tenantID, channelID).Scan(
		&c.TenantID, &c.ChannelID, &c.LastIssued, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCounter persists a counter previously locked with CounterForUpdate.
func (t *sqlTx) SaveCounter(ctx context.Context, c *model.FiscalSeriesCounter) error {
	const q = `UPDATE fiscal_series_counters
	           SET last_issued = ?, updated_at = UTC_TIMESTAMP()
	           WHERE tenant_id = ? AND channel_id = ?`
	_, err := t.tx.ExecContext(ctx, q, c.LastIssued, c.TenantID, c.ChannelID)
	return err
}

// BlockForUpdate locks an offline block row.
func (t *sqlTx) BlockForUpdate(ctx context.Context, tenantID uint64, channelID string) (*model.OfflineBlock, error) {
	const q = `SELECT tenant_id, channel_id, range_start, range_end, issued_at, expires_at, status
	           FROM offline_blocks
	           WHERE tenant_id = ? AND channel_id = ?
	           FOR UPDATE`
	var b model.OfflineBlock
	err := t.tx.QueryRowContext(ctx, q, tenantID, channelID).Scan(
		&b.TenantID, &b.ChannelID, &b.RangeStart, &b.RangeEnd, &b.IssuedAt, &b.ExpiresAt, &b.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertBlock creates the block and its channel counter in one go.  The
// counter starts just below the range so the first issuance yields
// range_start.
func (t *sqlTx) InsertBlock(ctx context.Context, b *model.OfflineBlock) error {
	const blockQ = `INSERT INTO offline_blocks
	                (tenant_id, channel_id, range_start, range_end, issued_at, expires_at, status)
	                VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, blockQ,
		b.TenantID, b.ChannelID, b.RangeStart, b.RangeEnd,
		b.IssuedAt.UTC().Format(dbTime), b.ExpiresAt.UTC().Format(dbTime), b.Status,
	); err != nil {
		return err
	}
	const counterQ = `INSERT INTO fiscal_series_counters (tenant_id, channel_id, last_issued)
	                  VALUES (?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, counterQ, b.TenantID, b.ChannelID, b.RangeStart-1)
	return err
}

// SaveBlock persists status changes of a locked block.
func (t *sqlTx) SaveBlock(ctx context.Context, b *model.OfflineBlock) error {
	const q = `UPDATE offline_blocks SET status = ? WHERE tenant_id = ? AND channel_id = ?`
	_, err := t.tx.ExecContext(ctx, q, b.Status, b.TenantID, b.ChannelID)
	return err
}

// ListBlocks returns all blocks of a tenant ordered by range start.
func (t *sqlTx) ListBlocks(ctx context.Context, tenantID uint64) ([]model.OfflineBlock, error) {
	return listBlocks(ctx, t.tx, tenantID)
}

// MergedNumbers returns the numbers already synchronized for a block.
func (t *sqlTx) MergedNumbers(ctx context.Context, tenantID uint64, channelID string) (map[int64]bool, error) {
	const q = `SELECT series_number FROM offline_sales WHERE tenant_id = ? AND channel_id = ?`
	rows, err := t.tx.QueryContext(ctx, q, tenantID, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := make(map[int64]bool)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		set[n] = true
	}
	return set, rows.Err()
}

// AddMergedNumbers bulk-inserts accepted numbers.  The primary key on
// (tenant_id, series_number) turns any race into a duplicate-key error,
// surfaced as ErrDuplicateSeriesNumber by the transaction wrapper.
func (t *sqlTx) AddMergedNumbers(ctx context.Context, tenantID uint64, channelID string, numbers []int64) error {
	if len(numbers) == 0 {
		return nil
	}
	query := `INSERT INTO offline_sales (tenant_id, channel_id, series_number) VALUES `
	args := make([]interface{}, 0, len(numbers)*3)
	for i, n := range numbers {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, tenantID, channelID, n)
	}
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

// ListBlocks on the store serves callers outside a transaction.
func (s *SQLStore) ListBlocks(ctx context.Context, tenantID uint64) ([]model.OfflineBlock, error) {
	blocks, err := listBlocks(ctx, s.db, tenantID)
	return blocks, mapSQLError(err)
}

// querier abstracts *sql.DB and *sql.Tx for shared read helpers.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

const dbTime = "2006-01-02 15:04:05"

func listBlocks(ctx context.Context, q querier, tenantID uint64) ([]model.OfflineBlock, error) {
	const query = `SELECT tenant_id, channel_id, range_start, range_end, issued_at, expires_at, status
	               FROM offline_blocks
	               WHERE tenant_id = ?
	               ORDER BY range_start`
	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.OfflineBlock, 0)
	for rows.Next() {
		var b model.OfflineBlock
		if err := rows.Scan(&b.TenantID, &b.ChannelID, &b.RangeStart, &b.RangeEnd, &b.IssuedAt, &b.ExpiresAt, &b.Status); err != nil {
			return nil, err
		}
		b.Status = strings.ToUpper(b.Status)
		out = append(out, b)
	}
	return out, rows.Err()
}
