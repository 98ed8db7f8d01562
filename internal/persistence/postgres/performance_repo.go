package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// performanceRepo implements PerformanceRepo for PostgreSQL
type performanceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPerformanceRepo creates a new PostgreSQL performance repository
func NewPerformanceRepo(db *sqlx.DB, timeout time.Duration) persistence.PerformanceRepo {
	return &performanceRepo{
		db:      db,
		timeout: timeout,
	}
}

const recordColumns = `id, ticker, entry_date, entry_price, exit_date, exit_price,
	exit_reason, status, return_pct, is_winner, created_at, updated_at`

// Open inserts a new ACTIVE record; the (ticker, entry_date) unique key and
// the partial one-ACTIVE-per-ticker index make retries no-ops.
func (r *performanceRepo) Open(ctx context.Context, rec persistence.PerformanceRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO performance (ticker, entry_date, entry_price, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ticker, entry_date) DO NOTHING
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		rec.Ticker, persistence.Day(rec.EntryDate), rec.EntryPrice, persistence.RecordActive).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Lost the one-ACTIVE-per-ticker race; treat as already open.
			return false, nil
		}
		return false, storeErr("open performance record", err)
	}
	return true, nil
}

// GetActive returns the ACTIVE record for a ticker, or nil
func (r *performanceRepo) GetActive(ctx context.Context, ticker string) (*persistence.PerformanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM performance
		WHERE ticker = $1 AND status = $2
		ORDER BY entry_date DESC
		LIMIT 1`, recordColumns)

	row := r.db.QueryRowxContext(ctx, query, ticker, persistence.RecordActive)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("get active performance record", err)
	}
	return rec, nil
}

// Close transitions an ACTIVE record to CLOSED; status-gated for idempotency
func (r *performanceRepo) Close(ctx context.Context, id int64, exitDate time.Time, exitPrice float64, reason persistence.ExitReason, returnPct float64, isWinner bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE performance
		SET exit_date = $1, exit_price = $2, exit_reason = $3,
		    return_pct = $4, is_winner = $5, status = $6, updated_at = now()
		WHERE id = $7 AND status = $8`

	res, err := r.db.ExecContext(ctx, query,
		persistence.Day(exitDate), exitPrice, reason,
		returnPct, isWinner, persistence.RecordClosed,
		id, persistence.RecordActive)
	if err != nil {
		return false, storeErr("close performance record", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("close performance record", err)
	}
	return n > 0, nil
}

// ListRange retrieves records with entry_date inside the range
func (r *performanceRepo) ListRange(ctx context.Context, tr persistence.TimeRange, f persistence.RecordFilter) ([]persistence.PerformanceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		conds = []string{"entry_date >= $1", "entry_date <= $2"}
		args  = []interface{}{persistence.Day(tr.From), persistence.Day(tr.To)}
	)
	if f.Ticker != "" {
		args = append(args, f.Ticker)
		conds = append(conds, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM performance
		WHERE %s
		ORDER BY ticker, entry_date`, recordColumns, strings.Join(conds, " AND "))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list performance range", err)
	}
	defer rows.Close()

	var records []persistence.PerformanceRecord
	for rows.Next() {
		rec, err := scanRecordFromRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate performance rows", err)
	}
	return records, nil
}

// Helper methods

func scanRecord(row *sqlx.Row) (*persistence.PerformanceRecord, error) {
	var rec persistence.PerformanceRecord
	var reason sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Ticker, &rec.EntryDate, &rec.EntryPrice,
		&rec.ExitDate, &rec.ExitPrice, &reason, &rec.Status,
		&rec.ReturnPct, &rec.IsWinner, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if reason.Valid {
		er := persistence.ExitReason(reason.String)
		rec.ExitReason = &er
	}
	return &rec, nil
}

func scanRecordFromRows(rows *sqlx.Rows) (*persistence.PerformanceRecord, error) {
	var rec persistence.PerformanceRecord
	var reason sql.NullString

	err := rows.Scan(
		&rec.ID, &rec.Ticker, &rec.EntryDate, &rec.EntryPrice,
		&rec.ExitDate, &rec.ExitPrice, &reason, &rec.Status,
		&rec.ReturnPct, &rec.IsWinner, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan performance row: %w", err)
	}

	if reason.Valid {
		er := persistence.ExitReason(reason.String)
		rec.ExitReason = &er
	}
	return &rec, nil
}
