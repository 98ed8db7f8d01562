package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// signalsRepo implements SignalRepo for PostgreSQL
type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates a new PostgreSQL signals repository
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalRepo {
	return &signalsRepo{
		db:      db,
		timeout: timeout,
	}
}

const signalColumns = `ticker, scan_date, status, streak_days, first_detected_date,
	last_active_date, run_id, run_seq, payload, created_at, updated_at`

// BeginRun allocates the next run sequence for a scan date
func (r *signalsRepo) BeginRun(ctx context.Context, scanDate time.Time, runID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO tracker_runs (scan_date, run_seq, run_id)
		SELECT $1, COALESCE(MAX(run_seq), 0) + 1, $2
		FROM tracker_runs
		WHERE scan_date = $1
		RETURNING run_seq`

	var seq int64
	err := r.db.QueryRowxContext(ctx, query, persistence.Day(scanDate), runID).Scan(&seq)
	if err != nil {
		return 0, storeErr("begin run", err)
	}
	return seq, nil
}

// Upsert inserts or updates the signal row keyed on (ticker, scan_date)
func (r *signalsRepo) Upsert(ctx context.Context, sig persistence.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(sig.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO signals (ticker, scan_date, status, streak_days,
			first_detected_date, last_active_date, run_id, run_seq, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ticker, scan_date) DO UPDATE SET
			status = EXCLUDED.status,
			streak_days = EXCLUDED.streak_days,
			first_detected_date = EXCLUDED.first_detected_date,
			last_active_date = EXCLUDED.last_active_date,
			run_id = EXCLUDED.run_id,
			run_seq = EXCLUDED.run_seq,
			payload = EXCLUDED.payload,
			updated_at = now()`

	_, err = r.db.ExecContext(ctx, query,
		sig.Ticker, persistence.Day(sig.ScanDate), sig.Status, sig.StreakDays,
		persistence.Day(sig.FirstDetected), persistence.Day(sig.LastActive),
		sig.RunID, sig.RunSeq, payloadJSON)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("signal upsert conflict: %w", persistence.ErrDuplicateRow)
		}
		return storeErr("upsert signal", err)
	}
	return nil
}

// ListAt retrieves all rows at an exact scan date
func (r *signalsRepo) ListAt(ctx context.Context, scanDate time.Time) ([]persistence.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM signals
		WHERE scan_date = $1
		ORDER BY ticker`, signalColumns)

	rows, err := r.db.QueryxContext(ctx, query, persistence.Day(scanDate))
	if err != nil {
		return nil, storeErr("list signals at date", err)
	}
	defer rows.Close()

	return r.scanSignals(rows)
}

// ListActiveWithin retrieves NEW/CONTINUING rows last active inside [from, to]
func (r *signalsRepo) ListActiveWithin(ctx context.Context, from, to time.Time) ([]persistence.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM signals
		WHERE status = ANY($1)
		  AND last_active_date >= $2 AND last_active_date <= $3
		ORDER BY ticker, scan_date`, signalColumns)

	rows, err := r.db.QueryxContext(ctx, query,
		pq.Array(statusStrings(persistence.ActiveStatuses)),
		persistence.Day(from), persistence.Day(to))
	if err != nil {
		return nil, storeErr("list active signals", err)
	}
	defer rows.Close()

	return r.scanSignals(rows)
}

// MarkEnded transitions a still-active row to ENDED
func (r *signalsRepo) MarkEnded(ctx context.Context, ticker string, scanDate time.Time, endedAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signals
		SET status = $1, updated_at = now()
		WHERE ticker = $2 AND scan_date = $3 AND status = ANY($4)`

	res, err := r.db.ExecContext(ctx, query,
		persistence.StatusEnded, ticker, persistence.Day(scanDate),
		pq.Array(statusStrings(persistence.ActiveStatuses)))
	if err != nil {
		return false, storeErr("mark signal ended", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark signal ended", err)
	}
	return n > 0, nil
}

// ListRange retrieves rows inside the date range with optional filters
func (r *signalsRepo) ListRange(ctx context.Context, tr persistence.TimeRange, f persistence.SignalFilter) ([]persistence.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		conds = []string{"scan_date >= $1", "scan_date <= $2"}
		args  = []interface{}{persistence.Day(tr.From), persistence.Day(tr.To)}
	)
	if f.Ticker != "" {
		args = append(args, f.Ticker)
		conds = append(conds, fmt.Sprintf("ticker = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM signals
		WHERE %s
		ORDER BY ticker, scan_date`, signalColumns, strings.Join(conds, " AND "))
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list signals range", err)
	}
	defer rows.Close()

	return r.scanSignals(rows)
}

// Helper methods

func (r *signalsRepo) scanSignals(rows *sqlx.Rows) ([]persistence.Signal, error) {
	var signals []persistence.Signal

	for rows.Next() {
		var (
			sig         persistence.Signal
			payloadJSON []byte
		)
		err := rows.Scan(
			&sig.Ticker, &sig.ScanDate, &sig.Status, &sig.StreakDays,
			&sig.FirstDetected, &sig.LastActive, &sig.RunID, &sig.RunSeq,
			&payloadJSON, &sig.CreatedAt, &sig.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}

		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &sig.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		signals = append(signals, sig)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate signal rows", err)
	}
	return signals, nil
}

func statusStrings(statuses []persistence.SignalStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// storeErr wraps driver-level failures so callers can match
// persistence.ErrStoreUnavailable and abort the batch.
func storeErr(op string, err error) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, persistence.ErrStoreUnavailable, err)
}
