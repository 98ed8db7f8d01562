package persistence

import (
	"context"
	"time"
)

// TimeRange represents a scan-date window for range queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SignalStatus is the lifecycle state of a tracked signal row
type SignalStatus string

const (
	StatusNew        SignalStatus = "NEW"
	StatusContinuing SignalStatus = "CONTINUING"
	StatusEnded      SignalStatus = "ENDED"
)

// ActiveStatuses are the non-terminal lifecycle states
var ActiveStatuses = []SignalStatus{StatusNew, StatusContinuing}

// ExitReason records why a performance record was closed
type ExitReason string

const (
	ExitSignalEnded ExitReason = "SIGNAL_ENDED"
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitTimeLimit   ExitReason = "TIME_LIMIT"
)

// RecordStatus is the ledger record state
type RecordStatus string

const (
	RecordActive RecordStatus = "ACTIVE"
	RecordClosed RecordStatus = "CLOSED"
)

// Payload is the scoring snapshot attached to a signal by the upstream
// scanner. ReferencePrice and Score are the only fields the tracker and
// ledger read; everything else rides along opaquely in Raw.
type Payload struct {
	ReferencePrice float64                `json:"reference_price"`
	Score          float64                `json:"score"`
	Raw            map[string]interface{} `json:"raw,omitempty"`
}

// Signal is one persisted row per (ticker, scan_date). Rows for the same
// scan date are mutated in place on re-runs; a fresh NEW row starts a new
// episode once the gap to the prior detection exceeds tolerance.
type Signal struct {
	Ticker        string       `json:"ticker" db:"ticker"`
	ScanDate      time.Time    `json:"scan_date" db:"scan_date"`
	Status        SignalStatus `json:"status" db:"status"`
	StreakDays    int          `json:"streak_days" db:"streak_days"`
	FirstDetected time.Time    `json:"first_detected_date" db:"first_detected_date"`
	LastActive    time.Time    `json:"last_active_date" db:"last_active_date"`
	RunID         string       `json:"run_id" db:"run_id"`
	RunSeq        int64        `json:"run_seq" db:"run_seq"`
	Payload       Payload      `json:"payload" db:"payload"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// PerformanceRecord is one row per episode, rooted at its NEW occurrence.
// Owned and mutated only by the ledger; never deleted.
type PerformanceRecord struct {
	ID         int64        `json:"id" db:"id"`
	Ticker     string       `json:"ticker" db:"ticker"`
	EntryDate  time.Time    `json:"entry_date" db:"entry_date"`
	EntryPrice float64      `json:"entry_price" db:"entry_price"`
	ExitDate   *time.Time   `json:"exit_date,omitempty" db:"exit_date"`
	ExitPrice  *float64     `json:"exit_price,omitempty" db:"exit_price"`
	ExitReason *ExitReason  `json:"exit_reason,omitempty" db:"exit_reason"`
	Status     RecordStatus `json:"status" db:"status"`
	ReturnPct  *float64     `json:"return_pct,omitempty" db:"return_pct"`
	IsWinner   *bool        `json:"is_winner,omitempty" db:"is_winner"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// SignalFilter narrows ListRange results
type SignalFilter struct {
	Ticker   string
	Statuses []SignalStatus
	Limit    int
}

// RecordFilter narrows performance queries
type RecordFilter struct {
	Ticker string
	Status RecordStatus
	Limit  int
}

// SignalRepo provides signal row persistence keyed on (ticker, scan_date)
type SignalRepo interface {
	// BeginRun allocates the next monotonic run sequence for a scan date
	// and records the run for audit. The sequence is the repeat-run marker
	// compared by the tracker; it never derives from wall-clock time.
	BeginRun(ctx context.Context, scanDate time.Time, runID string) (int64, error)

	// Upsert inserts or updates the row for (ticker, scan_date)
	Upsert(ctx context.Context, sig Signal) error

	// ListAt retrieves all rows at an exact scan date
	ListAt(ctx context.Context, scanDate time.Time) ([]Signal, error)

	// ListActiveWithin retrieves NEW/CONTINUING rows whose last_active_date
	// falls inside [from, to]
	ListActiveWithin(ctx context.Context, from, to time.Time) ([]Signal, error)

	// MarkEnded transitions the row at (ticker, scan_date) to ENDED if it is
	// still active. Returns true when a row was updated.
	MarkEnded(ctx context.Context, ticker string, scanDate time.Time, endedAt time.Time) (bool, error)

	// ListRange retrieves rows with scan_date inside the range, filtered,
	// ordered by (ticker, scan_date)
	ListRange(ctx context.Context, tr TimeRange, f SignalFilter) ([]Signal, error)
}

// PerformanceRepo provides episode outcome persistence
type PerformanceRepo interface {
	// Open inserts a new ACTIVE record unless one already exists for the
	// same (ticker, entry_date). Returns true when a row was created.
	Open(ctx context.Context, rec PerformanceRecord) (bool, error)

	// GetActive returns the ACTIVE record for a ticker, or nil
	GetActive(ctx context.Context, ticker string) (*PerformanceRecord, error)

	// Close transitions an ACTIVE record to CLOSED with the exit outcome.
	// Status-gated: returns false if the record was not ACTIVE.
	Close(ctx context.Context, id int64, exitDate time.Time, exitPrice float64, reason ExitReason, returnPct float64, isWinner bool) (bool, error)

	// ListRange retrieves records with entry_date inside the range
	ListRange(ctx context.Context, tr TimeRange, f RecordFilter) ([]PerformanceRecord, error)
}

// Repository aggregates the persistence interfaces
type Repository struct {
	Signals     SignalRepo
	Performance PerformanceRepo
}

// Day truncates a timestamp to its UTC calendar date. All scan dates are
// normalized through this before hitting the store so that (ticker,
// scan_date) conflict keys compare exactly.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns whole calendar days from a to b (positive when b is
// later)
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)) / (24 * time.Hour))
}
