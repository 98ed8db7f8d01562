// Package diagnostics audits persisted signal rows for invariant
// violations. It is strictly read-only: findings are reported for a
// separate, explicitly invoked corrective pass, never repaired in place.
package diagnostics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/portfolio-sub002/internal/metrics"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// Check identifies which audit rule produced a finding
type Check string

const (
	// CheckDuplicateRows flags more than one row per (ticker, scan_date)
	CheckDuplicateRows Check = "duplicate_rows"
	// CheckStreakMonotonic flags a streak decrease within one episode
	CheckStreakMonotonic Check = "streak_monotonic"
	// CheckTimestampOrder flags first_detected > last_active or a row
	// updated before it was last active
	CheckTimestampOrder Check = "timestamp_order"
	// CheckStatusDistribution flags a population with rows but no active
	// signals at all, a symptom of a systemic tracker defect
	CheckStatusDistribution Check = "status_distribution"
)

// Finding is one invariant violation over persisted data
type Finding struct {
	Check    Check     `json:"check"`
	Ticker   string    `json:"ticker,omitempty"`
	ScanDate time.Time `json:"scan_date,omitempty"`
	Detail   string    `json:"detail"`
}

// Report is the result of one audit pass
type Report struct {
	RowsChecked int           `json:"rows_checked"`
	Findings    []Finding     `json:"findings"`
	ByCheck     map[Check]int `json:"by_check"`
}

// Clean reports whether the audit found no violations
func (r *Report) Clean() bool { return len(r.Findings) == 0 }

func (r *Report) add(f Finding) {
	r.Findings = append(r.Findings, f)
	r.ByCheck[f.Check]++
}

// Analyze runs every audit check over the given rows. Pure: no store
// access, no writes.
func Analyze(rows []persistence.Signal) *Report {
	report := &Report{ByCheck: make(map[Check]int)}
	report.RowsChecked = len(rows)
	if len(rows) == 0 {
		return report
	}

	sorted := make([]persistence.Signal, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Ticker != sorted[j].Ticker {
			return sorted[i].Ticker < sorted[j].Ticker
		}
		return sorted[i].ScanDate.Before(sorted[j].ScanDate)
	})

	checkDuplicates(sorted, report)
	checkStreaks(sorted, report)
	checkTimestamps(sorted, report)
	checkDistribution(sorted, report)
	return report
}

// checkDuplicates groups by (ticker, scan_date) and flags count > 1
func checkDuplicates(rows []persistence.Signal, report *Report) {
	type key struct {
		ticker string
		date   time.Time
	}
	counts := make(map[key]int, len(rows))
	for _, row := range rows {
		counts[key{row.Ticker, persistence.Day(row.ScanDate)}]++
	}
	for _, row := range rows {
		k := key{row.Ticker, persistence.Day(row.ScanDate)}
		if counts[k] > 1 {
			report.add(Finding{
				Check:    CheckDuplicateRows,
				Ticker:   row.Ticker,
				ScanDate: k.date,
				Detail:   fmt.Sprintf("%d rows share (ticker, scan_date)", counts[k]),
			})
			// one finding per group
			counts[k] = 1
		}
	}
}

// checkStreaks verifies streak_days never decreases within one episode.
// Rows sharing a ticker and first_detected_date belong to the same episode.
func checkStreaks(rows []persistence.Signal, report *Report) {
	for i := 1; i < len(rows); i++ {
		prev, cur := rows[i-1], rows[i]
		if prev.Ticker != cur.Ticker || !prev.FirstDetected.Equal(cur.FirstDetected) {
			continue
		}
		if cur.StreakDays < prev.StreakDays {
			report.add(Finding{
				Check:    CheckStreakMonotonic,
				Ticker:   cur.Ticker,
				ScanDate: cur.ScanDate,
				Detail: fmt.Sprintf("streak fell from %d to %d within episode rooted %s",
					prev.StreakDays, cur.StreakDays, cur.FirstDetected.Format("2006-01-02")),
			})
		}
	}
}

// checkTimestamps verifies first_detected ≤ last_active ≤ last write time
func checkTimestamps(rows []persistence.Signal, report *Report) {
	for _, row := range rows {
		if row.FirstDetected.After(row.LastActive) {
			report.add(Finding{
				Check:    CheckTimestampOrder,
				Ticker:   row.Ticker,
				ScanDate: row.ScanDate,
				Detail: fmt.Sprintf("first_detected %s after last_active %s",
					row.FirstDetected.Format("2006-01-02"), row.LastActive.Format("2006-01-02")),
			})
			continue
		}
		if !row.UpdatedAt.IsZero() && persistence.Day(row.LastActive).After(row.UpdatedAt) {
			report.add(Finding{
				Check:    CheckTimestampOrder,
				Ticker:   row.Ticker,
				ScanDate: row.ScanDate,
				Detail: fmt.Sprintf("last_active %s after last write %s",
					row.LastActive.Format("2006-01-02"), row.UpdatedAt.Format(time.RFC3339)),
			})
		}
	}
}

// checkDistribution flags a population where every row is ENDED. Individual
// ended episodes are normal; zero active rows across the whole window is not.
func checkDistribution(rows []persistence.Signal, report *Report) {
	active := 0
	for _, row := range rows {
		if row.Status == persistence.StatusNew || row.Status == persistence.StatusContinuing {
			active++
		}
	}
	if active == 0 {
		report.add(Finding{
			Check:  CheckStatusDistribution,
			Detail: fmt.Sprintf("0 of %d rows active", len(rows)),
		})
	}
}

// Auditor runs Analyze against the signal store
type Auditor struct {
	signals persistence.SignalRepo
}

// NewAuditor creates an auditor over the given store
func NewAuditor(signals persistence.SignalRepo) *Auditor {
	return &Auditor{signals: signals}
}

// Run loads every signal row in the range and audits it
func (a *Auditor) Run(ctx context.Context, tr persistence.TimeRange) (*Report, error) {
	rows, err := a.signals.ListRange(ctx, tr, persistence.SignalFilter{})
	if err != nil {
		return nil, fmt.Errorf("load signals for audit: %w", err)
	}

	report := Analyze(rows)
	for check, n := range report.ByCheck {
		metrics.AuditFindings.WithLabelValues(string(check)).Add(float64(n))
	}

	evt := log.Info()
	if !report.Clean() {
		evt = log.Warn()
	}
	evt.Int("rows", report.RowsChecked).
		Int("findings", len(report.Findings)).
		Msg("diagnostics audit complete")
	return report, nil
}
