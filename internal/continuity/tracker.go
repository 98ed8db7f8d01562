// Package continuity stitches successive dated scan batches into continuous
// per-ticker lifecycles: NEW on episode start, CONTINUING while detections
// keep arriving within tolerance, ENDED once a tracked ticker disappears.
package continuity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/portfolio-sub002/internal/identity"
	"github.com/cqdev-co/portfolio-sub002/internal/metrics"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

// Config holds tracker tuning
type Config struct {
	// ToleranceDays is the maximum calendar-day gap between two detections
	// that still counts as the same episode. 3 covers weekend-only gaps in
	// business-day series.
	ToleranceDays int `yaml:"tolerance_days"`
}

// DefaultConfig returns the production tracker configuration
func DefaultConfig() Config {
	return Config{ToleranceDays: 3}
}

// EndedSignal identifies an episode the sweep just closed
type EndedSignal struct {
	Ticker        string    `json:"ticker"`
	RowDate       time.Time `json:"row_date"`
	LastActive    time.Time `json:"last_active_date"`
	FirstDetected time.Time `json:"first_detected_date"`
}

// Result is the outcome of one tracker pass
type Result struct {
	ScanDate time.Time            `json:"scan_date"`
	RunID    string               `json:"run_id"`
	RunSeq   int64                `json:"run_seq"`
	Tracked  []persistence.Signal `json:"tracked"`
	Ended    []EndedSignal        `json:"ended"`
	Dropped  int                  `json:"dropped"`
}

// Tracker reconciles dated batches against persisted signal history
type Tracker struct {
	signals   persistence.SignalRepo
	resolver  *identity.Resolver
	tolerance int
}

// NewTracker creates a tracker over the given signal store
func NewTracker(signals persistence.SignalRepo, resolver *identity.Resolver, cfg Config) *Tracker {
	if cfg.ToleranceDays <= 0 {
		cfg.ToleranceDays = DefaultConfig().ToleranceDays
	}
	return &Tracker{
		signals:   signals,
		resolver:  resolver,
		tolerance: cfg.ToleranceDays,
	}
}

// Process reconciles one batch: classifies each entry's lifecycle status,
// recomputes streaks, upserts rows, and sweeps for disappeared tickers.
// Store errors abort the whole call; the caller retries the batch wholesale.
// Per-entry validation errors only drop that entry.
func (t *Tracker) Process(ctx context.Context, batch *scan.Batch) (*Result, error) {
	start := time.Now()
	scanDate := persistence.Day(batch.ScanDate)
	runID := uuid.NewString()

	runSeq, err := t.signals.BeginRun(ctx, scanDate, runID)
	if err != nil {
		return nil, fmt.Errorf("begin tracker run: %w", err)
	}

	logger := log.With().
		Str("run_id", runID).
		Int64("run_seq", runSeq).
		Str("scan_date", scanDate.Format("2006-01-02")).
		Logger()

	todayRows, err := t.signals.ListAt(ctx, scanDate)
	if err != nil {
		return nil, fmt.Errorf("load rows at scan date: %w", err)
	}
	today := make(map[string]persistence.Signal, len(todayRows))
	for _, row := range todayRows {
		today[row.Ticker] = row
	}

	// Recently-active rows inside the tolerance window ending yesterday.
	windowFrom := scanDate.AddDate(0, 0, -t.tolerance)
	recentRows, err := t.signals.ListActiveWithin(ctx, windowFrom, scanDate.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("load recently active rows: %w", err)
	}
	prior := make(map[string]persistence.Signal, len(recentRows))
	for _, row := range recentRows {
		if cur, ok := prior[row.Ticker]; !ok || row.LastActive.After(cur.LastActive) {
			prior[row.Ticker] = row
		}
	}

	// Stage one row per identity; a duplicate identity inside one batch
	// should not occur per the producer contract, but the last entry wins.
	staged := make(map[string]persistence.Signal)
	dropped := 0
	for _, entry := range batch.Entries {
		key, err := t.resolver.Resolve(entry.Ticker, entry.Variant)
		if err != nil {
			var verr *identity.ValidationError
			if errors.As(err, &verr) {
				logger.Warn().Err(err).Str("ticker", entry.Ticker).Msg("dropping malformed batch entry")
				metrics.IdentityErrors.Inc()
				dropped++
				continue
			}
			return nil, err
		}
		staged[key] = t.classify(key, entry, scanDate, runID, runSeq, today, prior)
	}

	keys := make([]string, 0, len(staged))
	current := make(map[string]struct{}, len(staged))
	for key := range staged {
		keys = append(keys, key)
		current[key] = struct{}{}
	}
	sort.Strings(keys)

	lastActive := make(map[string]time.Time, len(prior))
	for ticker, row := range prior {
		lastActive[ticker] = row.LastActive
	}
	endedKeys := Sweep(lastActive, current, scanDate, t.tolerance)

	result := &Result{
		ScanDate: scanDate,
		RunID:    runID,
		RunSeq:   runSeq,
	}

	for _, key := range keys {
		sig := staged[key]
		if err := t.signals.Upsert(ctx, sig); err != nil {
			return nil, fmt.Errorf("upsert signal %s: %w", key, err)
		}
		metrics.SignalsTracked.WithLabelValues(string(sig.Status)).Inc()
		result.Tracked = append(result.Tracked, sig)
	}

	for _, key := range endedKeys {
		row := prior[key]
		updated, err := t.signals.MarkEnded(ctx, key, row.ScanDate, scanDate)
		if err != nil {
			return nil, fmt.Errorf("mark %s ended: %w", key, err)
		}
		if !updated {
			// Another pass already ended it; nothing owed.
			continue
		}
		metrics.SweepEnded.Inc()
		result.Ended = append(result.Ended, EndedSignal{
			Ticker:        key,
			RowDate:       row.ScanDate,
			LastActive:    row.LastActive,
			FirstDetected: row.FirstDetected,
		})
	}

	metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Int("tracked", len(result.Tracked)).
		Int("ended", len(result.Ended)).
		Int("dropped", dropped).
		Dur("elapsed", time.Since(start)).
		Msg("tracker pass complete")

	result.Dropped = dropped
	return result, nil
}

// classify applies the lifecycle transition rules to one batch entry
func (t *Tracker) classify(key string, entry scan.Entry, scanDate time.Time, runID string, runSeq int64, today, prior map[string]persistence.Signal) persistence.Signal {
	payload := entry.Payload()

	if existing, ok := today[key]; ok {
		// Repeat run for this scan date: reprocess idempotently. The row is
		// a carry-over from an earlier run iff its run sequence is lower
		// than this pass's; wall-clock comparison is never used.
		sig := existing
		sig.Payload = payload
		sig.RunID = runID
		sig.RunSeq = runSeq

		if existing.RunSeq < runSeq && existing.Status == persistence.StatusNew {
			if p, ok := prior[key]; ok && withinTolerance(p.LastActive, scanDate, t.tolerance) {
				// A qualifying prior episode surfaced after the earlier run
				// wrote NEW; promote and re-root the episode.
				sig.Status = persistence.StatusContinuing
				sig.FirstDetected = p.FirstDetected
				sig.StreakDays = persistence.DaysBetween(p.FirstDetected, scanDate) + 1
			}
		}
		return sig
	}

	if p, ok := prior[key]; ok && withinTolerance(p.LastActive, scanDate, t.tolerance) {
		// Streak is recomputed from the episode root, never incremented from
		// the previous row; incrementing drifts under repeated partial runs.
		return persistence.Signal{
			Ticker:        key,
			ScanDate:      scanDate,
			Status:        persistence.StatusContinuing,
			StreakDays:    persistence.DaysBetween(p.FirstDetected, scanDate) + 1,
			FirstDetected: p.FirstDetected,
			LastActive:    scanDate,
			RunID:         runID,
			RunSeq:        runSeq,
			Payload:       payload,
		}
	}

	// No prior episode within tolerance (or the prior episode is ENDED,
	// which is terminal): a fresh episode starts here.
	return persistence.Signal{
		Ticker:        key,
		ScanDate:      scanDate,
		Status:        persistence.StatusNew,
		StreakDays:    1,
		FirstDetected: scanDate,
		LastActive:    scanDate,
		RunID:         runID,
		RunSeq:        runSeq,
		Payload:       payload,
	}
}
