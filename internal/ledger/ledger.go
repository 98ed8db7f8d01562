// Package ledger tracks the outcome of acting on tracked signals: one
// append-only performance record per episode, opened at the NEW transition
// and closed when the episode ends, subject to a minimum-holding-period rule
// with a stop-loss override.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/portfolio-sub002/internal/metrics"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/prices"
)

// Config holds ledger tuning
type Config struct {
	// MinHoldDays defers closes of younger positions. Short holds have
	// empirically lower win rates and closing them early biases aggregate
	// statistics.
	MinHoldDays int `yaml:"min_hold_days"`

	// StopLossPct is the fractional drawdown from entry that forces an
	// immediate close regardless of MinHoldDays. 0 disables the check.
	StopLossPct float64 `yaml:"stop_loss_pct"`

	// MaxHoldDays force-closes positions held at least this long during a
	// stop check. 0 disables the limit.
	MaxHoldDays int `yaml:"max_hold_days"`
}

// DefaultConfig returns the production ledger configuration
func DefaultConfig() Config {
	return Config{
		MinHoldDays: 4,
		StopLossPct: 0,
		MaxHoldDays: 0,
	}
}

// ActionablePredicate decides whether a NEW signal is worth opening a
// record for. Owned by the caller; the ledger treats it as opaque.
type ActionablePredicate func(persistence.Signal) bool

// CloseOutcome describes what a close attempt did
type CloseOutcome string

const (
	// OutcomeClosed means the record transitioned to CLOSED
	OutcomeClosed CloseOutcome = "closed"
	// OutcomeDeferred means the close was postponed to a later run
	OutcomeDeferred CloseOutcome = "deferred"
	// OutcomeNoActive means no ACTIVE record exists for the ticker
	OutcomeNoActive CloseOutcome = "no_active"
	// OutcomeHeld means a stop check found no forced-exit condition
	OutcomeHeld CloseOutcome = "held"
)

// CloseResult reports the outcome of one close attempt
type CloseResult struct {
	Outcome    CloseOutcome           `json:"outcome"`
	Reason     persistence.ExitReason `json:"reason,omitempty"`
	DeferCause string                 `json:"defer_cause,omitempty"`
	Ticker     string                 `json:"ticker"`
	DaysHeld   int                    `json:"days_held"`
	ReturnPct  float64                `json:"return_pct,omitempty"`
}

// Ledger opens and closes performance records
type Ledger struct {
	records    persistence.PerformanceRepo
	prices     prices.Source
	cfg        Config
	actionable ActionablePredicate
}

// New creates a ledger. A nil predicate accepts every NEW signal.
func New(records persistence.PerformanceRepo, priceSource prices.Source, cfg Config, actionable ActionablePredicate) *Ledger {
	if cfg.MinHoldDays <= 0 {
		cfg.MinHoldDays = DefaultConfig().MinHoldDays
	}
	return &Ledger{
		records:    records,
		prices:     priceSource,
		cfg:        cfg,
		actionable: actionable,
	}
}

// Open creates an ACTIVE record for a NEW signal. Idempotent: a ticker with
// an ACTIVE record is left alone. Returns true when a record was created.
func (l *Ledger) Open(ctx context.Context, sig persistence.Signal) (bool, error) {
	if sig.Status != persistence.StatusNew {
		return false, nil
	}
	if l.actionable != nil && !l.actionable(sig) {
		return false, nil
	}
	if sig.Payload.ReferencePrice <= 0 {
		log.Warn().
			Str("ticker", sig.Ticker).
			Str("scan_date", sig.ScanDate.Format("2006-01-02")).
			Msg("cannot open performance record without a reference price")
		return false, nil
	}

	existing, err := l.records.GetActive(ctx, sig.Ticker)
	if err != nil {
		return false, fmt.Errorf("check active record for %s: %w", sig.Ticker, err)
	}
	if existing != nil {
		return false, nil
	}

	created, err := l.records.Open(ctx, persistence.PerformanceRecord{
		Ticker:     sig.Ticker,
		EntryDate:  persistence.Day(sig.ScanDate),
		EntryPrice: sig.Payload.ReferencePrice,
	})
	if err != nil {
		return false, fmt.Errorf("open performance record for %s: %w", sig.Ticker, err)
	}
	if created {
		metrics.LedgerOpens.Inc()
		log.Info().
			Str("ticker", sig.Ticker).
			Float64("entry_price", sig.Payload.ReferencePrice).
			Str("entry_date", sig.ScanDate.Format("2006-01-02")).
			Msg("performance record opened")
	}
	return created, nil
}

// Close attempts to close the ACTIVE record for a ticker because its signal
// ended. Precedence: stop-loss breach (ignores the minimum hold), then the
// minimum-hold deferral, then a plain SIGNAL_ENDED close at the latest
// available price.
func (l *Ledger) Close(ctx context.Context, ticker string, asOf time.Time) (*CloseResult, error) {
	return l.close(ctx, ticker, asOf, false)
}

// CheckStop evaluates only the forced-exit conditions (stop-loss breach and
// the optional time limit) for a ticker whose signal is still active.
func (l *Ledger) CheckStop(ctx context.Context, ticker string, asOf time.Time) (*CloseResult, error) {
	return l.close(ctx, ticker, asOf, true)
}

// CheckStops runs CheckStop over every ACTIVE record
func (l *Ledger) CheckStops(ctx context.Context, asOf time.Time) ([]CloseResult, error) {
	active, err := l.listActive(ctx, asOf)
	if err != nil {
		return nil, err
	}

	var results []CloseResult
	for _, rec := range active {
		res, err := l.CheckStop(ctx, rec.Ticker, asOf)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// RetryPendingCloses re-attempts a full close for every ACTIVE record whose
// ticker has no live signal row within the gap tolerance ending at asOf.
// Covers closes deferred by the min-hold rule on earlier runs, and episodes
// that ended implicitly (gap exceeded tolerance with no sweep write). Each
// attempt runs the normal close rules, so calling this every run is safe.
func (l *Ledger) RetryPendingCloses(ctx context.Context, signals persistence.SignalRepo, asOf time.Time, toleranceDays int) ([]CloseResult, error) {
	active, err := l.listActive(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	asOf = persistence.Day(asOf)
	liveRows, err := signals.ListActiveWithin(ctx, asOf.AddDate(0, 0, -toleranceDays), asOf)
	if err != nil {
		return nil, fmt.Errorf("list live signal rows: %w", err)
	}
	live := make(map[string]struct{}, len(liveRows))
	for _, row := range liveRows {
		live[row.Ticker] = struct{}{}
	}

	var results []CloseResult
	for _, rec := range active {
		if _, ok := live[rec.Ticker]; ok {
			continue
		}
		res, err := l.Close(ctx, rec.Ticker, asOf)
		if err != nil {
			return nil, err
		}
		log.Debug().
			Str("ticker", rec.Ticker).
			Str("outcome", string(res.Outcome)).
			Msg("retried pending close")
		results = append(results, *res)
	}
	return results, nil
}

func (l *Ledger) listActive(ctx context.Context, asOf time.Time) ([]persistence.PerformanceRecord, error) {
	active, err := l.records.ListRange(ctx, persistence.TimeRange{
		From: time.Time{},
		To:   persistence.Day(asOf),
	}, persistence.RecordFilter{Status: persistence.RecordActive})
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	return active, nil
}

func (l *Ledger) close(ctx context.Context, ticker string, asOf time.Time, stopOnly bool) (*CloseResult, error) {
	asOf = persistence.Day(asOf)

	rec, err := l.records.GetActive(ctx, ticker)
	if err != nil {
		return nil, fmt.Errorf("get active record for %s: %w", ticker, err)
	}
	if rec == nil {
		return &CloseResult{Outcome: OutcomeNoActive, Ticker: ticker}, nil
	}
	daysHeld := persistence.DaysBetween(rec.EntryDate, asOf)

	// Stop-loss breach closes immediately, at the breach point rather than
	// the as-of date, regardless of the minimum hold.
	if l.cfg.StopLossPct > 0 {
		breach, res, err := l.checkBreach(ctx, rec, asOf, daysHeld)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		if breach != nil {
			return l.finalize(ctx, rec, breach.Date, breach.Close, persistence.ExitStopLoss, daysHeld)
		}
	}

	if l.cfg.MaxHoldDays > 0 && daysHeld >= l.cfg.MaxHoldDays {
		exitPrice, err := l.prices.CloseOn(ctx, ticker, asOf)
		if err != nil {
			return l.deferClose(rec, daysHeld, "price_unavailable", err)
		}
		return l.finalize(ctx, rec, asOf, exitPrice, persistence.ExitTimeLimit, daysHeld)
	}

	if stopOnly {
		return &CloseResult{Outcome: OutcomeHeld, Ticker: ticker, DaysHeld: daysHeld}, nil
	}

	if daysHeld < l.cfg.MinHoldDays {
		return l.deferClose(rec, daysHeld, "min_hold", nil)
	}

	exitPrice, err := l.prices.CloseOn(ctx, ticker, asOf)
	if err != nil {
		if errors.Is(err, prices.ErrUnavailable) {
			return l.deferClose(rec, daysHeld, "price_unavailable", err)
		}
		return nil, fmt.Errorf("exit price for %s: %w", ticker, err)
	}
	return l.finalize(ctx, rec, asOf, exitPrice, persistence.ExitSignalEnded, daysHeld)
}

// checkBreach scans the daily series since entry for the first bar at or
// below the stop threshold. Returns a deferral result when prices are
// unavailable.
func (l *Ledger) checkBreach(ctx context.Context, rec *persistence.PerformanceRecord, asOf time.Time, daysHeld int) (*prices.Bar, *CloseResult, error) {
	series, err := l.prices.Series(ctx, rec.Ticker, rec.EntryDate, asOf)
	if err != nil {
		if errors.Is(err, prices.ErrUnavailable) {
			res, derr := l.deferClose(rec, daysHeld, "price_unavailable", err)
			return nil, res, derr
		}
		return nil, nil, fmt.Errorf("price series for %s: %w", rec.Ticker, err)
	}

	threshold := rec.EntryPrice * (1 - l.cfg.StopLossPct)
	for i := range series {
		if series[i].Date.Before(rec.EntryDate) {
			continue
		}
		if series[i].Close <= threshold {
			return &series[i], nil, nil
		}
	}
	return nil, nil, nil
}

func (l *Ledger) deferClose(rec *persistence.PerformanceRecord, daysHeld int, cause string, err error) (*CloseResult, error) {
	metrics.LedgerDeferrals.WithLabelValues(cause).Inc()
	log.Info().
		Err(err).
		Str("ticker", rec.Ticker).
		Int("days_held", daysHeld).
		Str("cause", cause).
		Msg("performance close deferred")
	return &CloseResult{
		Outcome:    OutcomeDeferred,
		DeferCause: cause,
		Ticker:     rec.Ticker,
		DaysHeld:   daysHeld,
	}, nil
}

func (l *Ledger) finalize(ctx context.Context, rec *persistence.PerformanceRecord, exitDate time.Time, exitPrice float64, reason persistence.ExitReason, daysHeld int) (*CloseResult, error) {
	returnPct := (exitPrice - rec.EntryPrice) / rec.EntryPrice * 100
	isWinner := exitPrice > rec.EntryPrice

	updated, err := l.records.Close(ctx, rec.ID, exitDate, exitPrice, reason, returnPct, isWinner)
	if err != nil {
		return nil, fmt.Errorf("close record %d: %w", rec.ID, err)
	}
	if !updated {
		// A concurrent caller closed it first; at-least-once delivery makes
		// this a benign race.
		return &CloseResult{Outcome: OutcomeNoActive, Ticker: rec.Ticker, DaysHeld: daysHeld}, nil
	}

	metrics.LedgerCloses.WithLabelValues(string(reason)).Inc()
	log.Info().
		Str("ticker", rec.Ticker).
		Str("reason", string(reason)).
		Float64("return_pct", returnPct).
		Int("days_held", daysHeld).
		Msg("performance record closed")
	return &CloseResult{
		Outcome:   OutcomeClosed,
		Reason:    reason,
		Ticker:    rec.Ticker,
		DaysHeld:  daysHeld,
		ReturnPct: returnPct,
	}, nil
}
