package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/portfolio-sub002/internal/config"
	"github.com/cqdev-co/portfolio-sub002/internal/continuity"
	"github.com/cqdev-co/portfolio-sub002/internal/identity"
	"github.com/cqdev-co/portfolio-sub002/internal/ledger"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence/memory"
	"github.com/cqdev-co/portfolio-sub002/internal/prices"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

// stubSource serves a fixed ascending daily close series per ticker
type stubSource struct {
	bars map[string][]prices.Bar
}

func (s *stubSource) CloseOn(_ context.Context, ticker string, date time.Time) (float64, error) {
	var price float64
	found := false
	for _, bar := range s.bars[ticker] {
		if !bar.Date.After(date) {
			price = bar.Close
			found = true
		}
	}
	if !found {
		return 0, prices.ErrUnavailable
	}
	return price, nil
}

func (s *stubSource) Series(_ context.Context, ticker string, from, to time.Time) ([]prices.Bar, error) {
	var out []prices.Bar
	for _, bar := range s.bars[ticker] {
		if !bar.Date.Before(from) && !bar.Date.After(to) {
			out = append(out, bar)
		}
	}
	if len(out) == 0 {
		return nil, prices.ErrUnavailable
	}
	return out, nil
}

func testDeps(t *testing.T, src prices.Source) *deps {
	t.Helper()
	d := &deps{
		cfg:  config.Default(),
		repo: memory.NewRepository(),
	}
	d.tracker = continuity.NewTracker(d.repo.Signals, identity.NewResolver(), d.cfg.Tracker)
	d.ledger = ledger.New(d.repo.Performance, src, d.cfg.Ledger, nil)
	return d
}

// runDay pushes one batch through the tracker and the ledger reactions,
// exactly as the track command does.
func runDay(t *testing.T, d *deps, date time.Time, tickers ...string) *continuity.Result {
	t.Helper()
	batch := &scan.Batch{ScanDate: date}
	for _, ticker := range tickers {
		batch.Entries = append(batch.Entries, scan.Entry{
			Ticker:         ticker,
			Score:          0.85,
			ReferencePrice: 100,
		})
	}

	result, err := d.tracker.Process(context.Background(), batch)
	require.NoError(t, err)
	require.NoError(t, reactToResult(d, result))
	return result
}

// Episode detected Mon and Tue, absent from Wed on. With tolerance 3 and
// min hold 4: Wednesday's sweep ends the episode but the close defers
// (days_held=2); the run the following Monday must retry and land the
// SIGNAL_ENDED close without any operator intervention.
func TestTrackPipeline_DeferredCloseCompletesOnLaterRun(t *testing.T) {
	ctx := context.Background()
	mon := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	nextMon := mon.AddDate(0, 0, 7)

	src := &stubSource{bars: map[string][]prices.Bar{"AAPL": nil}}
	for i := 0; i <= 7; i++ {
		src.bars["AAPL"] = append(src.bars["AAPL"], prices.Bar{
			Date:  mon.AddDate(0, 0, i),
			Close: 100 + float64(i),
		})
	}
	d := testDeps(t, src)

	// Mon: NEW opens a record.
	result := runDay(t, d, mon, "AAPL")
	require.Len(t, result.Tracked, 1)
	assert.Equal(t, persistence.StatusNew, result.Tracked[0].Status)

	rec, err := d.repo.Performance.GetActive(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 100.0, rec.EntryPrice)

	// Tue: CONTINUING.
	result = runDay(t, d, mon.AddDate(0, 0, 1), "AAPL")
	require.Len(t, result.Tracked, 1)
	assert.Equal(t, persistence.StatusContinuing, result.Tracked[0].Status)

	// Wed: absent. Sweep ends the episode; the close defers on min hold
	// and the record must stay ACTIVE.
	result = runDay(t, d, mon.AddDate(0, 0, 2))
	require.Len(t, result.Ended, 1)
	assert.Equal(t, "AAPL", result.Ended[0].Ticker)

	rec, err = d.repo.Performance.GetActive(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, rec, "deferred close must leave the record ACTIVE")

	// Following Mon: nothing detected, nothing newly swept — the run still
	// retries the pending close and lands it.
	result = runDay(t, d, nextMon)
	assert.Empty(t, result.Ended)

	rec, err = d.repo.Performance.GetActive(ctx, "AAPL")
	require.NoError(t, err)
	assert.Nil(t, rec, "pending close must complete once past the minimum hold")

	recs, err := d.repo.Performance.ListRange(ctx, persistence.TimeRange{From: mon, To: mon}, persistence.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	closed := recs[0]
	assert.Equal(t, persistence.RecordClosed, closed.Status)
	require.NotNil(t, closed.ExitReason)
	assert.Equal(t, persistence.ExitSignalEnded, *closed.ExitReason)
	require.NotNil(t, closed.ExitDate)
	assert.Equal(t, nextMon, *closed.ExitDate)
	require.NotNil(t, closed.ExitPrice)
	assert.Equal(t, 107.0, *closed.ExitPrice)
}

// A ticker detected continuously must never be closed by the retry pass.
func TestTrackPipeline_LiveSignalStaysOpen(t *testing.T) {
	ctx := context.Background()
	mon := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	d := testDeps(t, &stubSource{})

	for i := 0; i < 5; i++ {
		runDay(t, d, mon.AddDate(0, 0, i), "AAPL")
	}

	rec, err := d.repo.Performance.GetActive(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, mon, rec.EntryDate)
}
