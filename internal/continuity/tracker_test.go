package continuity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/portfolio-sub002/internal/identity"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence/memory"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

func newTestTracker(store *memory.SignalStore, tolerance int) *Tracker {
	return NewTracker(store, identity.NewResolver(), Config{ToleranceDays: tolerance})
}

func batchOf(date time.Time, tickers ...string) *scan.Batch {
	b := &scan.Batch{ScanDate: date}
	for _, ticker := range tickers {
		b.Entries = append(b.Entries, scan.Entry{
			Ticker:         ticker,
			Score:          0.8,
			ReferencePrice: 100.0,
		})
	}
	return b
}

func mustGet(t *testing.T, store *memory.SignalStore, ticker string, date time.Time) persistence.Signal {
	t.Helper()
	rows, err := store.ListAt(context.Background(), date)
	require.NoError(t, err)
	for _, row := range rows {
		if row.Ticker == ticker {
			return row
		}
	}
	t.Fatalf("no row for %s at %s", ticker, date.Format("2006-01-02"))
	return persistence.Signal{}
}

func TestProcess_FirstSightingIsNew(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	mon := day(2026, 3, 9)

	res, err := tr.Process(context.Background(), batchOf(mon, "AAPL"))
	require.NoError(t, err)

	require.Len(t, res.Tracked, 1)
	sig := res.Tracked[0]
	assert.Equal(t, persistence.StatusNew, sig.Status)
	assert.Equal(t, 1, sig.StreakDays)
	assert.Equal(t, mon, sig.FirstDetected)
	assert.Equal(t, mon, sig.LastActive)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, int64(1), res.RunSeq)
}

func TestProcess_ConsecutiveDaysContinue(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)
	res, err := tr.Process(ctx, batchOf(mon.AddDate(0, 0, 1), "AAPL"))
	require.NoError(t, err)

	sig := res.Tracked[0]
	assert.Equal(t, persistence.StatusContinuing, sig.Status)
	assert.Equal(t, 2, sig.StreakDays)
	assert.Equal(t, mon, sig.FirstDetected)
}

func TestProcess_StreakFromEpisodeRootNotIncrement(t *testing.T) {
	// Episode Mon, Thu (gap 3 ≤ tolerance): streak on Thu is elapsed days
	// from the root + 1, not previous streak + 1.
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	thu := mon.AddDate(0, 0, 3)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)
	res, err := tr.Process(ctx, batchOf(thu, "AAPL"))
	require.NoError(t, err)

	sig := res.Tracked[0]
	assert.Equal(t, persistence.StatusContinuing, sig.Status)
	assert.Equal(t, 4, sig.StreakDays)
	assert.Equal(t, mon, sig.FirstDetected)
}

func TestProcess_GapBeyondToleranceStartsNewEpisode(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	nextMon := mon.AddDate(0, 0, 7)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)
	res, err := tr.Process(ctx, batchOf(nextMon, "AAPL"))
	require.NoError(t, err)

	sig := res.Tracked[0]
	assert.Equal(t, persistence.StatusNew, sig.Status)
	assert.Equal(t, 1, sig.StreakDays)
	assert.Equal(t, nextMon, sig.FirstDetected)
}

func TestProcess_IdempotentRepeatRun(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	tue := mon.AddDate(0, 0, 1)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)

	first, err := tr.Process(ctx, batchOf(tue, "AAPL"))
	require.NoError(t, err)
	second, err := tr.Process(ctx, batchOf(tue, "AAPL"))
	require.NoError(t, err)

	assert.Greater(t, second.RunSeq, first.RunSeq)

	rows, err := store.ListAt(ctx, tue)
	require.NoError(t, err)
	require.Len(t, rows, 1, "re-running a scan date must not duplicate rows")

	sig := rows[0]
	assert.Equal(t, persistence.StatusContinuing, sig.Status)
	assert.Equal(t, 2, sig.StreakDays)
	assert.Equal(t, mon, sig.FirstDetected)
	assert.Equal(t, second.RunID, sig.RunID)
}

func TestProcess_RepeatRunsDoNotDriftStreak(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)

	wed := mon.AddDate(0, 0, 2)
	for i := 0; i < 5; i++ {
		_, err := tr.Process(ctx, batchOf(wed, "AAPL"))
		require.NoError(t, err)
	}

	sig := mustGet(t, store, "AAPL", wed)
	assert.Equal(t, 3, sig.StreakDays, "streak must equal (scan_date - first_detected) + 1 no matter how many repeat runs occurred")
}

func TestProcess_PromotesCarryOverNewWhenPriorEpisodeExists(t *testing.T) {
	// A row written NEW by an earlier run gets promoted to CONTINUING on a
	// later run once a qualifying prior episode is visible. Detection is by
	// run sequence, not timestamps.
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	tue := mon.AddDate(0, 0, 1)

	// Seed Tuesday first out of order: no prior visible, so NEW.
	_, err := tr.Process(ctx, batchOf(tue, "AAPL"))
	require.NoError(t, err)
	require.Equal(t, persistence.StatusNew, mustGet(t, store, "AAPL", tue).Status)

	// Backfill Monday, then re-run Tuesday.
	require.NoError(t, store.Upsert(ctx, persistence.Signal{
		Ticker:        "AAPL",
		ScanDate:      mon,
		Status:        persistence.StatusNew,
		StreakDays:    1,
		FirstDetected: mon,
		LastActive:    mon,
		RunID:         "seed",
		RunSeq:        1,
	}))

	_, err = tr.Process(ctx, batchOf(tue, "AAPL"))
	require.NoError(t, err)

	sig := mustGet(t, store, "AAPL", tue)
	assert.Equal(t, persistence.StatusContinuing, sig.Status)
	assert.Equal(t, mon, sig.FirstDetected)
	assert.Equal(t, 2, sig.StreakDays)
}

func TestProcess_SweepEndsAbsentTickerWithinTolerance(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	tue := mon.AddDate(0, 0, 1)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL", "MSFT"))
	require.NoError(t, err)

	res, err := tr.Process(ctx, batchOf(tue, "MSFT"))
	require.NoError(t, err)

	require.Len(t, res.Ended, 1)
	assert.Equal(t, "AAPL", res.Ended[0].Ticker)
	assert.Equal(t, mon, res.Ended[0].LastActive)

	sig := mustGet(t, store, "AAPL", mon)
	assert.Equal(t, persistence.StatusEnded, sig.Status)
}

func TestProcess_SweepSkipsStaleGap(t *testing.T) {
	// Mon..Tue episode, then nothing until the following Monday (gap 6 > 3):
	// already implicitly ended, no ENDED write occurs.
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	tue := mon.AddDate(0, 0, 1)
	nextMon := mon.AddDate(0, 0, 7)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)
	_, err = tr.Process(ctx, batchOf(tue, "AAPL"))
	require.NoError(t, err)

	res, err := tr.Process(ctx, batchOf(nextMon, "MSFT"))
	require.NoError(t, err)

	assert.Empty(t, res.Ended)
	sig := mustGet(t, store, "AAPL", tue)
	assert.Equal(t, persistence.StatusContinuing, sig.Status, "stale rows are left as-is, not rewritten")
}

func TestProcess_ReappearanceAfterSweepStartsFreshEpisode(t *testing.T) {
	// ENDED is terminal: once swept, a reappearance roots a new episode
	// even inside the tolerance window.
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	tue := mon.AddDate(0, 0, 1)
	wed := mon.AddDate(0, 0, 2)

	_, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)
	_, err = tr.Process(ctx, batchOf(tue)) // absent: swept ENDED
	require.NoError(t, err)

	res, err := tr.Process(ctx, batchOf(wed, "AAPL"))
	require.NoError(t, err)

	sig := res.Tracked[0]
	assert.Equal(t, persistence.StatusNew, sig.Status)
	assert.Equal(t, wed, sig.FirstDetected)
	assert.Equal(t, 1, sig.StreakDays)
}

func TestProcess_MalformedEntryDroppedBatchContinues(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	mon := day(2026, 3, 9)

	batch := batchOf(mon, "AAPL")
	batch.Entries = append(batch.Entries, scan.Entry{Ticker: "not a ticker!", Score: 0.5})

	res, err := tr.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Len(t, res.Tracked, 1)
	assert.Equal(t, 1, res.Dropped)
}

func TestProcess_DuplicateIdentityLastWins(t *testing.T) {
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	mon := day(2026, 3, 9)

	batch := &scan.Batch{ScanDate: mon, Entries: []scan.Entry{
		{Ticker: "AAPL", Score: 0.1, ReferencePrice: 100},
		{Ticker: "aapl", Score: 0.9, ReferencePrice: 101},
	}}

	res, err := tr.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Tracked, 1)
	assert.Equal(t, 0.9, res.Tracked[0].Payload.Score)
	assert.Equal(t, 101.0, res.Tracked[0].Payload.ReferencePrice)
}

func TestProcess_StoreUnavailableAborts(t *testing.T) {
	store := memory.NewSignalStore()
	store.FailWith = persistence.ErrStoreUnavailable
	tr := newTestTracker(store, 3)

	_, err := tr.Process(context.Background(), batchOf(day(2026, 3, 9), "AAPL"))
	require.ErrorIs(t, err, persistence.ErrStoreUnavailable)
}

func TestProcess_EndToEndScenario(t *testing.T) {
	// Tolerance 3: detected Mon (NEW, streak 1) and Tue (CONTINUING, streak
	// 2); absent Wed-Fri and the following Mon (gap 6 > 3). The Wednesday
	// sweep marks ENDED using last_active = Tue; the following Monday owes
	// no further write.
	store := memory.NewSignalStore()
	tr := newTestTracker(store, 3)
	ctx := context.Background()
	mon := day(2026, 3, 9)
	tue := mon.AddDate(0, 0, 1)
	wed := mon.AddDate(0, 0, 2)
	nextMon := mon.AddDate(0, 0, 7)

	res, err := tr.Process(ctx, batchOf(mon, "AAPL"))
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusNew, res.Tracked[0].Status)
	assert.Equal(t, 1, res.Tracked[0].StreakDays)

	res, err = tr.Process(ctx, batchOf(tue, "AAPL"))
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusContinuing, res.Tracked[0].Status)
	assert.Equal(t, 2, res.Tracked[0].StreakDays)

	res, err = tr.Process(ctx, batchOf(wed))
	require.NoError(t, err)
	require.Len(t, res.Ended, 1)
	assert.Equal(t, tue, res.Ended[0].LastActive)

	res, err = tr.Process(ctx, batchOf(nextMon))
	require.NoError(t, err)
	assert.Empty(t, res.Ended)
}
