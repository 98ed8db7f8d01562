package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence/memory"
	"github.com/cqdev-co/portfolio-sub002/internal/prices"
)

func seedRow(t *testing.T, store *memory.SignalStore, ticker string, date time.Time, status persistence.SignalStatus, first time.Time, refPrice float64) {
	t.Helper()
	streak := persistence.DaysBetween(first, date) + 1
	err := store.Upsert(context.Background(), persistence.Signal{
		Ticker:        ticker,
		ScanDate:      date,
		Status:        status,
		StreakDays:    streak,
		FirstDetected: first,
		LastActive:    date,
		Payload:       persistence.Payload{ReferencePrice: refPrice, Score: 0.7},
	})
	require.NoError(t, err)
}

func TestGroupEpisodes(t *testing.T) {
	mon := day(2026, 3, 9)
	rows := []persistence.Signal{
		// AAPL: Mon-Tue, then a new episode the following Mon.
		{Ticker: "AAPL", ScanDate: mon, Status: persistence.StatusNew},
		{Ticker: "AAPL", ScanDate: mon.AddDate(0, 0, 1), Status: persistence.StatusContinuing},
		{Ticker: "AAPL", ScanDate: mon.AddDate(0, 0, 7), Status: persistence.StatusNew},
		// MSFT: single row.
		{Ticker: "MSFT", ScanDate: mon, Status: persistence.StatusNew},
	}

	episodes := groupEpisodes(rows, 3)
	require.Len(t, episodes, 3)
	assert.Len(t, episodes[0].rows, 2)
	assert.Equal(t, "AAPL", episodes[0].first().Ticker)
	assert.Equal(t, mon.AddDate(0, 0, 7), episodes[1].first().ScanDate)
	assert.Equal(t, "MSFT", episodes[2].first().Ticker)
}

func TestGroupEpisodes_EndedRowTerminates(t *testing.T) {
	mon := day(2026, 3, 9)
	rows := []persistence.Signal{
		{Ticker: "AAPL", ScanDate: mon, Status: persistence.StatusNew},
		{Ticker: "AAPL", ScanDate: mon.AddDate(0, 0, 1), Status: persistence.StatusEnded},
		// Within tolerance of the ENDED row, but a terminal row never
		// extends its episode.
		{Ticker: "AAPL", ScanDate: mon.AddDate(0, 0, 2), Status: persistence.StatusNew},
	}

	episodes := groupEpisodes(rows, 3)
	require.Len(t, episodes, 2)
	assert.Len(t, episodes[0].rows, 2)
	assert.Len(t, episodes[1].rows, 1)
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	mon := day(2026, 3, 9)

	t.Run("closes_completed_episode", func(t *testing.T) {
		signals := memory.NewSignalStore()
		records := memory.NewPerformanceStore()
		// Mon-Fri episode; history extends well past it so it reads as ended.
		for i := 0; i < 5; i++ {
			status := persistence.StatusContinuing
			if i == 0 {
				status = persistence.StatusNew
			}
			seedRow(t, signals, "AAPL", mon.AddDate(0, 0, i), status, mon, 100)
		}
		src := &fakeSource{bars: dailyBars("AAPL", mon, 100, 101, 102, 103, 104)}
		l := New(records, src, Config{MinHoldDays: 4}, nil)

		stats, err := l.Backfill(ctx, signals, persistence.TimeRange{From: mon, To: mon.AddDate(0, 0, 30)}, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Episodes)
		assert.Equal(t, 1, stats.Opened)
		assert.Equal(t, 1, stats.Closed)

		recs, err := records.ListRange(ctx, persistence.TimeRange{From: mon, To: mon}, persistence.RecordFilter{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, persistence.RecordClosed, recs[0].Status)
		require.NotNil(t, recs[0].ExitReason)
		assert.Equal(t, persistence.ExitSignalEnded, *recs[0].ExitReason)
	})

	t.Run("leaves_live_episode_open", func(t *testing.T) {
		signals := memory.NewSignalStore()
		records := memory.NewPerformanceStore()
		end := mon.AddDate(0, 0, 1)
		seedRow(t, signals, "AAPL", mon, persistence.StatusNew, mon, 100)
		seedRow(t, signals, "AAPL", end, persistence.StatusContinuing, mon, 101)
		l := New(records, &fakeSource{}, Config{MinHoldDays: 4}, nil)

		// Range ends within tolerance of the last row: still live.
		stats, err := l.Backfill(ctx, signals, persistence.TimeRange{From: mon, To: end.AddDate(0, 0, 2)}, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Opened)
		assert.Equal(t, 0, stats.Closed)

		rec, err := records.GetActive(ctx, "AAPL")
		require.NoError(t, err)
		assert.NotNil(t, rec)
	})

	t.Run("short_episode_closes_after_min_hold_replay", func(t *testing.T) {
		signals := memory.NewSignalStore()
		records := memory.NewPerformanceStore()
		// Two-day episode: the close at LastActive defers on min_hold, then
		// replays at entry + MinHoldDays.
		seedRow(t, signals, "AAPL", mon, persistence.StatusNew, mon, 100)
		seedRow(t, signals, "AAPL", mon.AddDate(0, 0, 1), persistence.StatusEnded, mon, 101)
		src := &fakeSource{bars: dailyBars("AAPL", mon, 100, 101, 102, 103, 108)}
		l := New(records, src, Config{MinHoldDays: 4}, nil)

		stats, err := l.Backfill(ctx, signals, persistence.TimeRange{From: mon, To: mon.AddDate(0, 0, 30)}, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Closed)

		recs, err := records.ListRange(ctx, persistence.TimeRange{From: mon, To: mon}, persistence.RecordFilter{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.NotNil(t, recs[0].ExitDate)
		assert.Equal(t, mon.AddDate(0, 0, 4), *recs[0].ExitDate)
		require.NotNil(t, recs[0].ExitPrice)
		assert.Equal(t, 108.0, *recs[0].ExitPrice)
	})

	t.Run("skips_episode_without_entry_price", func(t *testing.T) {
		signals := memory.NewSignalStore()
		records := memory.NewPerformanceStore()
		seedRow(t, signals, "AAPL", mon, persistence.StatusNew, mon, 0)
		l := New(records, &fakeSource{err: prices.ErrUnavailable}, Config{MinHoldDays: 4}, nil)

		stats, err := l.Backfill(ctx, signals, persistence.TimeRange{From: mon, To: mon.AddDate(0, 0, 30)}, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Skipped)
		assert.Equal(t, 0, stats.Opened)
	})

	t.Run("rerun_is_idempotent", func(t *testing.T) {
		signals := memory.NewSignalStore()
		records := memory.NewPerformanceStore()
		for i := 0; i < 5; i++ {
			status := persistence.StatusContinuing
			if i == 0 {
				status = persistence.StatusNew
			}
			seedRow(t, signals, "AAPL", mon.AddDate(0, 0, i), status, mon, 100)
		}
		src := &fakeSource{bars: dailyBars("AAPL", mon, 100, 101, 102, 103, 104)}
		l := New(records, src, Config{MinHoldDays: 4}, nil)
		tr := persistence.TimeRange{From: mon, To: mon.AddDate(0, 0, 30)}

		_, err := l.Backfill(ctx, signals, tr, 3)
		require.NoError(t, err)
		stats, err := l.Backfill(ctx, signals, tr, 3)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Opened)
		assert.Equal(t, 0, stats.Closed)

		recs, err := records.ListRange(ctx, persistence.TimeRange{From: mon, To: mon}, persistence.RecordFilter{})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}
