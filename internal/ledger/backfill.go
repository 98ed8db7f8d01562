package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// BackfillStats summarizes a backfill pass
type BackfillStats struct {
	Episodes int `json:"episodes"`
	Opened   int `json:"opened"`
	Closed   int `json:"closed"`
	Deferred int `json:"deferred"`
	Skipped  int `json:"skipped"`
}

// Backfill reconstructs performance records from historical signal rows
// that have no live ledger. Consecutive same-ticker rows with gaps within
// tolerance form one episode; the first row is the entry, and the episode's
// end prices the exit. Episodes still open at the end of the range are left
// ACTIVE. Runs the same close rules as the incremental path, so re-running
// a backfill is safe.
func (l *Ledger) Backfill(ctx context.Context, signals persistence.SignalRepo, tr persistence.TimeRange, toleranceDays int) (*BackfillStats, error) {
	rows, err := signals.ListRange(ctx, tr, persistence.SignalFilter{})
	if err != nil {
		return nil, fmt.Errorf("load signal history: %w", err)
	}

	stats := &BackfillStats{}
	for _, ep := range groupEpisodes(rows, toleranceDays) {
		stats.Episodes++
		if err := l.backfillEpisode(ctx, ep, tr, toleranceDays, stats); err != nil {
			return nil, err
		}
	}

	log.Info().
		Int("episodes", stats.Episodes).
		Int("opened", stats.Opened).
		Int("closed", stats.Closed).
		Int("deferred", stats.Deferred).
		Int("skipped", stats.Skipped).
		Msg("ledger backfill complete")
	return stats, nil
}

// episode is a consecutive run of same-ticker rows within tolerance
type episode struct {
	rows []persistence.Signal
}

func (e episode) first() persistence.Signal { return e.rows[0] }
func (e episode) last() persistence.Signal  { return e.rows[len(e.rows)-1] }

// groupEpisodes splits rows (ordered by ticker, scan_date) into episodes
func groupEpisodes(rows []persistence.Signal, toleranceDays int) []episode {
	var episodes []episode
	var cur *episode

	for _, row := range rows {
		if cur != nil {
			prev := cur.last()
			sameEpisode := prev.Ticker == row.Ticker &&
				prev.Status != persistence.StatusEnded &&
				persistence.DaysBetween(prev.ScanDate, row.ScanDate) <= toleranceDays
			if sameEpisode {
				cur.rows = append(cur.rows, row)
				continue
			}
			episodes = append(episodes, *cur)
		}
		cur = &episode{rows: []persistence.Signal{row}}
	}
	if cur != nil {
		episodes = append(episodes, *cur)
	}
	return episodes
}

func (l *Ledger) backfillEpisode(ctx context.Context, ep episode, tr persistence.TimeRange, toleranceDays int, stats *BackfillStats) error {
	entry := ep.first()

	if entry.Payload.ReferencePrice <= 0 {
		price, err := l.prices.CloseOn(ctx, entry.Ticker, entry.ScanDate)
		if err != nil {
			log.Warn().Err(err).
				Str("ticker", entry.Ticker).
				Str("entry_date", entry.ScanDate.Format("2006-01-02")).
				Msg("backfill skipping episode without entry price")
			stats.Skipped++
			return nil
		}
		entry.Payload.ReferencePrice = price
	}
	// Episodes are recorded at their NEW root regardless of how the row was
	// persisted at the time.
	entry.Status = persistence.StatusNew

	opened, err := l.Open(ctx, entry)
	if err != nil {
		return err
	}
	if opened {
		stats.Opened++
	} else {
		// Only drive the close below if the ACTIVE record actually belongs
		// to this episode; an earlier episode stuck open (deferred close)
		// must not absorb this episode's exit.
		active, err := l.records.GetActive(ctx, entry.Ticker)
		if err != nil {
			return fmt.Errorf("check active record for %s: %w", entry.Ticker, err)
		}
		if active == nil || !active.EntryDate.Equal(persistence.Day(entry.ScanDate)) {
			stats.Skipped++
			return nil
		}
	}

	last := ep.last()
	ended := last.Status == persistence.StatusEnded ||
		persistence.DaysBetween(last.LastActive, tr.To) > toleranceDays
	if !ended {
		return nil
	}

	res, err := l.Close(ctx, entry.Ticker, last.LastActive)
	if err != nil {
		return err
	}
	if res.Outcome == OutcomeDeferred && res.DeferCause == "min_hold" {
		// The live path would have deferred past the minimum hold and then
		// closed on the next eligible run; replay that close here.
		res, err = l.Close(ctx, entry.Ticker, entry.ScanDate.AddDate(0, 0, l.cfg.MinHoldDays))
		if err != nil {
			return err
		}
	}

	switch res.Outcome {
	case OutcomeClosed:
		stats.Closed++
	case OutcomeDeferred:
		stats.Deferred++
	}
	return nil
}
