package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

func newBackfillCmd() *cobra.Command {
	var (
		flagFrom    string
		flagTo      string
		flagSummary bool
		flagOffline bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconstruct performance records from signal history",
		Long: `Groups historical signal rows into episodes (consecutive same-ticker
rows within the gap tolerance), opens a record at each episode's first
row and closes it at the episode's end. Safe to re-run: existing
records are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(flagFrom, flagTo, flagSummary, flagOffline)
		},
	}

	cmd.Flags().StringVar(&flagFrom, "from", "", "Range start (YYYY-MM-DD, required)")
	cmd.Flags().StringVar(&flagTo, "to", "", "Range end (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&flagSummary, "summary", false, "Print outcome statistics for the range afterwards")
	cmd.Flags().BoolVar(&flagOffline, "offline", false, "Use the in-memory store instead of the database")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func runBackfill(fromStr, toStr string, summary, offline bool) error {
	from, err := scan.ParseDate(fromStr)
	if err != nil {
		return err
	}
	to := persistence.Day(time.Now().UTC())
	if toStr != "" {
		if to, err = scan.ParseDate(toStr); err != nil {
			return err
		}
	}
	if to.Before(from) {
		return fmt.Errorf("range end %s before start %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}

	d, err := buildDeps(offline)
	if err != nil {
		return err
	}
	defer d.close()

	ctx := context.Background()
	tr := persistence.TimeRange{From: from, To: to}

	stats, err := d.ledger.Backfill(ctx, d.repo.Signals, tr, d.cfg.Tracker.ToleranceDays)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	fmt.Printf("backfill %s..%s: %d episodes, %d opened, %d closed, %d deferred, %d skipped\n",
		from.Format("2006-01-02"), to.Format("2006-01-02"),
		stats.Episodes, stats.Opened, stats.Closed, stats.Deferred, stats.Skipped)

	if summary {
		s, err := d.ledger.Summarize(ctx, tr)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return nil
}
