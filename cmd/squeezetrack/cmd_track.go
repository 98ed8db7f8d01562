package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cqdev-co/portfolio-sub002/internal/continuity"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

func newTrackCmd() *cobra.Command {
	var (
		flagOffline    bool
		flagJSONOutput bool
		flagNoLedger   bool
	)

	cmd := &cobra.Command{
		Use:   "track <batch.json>",
		Short: "Reconcile a scan batch against signal history",
		Long: `Consumes a dated scan batch (JSON: {scan_date, signals: [...]}),
classifies each signal as NEW, CONTINUING or ENDED against persisted
history, and drives the performance ledger: NEW signals open records,
swept signals close them, and remaining positions get a stop check.

Re-running the same batch for the same date is safe; rows are updated
in place, never duplicated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrack(args[0], flagOffline, flagJSONOutput, flagNoLedger)
		},
	}

	cmd.Flags().BoolVar(&flagOffline, "offline", false, "Use the in-memory store instead of the database")
	cmd.Flags().BoolVar(&flagJSONOutput, "json", false, "Print the tracker result as JSON")
	cmd.Flags().BoolVar(&flagNoLedger, "no-ledger", false, "Skip ledger reactions (tracking only)")
	return cmd
}

func runTrack(path string, offline, jsonOutput, noLedger bool) error {
	d, err := buildDeps(offline)
	if err != nil {
		return err
	}
	defer d.close()

	batch, err := scan.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	ctx := context.Background()
	result, err := d.tracker.Process(ctx, batch)
	if err != nil {
		return fmt.Errorf("process batch: %w", err)
	}

	if !noLedger {
		if err := reactToResult(d, result); err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	counts := map[persistence.SignalStatus]int{}
	for _, sig := range result.Tracked {
		counts[sig.Status]++
	}
	fmt.Printf("scan %s run %d: %d new, %d continuing, %d ended, %d dropped\n",
		result.ScanDate.Format("2006-01-02"), result.RunSeq,
		counts[persistence.StatusNew], counts[persistence.StatusContinuing],
		len(result.Ended), result.Dropped)
	return nil
}

// reactToResult drives the ledger off a tracker pass: open on NEW, close
// on swept episodes, retry closes deferred on earlier runs, stop checks on
// whatever stays open. Every step is idempotent so a retried batch repeats
// them safely.
func reactToResult(d *deps, result *continuity.Result) error {
	ctx := context.Background()

	for _, sig := range result.Tracked {
		if sig.Status != persistence.StatusNew {
			continue
		}
		if _, err := d.ledger.Open(ctx, sig); err != nil {
			return fmt.Errorf("ledger open %s: %w", sig.Ticker, err)
		}
	}

	for _, ended := range result.Ended {
		res, err := d.ledger.Close(ctx, ended.Ticker, result.ScanDate)
		if err != nil {
			return fmt.Errorf("ledger close %s: %w", ended.Ticker, err)
		}
		log.Debug().
			Str("ticker", ended.Ticker).
			Str("outcome", string(res.Outcome)).
			Msg("ledger reaction to ended episode")
	}

	// A close deferred by the min-hold rule leaves its record ACTIVE after
	// the episode's signal rows are gone; pick those up on every run.
	if _, err := d.ledger.RetryPendingCloses(ctx, d.repo.Signals, result.ScanDate, d.cfg.Tracker.ToleranceDays); err != nil {
		return fmt.Errorf("retry pending closes: %w", err)
	}

	if _, err := d.ledger.CheckStops(ctx, result.ScanDate); err != nil {
		return fmt.Errorf("stop checks: %w", err)
	}
	return nil
}
