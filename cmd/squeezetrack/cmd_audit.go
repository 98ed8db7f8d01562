package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cqdev-co/portfolio-sub002/internal/diagnostics"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/scan"
)

func newAuditCmd() *cobra.Command {
	var (
		flagFrom       string
		flagTo         string
		flagJSONOutput bool
		flagOffline    bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit persisted signal rows for invariant violations",
		Long: `Runs the read-only diagnostics pass: duplicate (ticker, scan_date)
groups, streak decreases within an episode, timestamp ordering, and
status-distribution sanity. Findings are reported, never repaired.
Exits non-zero when violations are found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(flagFrom, flagTo, flagJSONOutput, flagOffline)
		},
	}

	cmd.Flags().StringVar(&flagFrom, "from", "", "Range start (YYYY-MM-DD, default 90 days ago)")
	cmd.Flags().StringVar(&flagTo, "to", "", "Range end (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&flagJSONOutput, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&flagOffline, "offline", false, "Use the in-memory store instead of the database")
	return cmd
}

func runAudit(fromStr, toStr string, jsonOutput, offline bool) error {
	now := persistence.Day(time.Now().UTC())
	tr := persistence.TimeRange{From: now.AddDate(0, 0, -90), To: now}

	var err error
	if fromStr != "" {
		if tr.From, err = scan.ParseDate(fromStr); err != nil {
			return err
		}
	}
	if toStr != "" {
		if tr.To, err = scan.ParseDate(toStr); err != nil {
			return err
		}
	}

	d, err := buildDeps(offline)
	if err != nil {
		return err
	}
	defer d.close()

	report, err := diagnostics.NewAuditor(d.repo.Signals).Run(context.Background(), tr)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("audited %d rows, %d findings\n", report.RowsChecked, len(report.Findings))
		for _, f := range report.Findings {
			if f.Ticker != "" {
				fmt.Printf("  [%s] %s %s: %s\n", f.Check, f.Ticker, f.ScanDate.Format("2006-01-02"), f.Detail)
			} else {
				fmt.Printf("  [%s] %s\n", f.Check, f.Detail)
			}
		}
	}

	if !report.Clean() {
		return fmt.Errorf("%d invariant violations found", len(report.Findings))
	}
	return nil
}
