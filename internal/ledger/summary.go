package ledger

import (
	"context"
	"fmt"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// Summary aggregates closed-record outcomes over a date range
type Summary struct {
	TotalRecords int                            `json:"total_records"`
	OpenRecords  int                            `json:"open_records"`
	ClosedCount  int                            `json:"closed_count"`
	Winners      int                            `json:"winners"`
	WinRate      float64                        `json:"win_rate_pct"`
	AvgReturnPct float64                        `json:"avg_return_pct"`
	ByExitReason map[persistence.ExitReason]int `json:"by_exit_reason"`
}

// Summarize computes outcome statistics for records entered inside the range
func (l *Ledger) Summarize(ctx context.Context, tr persistence.TimeRange) (*Summary, error) {
	records, err := l.records.ListRange(ctx, tr, persistence.RecordFilter{})
	if err != nil {
		return nil, fmt.Errorf("list performance records: %w", err)
	}

	s := &Summary{ByExitReason: make(map[persistence.ExitReason]int)}
	var returnSum float64
	for _, rec := range records {
		s.TotalRecords++
		if rec.Status == persistence.RecordActive {
			s.OpenRecords++
			continue
		}

		s.ClosedCount++
		if rec.ExitReason != nil {
			s.ByExitReason[*rec.ExitReason]++
		}
		if rec.IsWinner != nil && *rec.IsWinner {
			s.Winners++
		}
		if rec.ReturnPct != nil {
			returnSum += *rec.ReturnPct
		}
	}

	if s.ClosedCount > 0 {
		s.WinRate = float64(s.Winners) / float64(s.ClosedCount) * 100
		s.AvgReturnPct = returnSum / float64(s.ClosedCount)
	}
	return s, nil
}
