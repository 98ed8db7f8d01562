package continuity

import (
	"sort"
	"time"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// Sweep returns the identities that were previously active, are absent from
// the current batch, and whose gap to scanDate is within tolerance. The
// bound is symmetric with the continuation rule: the same gap that would
// still qualify a reappearance as CONTINUING is the outer limit for writing
// ENDED. Beyond it the identity is already implicitly ended and no write is
// owed.
func Sweep(lastActive map[string]time.Time, current map[string]struct{}, scanDate time.Time, toleranceDays int) []string {
	var ended []string
	for ticker, last := range lastActive {
		if _, present := current[ticker]; present {
			continue
		}
		gap := persistence.DaysBetween(last, scanDate)
		if gap >= 1 && gap <= toleranceDays {
			ended = append(ended, ticker)
		}
	}
	sort.Strings(ended)
	return ended
}

// withinTolerance reports whether a prior detection at last still chains
// into an episode continuing at scanDate
func withinTolerance(last, scanDate time.Time, toleranceDays int) bool {
	gap := persistence.DaysBetween(last, scanDate)
	return gap >= 1 && gap <= toleranceDays
}
