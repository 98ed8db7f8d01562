// Package prices is the price-lookup collaborator consumed by the ledger
// for stop-loss evaluation and exit pricing. Unavailability is a first-class
// outcome: callers defer the affected step to the next run and never treat
// a missing price as zero.
package prices

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates no price could be obtained for the request.
// The ledger defers the specific close or backfill step when it sees this.
var ErrUnavailable = errors.New("price unavailable")

// Bar is one daily close
type Bar struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// Source provides daily close prices
type Source interface {
	// CloseOn returns the latest daily close at or before date
	CloseOn(ctx context.Context, ticker string, date time.Time) (float64, error)

	// Series returns daily closes inside [from, to], ascending by date
	Series(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error)
}
