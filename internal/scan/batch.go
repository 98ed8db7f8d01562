// Package scan defines the ephemeral batch handed to the tracker by the
// upstream squeeze scanner. Batches are consumed, never persisted.
package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// Entry is one raw detection inside a batch. Score and ReferencePrice are
// the envelope fields the tracker and ledger read; any other keys in the
// source document are kept opaquely in Raw.
type Entry struct {
	Ticker         string
	Variant        string
	Score          float64
	ReferencePrice float64
	Raw            map[string]interface{}
}

// Batch is one dated scan result set
type Batch struct {
	ScanDate time.Time
	Entries  []Entry
}

// Payload converts the entry envelope into the persisted payload form
func (e Entry) Payload() persistence.Payload {
	return persistence.Payload{
		ReferencePrice: e.ReferencePrice,
		Score:          e.Score,
		Raw:            e.Raw,
	}
}

// UnmarshalJSON pulls the envelope fields out and keeps the rest opaque
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["ticker"].(string); ok {
		e.Ticker = v
	}
	if v, ok := raw["variant"].(string); ok {
		e.Variant = v
	}
	if v, ok := raw["score"].(float64); ok {
		e.Score = v
	}
	if v, ok := raw["reference_price"].(float64); ok {
		e.ReferencePrice = v
	}

	delete(raw, "ticker")
	delete(raw, "variant")
	delete(raw, "score")
	delete(raw, "reference_price")
	if len(raw) > 0 {
		e.Raw = raw
	}
	return nil
}

type batchDoc struct {
	ScanDate string  `json:"scan_date"`
	Signals  []Entry `json:"signals"`
}

// UnmarshalJSON accepts scan_date as YYYY-MM-DD or RFC 3339
func (b *Batch) UnmarshalJSON(data []byte) error {
	var doc batchDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	date, err := ParseDate(doc.ScanDate)
	if err != nil {
		return err
	}
	b.ScanDate = date
	b.Entries = doc.Signals
	return nil
}

// LoadFile reads a batch document from disk
func LoadFile(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file %s: %w", path, err)
	}

	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}
	if batch.ScanDate.IsZero() {
		return nil, fmt.Errorf("batch file %s has no scan_date", path)
	}
	return &batch, nil
}

// ParseDate parses a calendar date, accepting YYYY-MM-DD or RFC 3339, and
// normalizes it to UTC midnight
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return persistence.Day(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return persistence.Day(t), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q (want YYYY-MM-DD)", s)
}
