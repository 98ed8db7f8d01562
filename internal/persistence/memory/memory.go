// Package memory provides map-backed implementations of the persistence
// interfaces. They back unit tests and --offline runs; semantics mirror the
// postgres repos, including the (ticker, scan_date) conflict key and the
// status-gated ledger close.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// SignalStore implements persistence.SignalRepo in memory
type SignalStore struct {
	mu      sync.RWMutex
	signals map[signalKey]persistence.Signal
	runSeqs map[time.Time]int64

	// FailWith, when set, makes every call return that error. Tests use it
	// to simulate an unavailable store.
	FailWith error
}

type signalKey struct {
	ticker   string
	scanDate time.Time
}

// NewSignalStore creates an empty in-memory signal store
func NewSignalStore() *SignalStore {
	return &SignalStore{
		signals: make(map[signalKey]persistence.Signal),
		runSeqs: make(map[time.Time]int64),
	}
}

// NewRepository wires fresh in-memory stores into the aggregate repository
func NewRepository() *persistence.Repository {
	return &persistence.Repository{
		Signals:     NewSignalStore(),
		Performance: NewPerformanceStore(),
	}
}

// BeginRun allocates the next run sequence for a scan date
func (s *SignalStore) BeginRun(_ context.Context, scanDate time.Time, _ string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return 0, s.FailWith
	}

	day := persistence.Day(scanDate)
	s.runSeqs[day]++
	return s.runSeqs[day], nil
}

// Upsert inserts or replaces the row for (ticker, scan_date)
func (s *SignalStore) Upsert(_ context.Context, sig persistence.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}

	sig.ScanDate = persistence.Day(sig.ScanDate)
	sig.FirstDetected = persistence.Day(sig.FirstDetected)
	sig.LastActive = persistence.Day(sig.LastActive)

	key := signalKey{sig.Ticker, sig.ScanDate}
	now := time.Now().UTC()
	if existing, ok := s.signals[key]; ok {
		sig.CreatedAt = existing.CreatedAt
	} else {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now
	s.signals[key] = sig
	return nil
}

// ListAt retrieves all rows at an exact scan date
func (s *SignalStore) ListAt(_ context.Context, scanDate time.Time) ([]persistence.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	day := persistence.Day(scanDate)
	var out []persistence.Signal
	for key, sig := range s.signals {
		if key.scanDate.Equal(day) {
			out = append(out, sig)
		}
	}
	sortSignals(out)
	return out, nil
}

// ListActiveWithin retrieves NEW/CONTINUING rows last active inside [from, to]
func (s *SignalStore) ListActiveWithin(_ context.Context, from, to time.Time) ([]persistence.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	fromDay, toDay := persistence.Day(from), persistence.Day(to)
	var out []persistence.Signal
	for _, sig := range s.signals {
		if sig.Status == persistence.StatusEnded {
			continue
		}
		if sig.LastActive.Before(fromDay) || sig.LastActive.After(toDay) {
			continue
		}
		out = append(out, sig)
	}
	sortSignals(out)
	return out, nil
}

// MarkEnded transitions a still-active row to ENDED
func (s *SignalStore) MarkEnded(_ context.Context, ticker string, scanDate time.Time, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}

	key := signalKey{ticker, persistence.Day(scanDate)}
	sig, ok := s.signals[key]
	if !ok || sig.Status == persistence.StatusEnded {
		return false, nil
	}
	sig.Status = persistence.StatusEnded
	sig.UpdatedAt = time.Now().UTC()
	s.signals[key] = sig
	return true, nil
}

// ListRange retrieves rows inside the date range with optional filters
func (s *SignalStore) ListRange(_ context.Context, tr persistence.TimeRange, f persistence.SignalFilter) ([]persistence.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	fromDay, toDay := persistence.Day(tr.From), persistence.Day(tr.To)
	var out []persistence.Signal
	for _, sig := range s.signals {
		if sig.ScanDate.Before(fromDay) || sig.ScanDate.After(toDay) {
			continue
		}
		if f.Ticker != "" && sig.Ticker != f.Ticker {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, sig.Status) {
			continue
		}
		out = append(out, sig)
	}
	sortSignals(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PerformanceStore implements persistence.PerformanceRepo in memory
type PerformanceStore struct {
	mu      sync.RWMutex
	records []persistence.PerformanceRecord
	nextID  int64

	// FailWith mirrors SignalStore.FailWith
	FailWith error
}

// NewPerformanceStore creates an empty in-memory performance store
func NewPerformanceStore() *PerformanceStore {
	return &PerformanceStore{}
}

// Open inserts a new ACTIVE record unless one exists for (ticker, entry_date)
// or the ticker already has an ACTIVE record
func (s *PerformanceStore) Open(_ context.Context, rec persistence.PerformanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}

	rec.EntryDate = persistence.Day(rec.EntryDate)
	for _, existing := range s.records {
		if existing.Ticker != rec.Ticker {
			continue
		}
		if existing.EntryDate.Equal(rec.EntryDate) || existing.Status == persistence.RecordActive {
			return false, nil
		}
	}

	s.nextID++
	rec.ID = s.nextID
	rec.Status = persistence.RecordActive
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records = append(s.records, rec)
	return true, nil
}

// GetActive returns the ACTIVE record for a ticker, or nil
func (s *PerformanceStore) GetActive(_ context.Context, ticker string) (*persistence.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	for i := range s.records {
		if s.records[i].Ticker == ticker && s.records[i].Status == persistence.RecordActive {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// Close transitions an ACTIVE record to CLOSED; status-gated
func (s *PerformanceStore) Close(_ context.Context, id int64, exitDate time.Time, exitPrice float64, reason persistence.ExitReason, returnPct float64, isWinner bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return false, s.FailWith
	}

	for i := range s.records {
		if s.records[i].ID != id {
			continue
		}
		if s.records[i].Status != persistence.RecordActive {
			return false, nil
		}
		day := persistence.Day(exitDate)
		s.records[i].ExitDate = &day
		s.records[i].ExitPrice = &exitPrice
		s.records[i].ExitReason = &reason
		s.records[i].ReturnPct = &returnPct
		s.records[i].IsWinner = &isWinner
		s.records[i].Status = persistence.RecordClosed
		s.records[i].UpdatedAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

// ListRange retrieves records with entry_date inside the range
func (s *PerformanceStore) ListRange(_ context.Context, tr persistence.TimeRange, f persistence.RecordFilter) ([]persistence.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailWith != nil {
		return nil, s.FailWith
	}

	fromDay, toDay := persistence.Day(tr.From), persistence.Day(tr.To)
	var out []persistence.PerformanceRecord
	for _, rec := range s.records {
		if rec.EntryDate.Before(fromDay) || rec.EntryDate.After(toDay) {
			continue
		}
		if f.Ticker != "" && rec.Ticker != f.Ticker {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].EntryDate.Before(out[j].EntryDate)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortSignals(signals []persistence.Signal) {
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Ticker != signals[j].Ticker {
			return signals[i].Ticker < signals[j].Ticker
		}
		return signals[i].ScanDate.Before(signals[j].ScanDate)
	})
}

func containsStatus(statuses []persistence.SignalStatus, s persistence.SignalStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
