package persistence

import "errors"

// ErrStoreUnavailable indicates the backing store could not be reached or
// timed out. Callers treat it as batch-fatal: the whole tracker pass is
// retried wholesale, never resumed mid-batch.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrDuplicateRow indicates a conflict-key violation that the upsert path
// should have absorbed. Surfacing it means two writers raced outside the
// documented single-pass-per-date model.
var ErrDuplicateRow = errors.New("duplicate row for conflict key")
