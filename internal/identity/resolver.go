// Package identity maps raw detections to canonical identity keys. The
// mapping is pure and deterministic: the same detection always resolves to
// the same key, and the key is what the store's conflict key is built on.
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError indicates a malformed detection. The tracker drops the
// entry, logs it, and continues the batch.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

var (
	tickerPattern  = regexp.MustCompile(`^[A-Z0-9]{1,12}(\.[A-Z0-9]{1,4})?$`)
	variantPattern = regexp.MustCompile(`^[A-Z0-9_]{1,24}$`)
)

// Resolver canonicalizes ticker symbols, optionally qualified by a signal
// variant (SYMBOL or SYMBOL:VARIANT)
type Resolver struct{}

// NewResolver creates a resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the canonical identity key for a detection
func (r *Resolver) Resolve(ticker, variant string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(ticker))
	if sym == "" {
		return "", &ValidationError{Field: "ticker", Value: ticker, Reason: "empty"}
	}
	if !tickerPattern.MatchString(sym) {
		return "", &ValidationError{Field: "ticker", Value: ticker, Reason: "not a valid symbol"}
	}

	v := strings.ToUpper(strings.TrimSpace(variant))
	if v == "" {
		return sym, nil
	}
	if !variantPattern.MatchString(v) {
		return "", &ValidationError{Field: "variant", Value: variant, Reason: "not a valid variant"}
	}
	return sym + ":" + v, nil
}
