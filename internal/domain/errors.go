package domain

import (
	"errors"
	"fmt"
	"time"
)

// Batch error taxonomy. Each kind is recovered per symbol (skip/log/continue)
// and counted separately in the batch summary. DataLeakageError additionally
// trips the hard alarm counter.

// InsufficientSignalError means every component source was unavailable; the
// caller must route to the traditional decision path instead of emitting a
// confidence computed from an all-zero vector.
type InsufficientSignalError struct {
	Symbol string
}

func (e *InsufficientSignalError) Error() string {
	return fmt.Sprintf("insufficient signal: no component available for %s", e.Symbol)
}

// PriceUnavailableError means every resolver strategy was exhausted. It is a
// typed gap: downstream code must never substitute a zero price for it.
type PriceUnavailableError struct {
	Symbol  string
	At      time.Time
	Methods []string
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("price unavailable for %s at %s after %d methods",
		e.Symbol, e.At.UTC().Format(time.RFC3339), len(e.Methods))
}

// DataLeakageError means a feature or price timestamp postdates the decision
// timestamp it supports. The affected record hard-fails; this is a structural
// correctness defect, not a transient gap.
type DataLeakageError struct {
	Symbol       string
	Field        string
	FeatureTime  time.Time
	DecisionTime time.Time
}

func (e *DataLeakageError) Error() string {
	return fmt.Sprintf("data leakage on %s: %s timestamp %s is after decision boundary %s",
		e.Symbol, e.Field,
		e.FeatureTime.UTC().Format(time.RFC3339),
		e.DecisionTime.UTC().Format(time.RFC3339))
}

// MalformedScoreError means a stored or incoming score was not a clean
// numeric. The parser substitutes Fallback and the event is logged and
// counted; it is never coerced silently.
type MalformedScoreError struct {
	Field    string
	Raw      string
	Fallback float64
}

func (e *MalformedScoreError) Error() string {
	return fmt.Sprintf("malformed score in %s: %q (fallback %.4f applied)", e.Field, e.Raw, e.Fallback)
}

// LockContentionError means the named batch lock is held elsewhere. The run
// aborts cleanly and retries later; it never force-overrides the holder.
type LockContentionError struct {
	Name string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("batch lock %q is held by another run", e.Name)
}

// Persistence gate violations.
var (
	ErrDuplicatePrediction = errors.New("active prediction already exists for symbol and decision window")
	ErrMissingPrediction   = errors.New("outcome references a prediction that does not exist")
	ErrEntryPriceDrift     = errors.New("outcome entry price drifts from the prediction entry price")
	ErrIncompleteRecord    = errors.New("record is missing required fields")
	ErrTemporalOrder       = errors.New("record violates temporal ordering")
)
