/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place. Batch operations never abort on these:
  they are captured per row and reported back to the caller.

ERROR CATEGORIES:
  1. UnresolvableIdentity - name/gender/sub-program matches nobody
  2. DuplicateRecord      - a duplicate tier fired (carries the tier)
  3. Validation           - missing required field, unparseable date
  4. DownstreamWrite      - the store failed

USAGE:
    var dup *engine.DuplicateRecordError
    if errors.As(err, &dup) {
        log.Printf("duplicate (%s)", dup.Tier)
    }

SEE ALSO:
  - store.go: ErrDuplicateKey, ErrRecordNotFound
  - attendance/classifier.go: produces DuplicateRecordError
*/
package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnresolvableIdentity is returned when no enrolled member matches.
	ErrUnresolvableIdentity = errors.New("unresolvable identity")

	// ErrAmbiguousIdentity is returned when an update cannot pick one member.
	ErrAmbiguousIdentity = errors.New("ambiguous identity")

	// ErrDuplicateRecord is returned when a duplicate tier matched.
	ErrDuplicateRecord = errors.New("duplicate record")

	// ErrValidation is returned for malformed rows.
	ErrValidation = errors.New("validation failed")

	// ErrDownstreamWrite wraps store failures.
	ErrDownstreamWrite = errors.New("downstream write failed")

	// ErrDuplicateKey is returned by stores when a unique index rejects a write.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrRecordNotFound is returned by stores when a record does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrMirrorMissing is returned when an operation needs an existing mirror.
	ErrMirrorMissing = errors.New("mirror record missing")

	// ErrConcurrentModification is returned when a record changed between the
	// identity lookup and the transactional write. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// DUPLICATE TIERS
// =============================================================================

// DuplicateTier names the matching rule that fired.
type DuplicateTier string

const (
	TierExactKey          DuplicateTier = "exact_key"          // (date, sub-program, memberId)
	TierBroadAttributes   DuplicateTier = "broad_attributes"   // + name, gender, birth date, phone
	TierMinimalAttributes DuplicateTier = "minimal_attributes" // (date, sub-program, name, gender)
	TierAggregateRow      DuplicateTier = "aggregate_row"      // bulk full-row equality
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnresolvableIdentityError is returned when identity resolution finds nobody.
type UnresolvableIdentityError struct {
	Name       string
	Gender     string
	SubProgram string
}

func (e *UnresolvableIdentityError) Error() string {
	if e.Gender == "" {
		return fmt.Sprintf("no member named %q in %q", e.Name, e.SubProgram)
	}
	return fmt.Sprintf("no member named %q (%s) in %q", e.Name, e.Gender, e.SubProgram)
}

func (e *UnresolvableIdentityError) Unwrap() error { return ErrUnresolvableIdentity }

// DuplicateRecordError is returned when a candidate already exists.
type DuplicateRecordError struct {
	Tier       DuplicateTier
	Key        Key
	ExistingID RecordID
}

func (e *DuplicateRecordError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("duplicate record (%s) for %s", e.Tier, e.Key)
	}
	return fmt.Sprintf("duplicate record (%s) for %s (existing: %s)", e.Tier, e.Key, e.ExistingID)
}

func (e *DuplicateRecordError) Unwrap() error { return ErrDuplicateRecord }

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields map[string]string // field -> rule
	Reason string
}

func NewValidationError(field, rule string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return "validation failed: " + e.Reason
	}
	parts := make([]string, 0, len(e.Fields))
	for f, rule := range e.Fields {
		parts = append(parts, f+"="+rule)
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DownstreamWriteError wraps a store failure with the operation that failed.
type DownstreamWriteError struct {
	Op  string
	Err error
}

func (e *DownstreamWriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the category and the cause.
func (e *DownstreamWriteError) Unwrap() []error { return []error{ErrDownstreamWrite, e.Err} }

// Downstream wraps err as a DownstreamWriteError unless it already carries
// a more specific category.
func Downstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateRecord) || errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnresolvableIdentity) || errors.Is(err, ErrAmbiguousIdentity) ||
		errors.Is(err, ErrDownstreamWrite) || errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrMirrorMissing) || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	return &DownstreamWriteError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateRecord) ||
		errors.Is(err, ErrUnresolvableIdentity) ||
		errors.Is(err, ErrAmbiguousIdentity) ||
		errors.Is(err, ErrMirrorMissing)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// TierOf returns the duplicate tier carried by err, if any.
func TierOf(err error) (DuplicateTier, bool) {
	var dup *DuplicateRecordError
	if errors.As(err, &dup) {
		return dup.Tier, true
	}
	return "", false
}
