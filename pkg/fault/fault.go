// Package fault defines the typed error taxonomy shared by activities, the
// durable runtime, and the persistence layer. Retry policies classify by
// Category; classification is total so no error escapes unhandled.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Category is the retry-relevant class of an error.
type Category string

const (
	// CategoryTransient covers network faults, DB locks, 5xx responses and
	// timeouts. Retried per policy.
	CategoryTransient Category = "TRANSIENT"
	// CategoryRateLimited is a transient refusal carrying a server-supplied
	// delay that overrides computed backoff.
	CategoryRateLimited Category = "RATE_LIMITED"
	// CategoryIntegrity covers artifact hash mismatches and referential
	// violations. Non-retryable.
	CategoryIntegrity Category = "INTEGRITY"
	// CategorySchema covers extractor output failing document schema
	// validation. Non-retryable.
	CategorySchema Category = "SCHEMA_VALIDATION"
	// CategoryNotFound covers missing PDFs and missing referenced rows.
	// Non-retryable.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryValidation covers domain rule violations such as an unknown
	// feedlot family. Non-retryable.
	CategoryValidation Category = "VALIDATION"
)

// Retryable reports whether the category may be retried under policy.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryRateLimited
}

// TransientError wraps a recoverable fault. Op names the failed operation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return e.Op + ": transient failure"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. A nil err yields a bare transient fault.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// RateLimitedError is a refusal with an explicit retry delay.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RateLimited wraps err with a server-supplied delay.
func RateLimited(retryAfter time.Duration, err error) error {
	return &RateLimitedError{RetryAfter: retryAfter, Err: err}
}

// IntegrityError reports content that does not match its recorded hash, or a
// referential violation in the store.
type IntegrityError struct {
	Subject string // storage URI or table/key description
	Want    string
	Got     string
}

func (e *IntegrityError) Error() string {
	if e.Want == "" && e.Got == "" {
		return fmt.Sprintf("integrity violation: %s", e.Subject)
	}
	return fmt.Sprintf("integrity violation: %s: hash mismatch: want %s, got %s", e.Subject, e.Want, e.Got)
}

// SchemaError reports extractor output that failed document schema
// validation.
type SchemaError struct {
	Document string // schema identifier, e.g. "statement" or "invoice"
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %v", e.Document, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// NotFoundError reports a missing file or row.
type NotFoundError struct {
	Kind string // "pdf", "package", "invoice", "artifact", ...
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ValidationError reports a domain rule violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsRateLimited reports whether err carries a rate-limit delay.
func IsRateLimited(err error) bool {
	var r *RateLimitedError
	return errors.As(err, &r)
}

// RetryAfter extracts the server-supplied delay from a rate-limited error.
func RetryAfter(err error) (time.Duration, bool) {
	var r *RateLimitedError
	if errors.As(err, &r) {
		return r.RetryAfter, true
	}
	return 0, false
}

// IsIntegrity reports whether err is an integrity violation.
func IsIntegrity(err error) bool {
	var i *IntegrityError
	return errors.As(err, &i)
}

// IsSchema reports whether err is a schema validation failure.
func IsSchema(err error) bool {
	var s *SchemaError
	return errors.As(err, &s)
}

// IsNotFound reports whether err is a missing file or row.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsValidation reports whether err is a domain rule violation.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Classify returns the Category of err. Classification is total: wrapped
// categories survive via errors.As, and an unrecognized error is TRANSIENT so
// that unknown faults stay retryable rather than silently terminal. A nil err
// classifies to the empty category.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	switch {
	case IsRateLimited(err):
		return CategoryRateLimited
	case IsIntegrity(err):
		return CategoryIntegrity
	case IsSchema(err):
		return CategorySchema
	case IsNotFound(err):
		return CategoryNotFound
	case IsValidation(err):
		return CategoryValidation
	case IsTransient(err):
		return CategoryTransient
	default:
		return CategoryTransient
	}
}

// FromCategory rehydrates an error of the given category from its recorded
// message, used when an activity failure crosses the durable history
// boundary. Unknown categories come back transient.
func FromCategory(cat Category, msg string, retryAfter time.Duration) error {
	switch cat {
	case CategoryRateLimited:
		return &RateLimitedError{RetryAfter: retryAfter, Err: errors.New(msg)}
	case CategoryIntegrity:
		return &IntegrityError{Subject: msg}
	case CategorySchema:
		return &SchemaError{Document: "recorded", Err: errors.New(msg)}
	case CategoryNotFound:
		return &NotFoundError{Kind: "recorded", Key: msg}
	case CategoryValidation:
		return &ValidationError{Reason: msg}
	default:
		return &TransientError{Op: "recorded", Err: errors.New(msg)}
	}
}
