package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether the underlying
// ledger call definitely did not happen or whether its outcome is unknown.
type Kind string

const (
	// KindValidation marks input rejected before any ledger traffic.
	KindValidation Kind = "validation"
	// KindInvalidRating marks a review rating outside the accepted range.
	KindInvalidRating Kind = "invalid_rating"
	// KindPrecondition marks an operation attempted against a record in the
	// wrong lifecycle state.
	KindPrecondition Kind = "precondition"
	// KindNotTokenized marks an operation that requires a minted listing.
	KindNotTokenized Kind = "not_tokenized"
	// KindEncoding marks a codec failure while preparing calldata.
	KindEncoding Kind = "encoding"
	// KindOverflow marks a fixed-point conversion exceeding the ledger word.
	KindOverflow Kind = "overflow"
	// KindSubmission marks a call the ledger rejected outright.
	KindSubmission Kind = "submission"
	// KindFinality marks a bounded wait for confirmation that expired.
	KindFinality Kind = "finality"
	// KindRead marks a failed read of confirmed ledger state.
	KindRead Kind = "read"
	// KindNotFound marks a missing local record.
	KindNotFound Kind = "not_found"
)

// Error is the structured failure surfaced by the orchestration layer.
//
// Uncertain reports whether the call may have taken effect on the ledger
// despite the error. Validation, precondition and encoding failures are raised
// before submission and are always certain; finality timeouts and failures
// after a confirmed submission leave the outcome unknown, so the caller must
// re-read ledger state instead of resubmitting.
type Error struct {
	Kind      Kind
	Message   string
	Uncertain bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf rejects bad input; never sent to the ledger.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidRating rejects a rating outside [1, 5].
func InvalidRating(rating int) *Error {
	return &Error{Kind: KindInvalidRating, Message: fmt.Sprintf("rating must be between 1 and 5, got %d", rating)}
}

// Preconditionf rejects an operation against a record in the wrong state.
func Preconditionf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

// NotTokenized rejects ledger operations against an unminted listing.
func NotTokenized(listingID string) *Error {
	return &Error{Kind: KindNotTokenized, Message: fmt.Sprintf("listing %s is not tokenized", listingID)}
}

// Encodingf reports a calldata encoding failure.
func Encodingf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindEncoding, Message: fmt.Sprintf(format, args...)}
}

// Overflowf reports a value that does not fit the ledger integer width.
func Overflowf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindOverflow, Message: fmt.Sprintf(format, args...)}
}

// Submission wraps a call the ledger rejected. The state change definitely
// did not happen.
func Submission(msg string, err error) *Error {
	return &Error{Kind: KindSubmission, Message: msg, Err: err}
}

// Finality wraps an expired confirmation wait. The outcome is unknown; the
// caller must re-read ledger state before deciding whether to retry.
func Finality(msg string, err error) *Error {
	return &Error{Kind: KindFinality, Message: msg, Uncertain: true, Err: err}
}

// Read wraps a failed query of confirmed state. Nothing was submitted, so
// the failure is certain.
func Read(msg string, err error) *Error {
	return &Error{Kind: KindRead, Message: msg, Err: err}
}

// ReadAfterSubmit wraps a failure that follows a confirmed submission: the
// state change landed, only the follow-up read or local bookkeeping failed.
// The caller cannot trust what it observed and must re-read, never resubmit.
func ReadAfterSubmit(msg string, err error) *Error {
	return &Error{Kind: KindRead, Message: msg, Uncertain: true, Err: err}
}

// NotFound reports a missing local record.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id)}
}

// KindOf extracts the fault kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsUncertain reports whether err leaves the ledger outcome unknown.
func IsUncertain(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Uncertain
	}
	return false
}
