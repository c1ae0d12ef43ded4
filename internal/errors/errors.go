package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure so callers can decide what to do with it.
type Kind int

const (
	// KindClassificationUnavailable - the inference boundary failed or timed out.
	// Transient: the signal is retried on the next recurrence.
	KindClassificationUnavailable Kind = iota
	// KindInvalidTransition - an illegal bug status transition was requested.
	KindInvalidTransition
	// KindAlreadyHealing - a concurrent heal is in flight for the same bug.
	KindAlreadyHealing
	// KindActionExecution - a healing action failed or timed out.
	KindActionExecution
	// KindEscalationDelivery - the issue tracker could not be reached.
	KindEscalationDelivery
	// KindValidation - invalid input data.
	KindValidation
	// KindNotFound - the referenced bug does not exist.
	KindNotFound
	// KindStorage - the backing store failed.
	KindStorage
	// KindInternal - unexpected internal state.
	KindInternal
)

// Error is a structured error attributable to a specific bug and attempt.
type Error struct {
	Kind      Kind
	Message   string
	BugID     string
	AttemptID string
	Cause     error
	Transient bool
}

func (e *Error) Error() string {
	msg := e.Message
	if e.BugID != "" {
		msg = fmt.Sprintf("%s (bug %s)", msg, e.BugID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind so callers can use errors.Is with a bare kind error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithAttempt attributes the error to a healing attempt.
func (e *Error) WithAttempt(attemptID string) *Error {
	e.AttemptID = attemptID
	return e
}

// Sentinel values for errors.Is checks.
var (
	ErrClassificationUnavailable = &Error{Kind: KindClassificationUnavailable}
	ErrInvalidTransition         = &Error{Kind: KindInvalidTransition}
	ErrAlreadyHealing            = &Error{Kind: KindAlreadyHealing}
	ErrEscalationDelivery        = &Error{Kind: KindEscalationDelivery}
	ErrNotFound                  = &Error{Kind: KindNotFound}
)

// ClassificationUnavailable wraps a failed inference call.
func ClassificationUnavailable(err error) *Error {
	return &Error{
		Kind:      KindClassificationUnavailable,
		Message:   "classification unavailable",
		Cause:     err,
		Transient: true,
	}
}

// InvalidTransition reports an illegal state machine transition.
func InvalidTransition(bugID, from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("invalid transition %s -> %s", from, to),
		BugID:   bugID,
	}
}

// AlreadyHealing reports that a heal for the bug is already in flight.
// Expected contention, the caller should back off rather than queue.
func AlreadyHealing(bugID string) *Error {
	return &Error{
		Kind:      KindAlreadyHealing,
		Message:   "healing already in progress",
		BugID:     bugID,
		Transient: true,
	}
}

// ActionExecution wraps a failed or timed-out healing action.
func ActionExecution(bugID, attemptID string, err error) *Error {
	return &Error{
		Kind:      KindActionExecution,
		Message:   "healing action failed",
		BugID:     bugID,
		AttemptID: attemptID,
		Cause:     err,
		Transient: true,
	}
}

// EscalationDelivery wraps an issue tracker delivery failure.
func EscalationDelivery(bugID string, err error) *Error {
	return &Error{
		Kind:      KindEscalationDelivery,
		Message:   "escalation delivery failed",
		BugID:     bugID,
		Cause:     err,
		Transient: true,
	}
}

// Validation reports invalid input.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf reports invalid input with formatting.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing bug.
func NotFound(bugID string) *Error {
	return &Error{Kind: KindNotFound, Message: "bug not found", BugID: bugID}
}

// Storage wraps a backing store failure.
func Storage(err error, message string) *Error {
	return &Error{Kind: KindStorage, Message: message, Cause: err, Transient: true}
}

// Internal reports unexpected internal state.
func Internal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

// IsTransient reports whether the error is retry-safe. Unknown error types
// are treated as permanent so callers do not retry blindly.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// KindOf extracts the Kind from an error chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindInternal, false
}
