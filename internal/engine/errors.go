package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes expected failures reported inside an ActionResult.
type ErrorCode string

const (
	// CodeValidation: the form engine or the server rejected the payload.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeConflict: the server rejected a stale version; the record is in
	// conflict review.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeNotApplicable: the action does not apply to the record.
	CodeNotApplicable ErrorCode = "NOT_APPLICABLE"

	// CodeLockHeld: another holder owns the collaboration lock.
	CodeLockHeld ErrorCode = "LOCK_HELD"

	// CodeCancelled: the caller cancelled or declined the action.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeUnknownAction: no action (or custom handler) with that key.
	CodeUnknownAction ErrorCode = "UNKNOWN_ACTION"

	// CodeNotInitialized: the engine was used before Init.
	CodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// CodeBatchAborted: an atomic bulk action stopped before this batch.
	CodeBatchAborted ErrorCode = "BATCH_ABORTED"
)

// EngineError is an expected, structured failure. It never means the store
// is inconsistent.
type EngineError struct {
	Code     ErrorCode
	Message  string
	OpID     string
	RecordID string
	Err      error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s: %s (record=%s)", e.Code, e.Message, e.RecordID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying gateway or handler error, if any.
func (e *EngineError) Unwrap() error { return e.Err }

// CodeOf returns the code of the first *EngineError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsConflict reports whether err is a conflict routed to review.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsNotApplicable reports whether err marks an ineligible record.
func IsNotApplicable(err error) bool { return CodeOf(err) == CodeNotApplicable }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }

func newError(code ErrorCode, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// LockHeldError reports a collaboration lock held by someone else. Editing
// is still possible in read-only mode.
type LockHeldError struct {
	Entity string
	ID     string
	HeldBy string
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s: %s/%s is being edited by %s", CodeLockHeld, e.Entity, e.ID, e.HeldBy)
}

// ContractError is a programming-contract violation, such as dispatching
// before Init. The engine panics with it rather than returning it.
type ContractError struct {
	Code    ErrorCode
	Op      string
	Message string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	return fmt.Sprintf("engine contract violated in %s: %s", e.Op, e.Message)
}

// ErrStopped is returned when the Run loop has exited.
var ErrStopped = errors.New("engine stopped")
