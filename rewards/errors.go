/*
errors.go - Error taxonomy for the completion engine

ERROR CATEGORIES:
  1. Caller errors - VALIDATION_ERROR, UNAUTHORIZED
  2. Lookup errors - NOT_FOUND, TASK_DISABLED
  3. Eligibility   - ALREADY_COMPLETED, ALREADY_COMPLETED_TODAY, IDEMPOTENCY_REPLAY
  4. Internal      - UNKNOWN_ERROR (storage detail is logged, never returned)

USAGE:
  result, err := engine.Complete(ctx, input)
  var rej *rewards.Rejection
  if errors.As(err, &rej) {
      // rej.Code, rej.Message, rej.Account (set on ALREADY_COMPLETED*)
  }
  if errors.Is(err, rewards.ErrAlreadyCompleted) { ... }
*/
package rewards

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeTaskDisabled          Code = "TASK_DISABLED"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeAlreadyCompletedToday Code = "ALREADY_COMPLETED_TODAY"
	CodeIdempotencyReplay     Code = "IDEMPOTENCY_REPLAY"
	CodeUnknown               Code = "UNKNOWN_ERROR"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation            = errors.New("validation error")
	ErrUnauthorized          = errors.New("caller may only complete tasks for themselves")
	ErrNotFound              = errors.New("not found")
	ErrTaskDisabled          = errors.New("task is disabled")
	ErrAlreadyCompleted      = errors.New("one-time task already completed")
	ErrAlreadyCompletedToday = errors.New("daily task already completed today")
	ErrIdempotencyReplay     = errors.New("idempotency key already used")
	ErrUnknown               = errors.New("unknown error")

	// ErrAccountNotFound is returned by stores when ApplyDelta targets a
	// missing account.
	ErrAccountNotFound = errors.New("account not found")

	// Catalog and balance constraints, enforced by every store.
	ErrInvalidTask     = errors.New("invalid task")
	ErrNegativeBalance = errors.New("balance cannot go below zero")
)

var codeSentinels = map[Code]error{
	CodeValidation:            ErrValidation,
	CodeUnauthorized:          ErrUnauthorized,
	CodeNotFound:              ErrNotFound,
	CodeTaskDisabled:          ErrTaskDisabled,
	CodeAlreadyCompleted:      ErrAlreadyCompleted,
	CodeAlreadyCompletedToday: ErrAlreadyCompletedToday,
	CodeIdempotencyReplay:     ErrIdempotencyReplay,
	CodeUnknown:               ErrUnknown,
}

// =============================================================================
// REJECTION - Structured failure returned by the engine
// =============================================================================

// Rejection is the failure half of the Complete contract.
// Account is populated with the current balance on ALREADY_COMPLETED and
// ALREADY_COMPLETED_TODAY so callers can reconcile without a refetch.
type Rejection struct {
	Code    Code
	Message string
	Account *AccountView
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error {
	return codeSentinels[r.Code]
}

func reject(code Code, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

// alreadyDone builds the rejection for a lost claim on period.
func alreadyDone(period Period, account *AccountView) *Rejection {
	if period.IsOneTime() {
		return &Rejection{Code: CodeAlreadyCompleted, Message: "One-time task already completed", Account: account}
	}
	return &Rejection{Code: CodeAlreadyCompletedToday, Message: "Daily task already completed today", Account: account}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf returns the code carried by err. Errors that are not rejections
// map to UNKNOWN_ERROR.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Code
	}
	return CodeUnknown
}

// IsAlreadyCompleted reports whether err is either eligibility rejection.
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrAlreadyCompletedToday)
}
