// Package apperr defines the three failure classes the engine reports.
//
//   - Rejection: a business rule said no. Carries a stable reason code and a
//     message the caller can act on. Never retried by the engine.
//   - Transient: an oracle or store could not be reached. The caller may retry
//     the flow from the last completed phase.
//   - Invariant: a ledger-consistency guarantee was violated. Logged for
//     operators; callers only ever see a generic failure.
package apperr

import (
	"errors"
	"fmt"
)

// Reason codes. The string values are part of the public API.
const (
	ReasonJobNotFound              = "job_not_found"
	ReasonJobInactive              = "job_inactive"
	ReasonJobFull                  = "job_full"
	ReasonSelfClaim                = "self_claim"
	ReasonAlreadyCompleted         = "already_completed"
	ReasonValidationUnavailable    = "validation_unavailable"
	ReasonSessionNotFound          = "session_not_found"
	ReasonSessionExpired           = "session_expired"
	ReasonSessionPending           = "session_pending"
	ReasonVerified                 = "verified"
	ReasonMultipleConcurrent       = "multiple_concurrent_actions"
	ReasonNoCountIncrease          = "no_count_increase"
	ReasonCountRegression          = "count_regression"
	ReasonZeroBaseline             = "zero_baseline"
	ReasonClientFailed             = "client_verification_failed"
	ReasonUnconfirmedLowConfidence = "unconfirmed_low_confidence"
	ReasonInvalidClientAssertion   = "invalid_client_assertion"
	ReasonBelowThreshold           = "below_withdrawal_threshold"
	ReasonOnChainMismatch          = "onchain_balance_mismatch"
	ReasonInvalidActionType        = "invalid_action_type"
)

var guidance = map[string]string{
	ReasonJobNotFound:              "this job does not exist",
	ReasonJobInactive:              "this job is no longer active",
	ReasonJobFull:                  "this job has reached its maximum number of actions",
	ReasonSelfClaim:                "you cannot claim a job you created",
	ReasonAlreadyCompleted:         "you have already completed this job",
	ReasonSessionNotFound:          "no verification in progress for this job, start verification first",
	ReasonSessionExpired:           "the verification window has expired, start verification again",
	ReasonSessionPending:           "a verification for this job is already in progress",
	ReasonMultipleConcurrent:       "verified with reduced confidence because other users acted at the same time",
	ReasonNoCountIncrease:          "count did not increase, confirm the action and retry",
	ReasonCountRegression:          "count went down since verification started, confirm the action and retry",
	ReasonZeroBaseline:             "verified with reduced confidence because the starting counts were empty",
	ReasonClientFailed:             "the action could not be confirmed on your device, perform it and retry",
	ReasonUnconfirmedLowConfidence: "confirm the action manually and retry",
	ReasonInvalidClientAssertion:   "the submitted verification result is malformed",
	ReasonBelowThreshold:           "your earned balance has not reached the withdrawal threshold yet",
	ReasonOnChainMismatch:          "your balance is being reconciled, please try again later",
	ReasonInvalidActionType:        "this job has an unsupported action type",
}

// Guidance returns the user-facing message for a reason code.
func Guidance(code string) string {
	if msg, ok := guidance[code]; ok {
		return msg
	}
	return code
}

// ─── Rejection ───────────────────────────────────────────────────────────────

// Rejection is a business-rule failure reported to the caller as-is.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return fmt.Sprintf("rejected: %s", r.Code) }

// Reject builds a Rejection with the standard guidance for code.
func Reject(code string) *Rejection {
	return &Rejection{Code: code, Message: Guidance(code)}
}

// IsRejection reports whether err carries a Rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// ReasonOf returns the reason code of a Rejection in err's chain, or "".
func ReasonOf(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code
	}
	return ""
}

// ─── Transient ───────────────────────────────────────────────────────────────

// ErrTransient matches every TransientError through errors.Is.
var ErrTransient = errors.New("transient failure")

// TransientError wraps an I/O failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// ─── Invariant ───────────────────────────────────────────────────────────────

// ErrInvariant matches every InvariantError through errors.Is.
var ErrInvariant = errors.New("invariant violation")

// InvariantError signals that an atomicity guarantee was broken.
type InvariantError struct {
	Op     string
	Detail string
	Err    error
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invariant violated in %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.Err }

func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }

// Invariant builds an InvariantError. err may be nil.
func Invariant(op, detail string, err error) error {
	return &InvariantError{Op: op, Detail: detail, Err: err}
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool { return errors.Is(err, ErrInvariant) }
