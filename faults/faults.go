package faults

import (
	"errors"
	"fmt"
)

// Code identifies a machine-readable failure class surfaced to callers.
type Code string

const (
	// Validation.
	CodeInvalidAmount     Code = "invalid_amount"
	CodeInvalidAddress    Code = "invalid_address"
	CodeUnsupportedToken  Code = "unsupported_token"
	CodeExpiredMandate    Code = "expired_mandate"
	CodeAuditHashMismatch Code = "audit_hash_mismatch"
	CodeInvalidSignature  Code = "invalid_signature"

	// Authorization.
	CodeComplianceDenied Code = "compliance_denied"
	CodePolicyViolation  Code = "policy_violation"
	CodeKYCRequired      Code = "kyc_required"
	CodeSanctionsMatch   Code = "sanctions_match"

	// Resource.
	CodeNotFound            Code = "not_found"
	CodeAlreadyExists       Code = "already_exists"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeInsufficientHeld    Code = "insufficient_held"

	// Concurrency.
	CodeLockTimeout           Code = "lock_timeout"
	CodeConcurrencyConflict   Code = "concurrency_conflict"
	CodeBatchProcessingFailed Code = "batch_processing_failed"

	// Integrity.
	CodeAuditChainBroken       Code = "audit_chain_broken"
	CodeConsistencyDrift       Code = "consistency_drift"
	CodeReconciliationMismatch Code = "reconciliation_mismatch"

	// External.
	CodeProviderRateLimited   Code = "provider_rate_limited"
	CodeProviderUnavailable   Code = "provider_unavailable"
	CodeCircuitOpen           Code = "circuit_open"
	CodeUpstreamTimeout       Code = "upstream_timeout"
	CodeChainSubmissionFailed Code = "chain_submission_failed"
	CodeRequestTimeout        Code = "request_timeout"

	// Fatal.
	CodeInvariantViolated Code = "invariant_violated"
)

// Error couples a taxonomy code with a human readable reason and an
// optional wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Errors without a coded ancestor return the zero Code.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the taxonomy treats the error class as safe to
// retry. Validation and authorization failures are never retried.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeProviderRateLimited, CodeProviderUnavailable, CodeUpstreamTimeout,
		CodeConcurrencyConflict, CodeLockTimeout:
		return true
	}
	return false
}
