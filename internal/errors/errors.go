package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeSigner        Code = 14
	CodeSuperseded    Code = 15
	CodeBlocked       Code = 16
	CodeSchemaInvalid Code = 20
	// Liquidity and pool resolution.
	CodeSourceUnavailable Code = 21
	CodePoolUnavailable   Code = 22
	CodeIdentityMismatch  Code = 23
	// Transaction orchestration.
	CodeApprovalFailed       Code = 30
	CodeActionFailed         Code = 31
	CodeActionTimeout        Code = 32
	CodeConcurrentSubmission Code = 33
	CodeInvalidTransition    Code = 34
)

var codeNames = map[Code]string{
	CodeInternal:             "internal_error",
	CodeUsage:                "usage_error",
	CodeAuth:                 "auth_error",
	CodeRateLimited:          "rate_limited",
	CodeUnavailable:          "unavailable",
	CodeUnsupported:          "unsupported",
	CodeSigner:               "signer_error",
	CodeSuperseded:           "superseded",
	CodeBlocked:              "command_blocked",
	CodeSchemaInvalid:        "schema_invalid",
	CodeSourceUnavailable:    "source_unavailable",
	CodePoolUnavailable:      "pool_unavailable",
	CodeIdentityMismatch:     "identity_mismatch",
	CodeApprovalFailed:       "approval_failed",
	CodeActionFailed:         "action_failed",
	CodeActionTimeout:        "action_timeout",
	CodeConcurrentSubmission: "concurrent_submission_rejected",
	CodeInvalidTransition:    "invalid_transition",
}

// String returns the snake_case type name used in output envelopes.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "error"
}

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	typed, ok := As(err)
	return ok && typed.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if typed, ok := As(err); ok {
		return int(typed.Code)
	}
	return int(CodeInternal)
}
