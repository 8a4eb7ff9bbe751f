// Package swarmerr defines the error taxonomy shared across the swarm core.
// Each failure mode has a stable Code and a matching sentinel error so
// callers can branch with errors.Is while still wrapping context.
package swarmerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure mode in the swarm error taxonomy.
type Code string

const (
	CodeSessionNotFound      Code = "session_not_found"
	CodeSessionLimitExceeded Code = "session_limit_exceeded"
	CodeSessionInvalidState  Code = "session_invalid_state"
	CodeTaskNotFound         Code = "task_not_found"
	CodeTaskDependencyCycle  Code = "task_dependency_cycle"
	CodeTaskAlreadyAssigned  Code = "task_already_assigned"
	CodeTaskLimitExceeded    Code = "task_limit_exceeded"
	CodeAgentNotFound        Code = "agent_not_found"
	CodeAgentLimitExceeded   Code = "agent_limit_exceeded"
	CodeAgentTimeout         Code = "agent_timeout"
	CodeMessageNotFound      Code = "message_not_found"
	CodeTokenBudgetExceeded  Code = "token_budget_exceeded"
	CodeContextOverflow      Code = "context_overflow"
	CodeModelNotAvailable    Code = "model_not_available"
	CodeModelRateLimited     Code = "model_rate_limited"
	CodeModelAPIError        Code = "model_api_error"
	CodeWorktreeCreateFailed Code = "worktree_create_failed"
	CodeMergeConflict        Code = "merge_conflict"
	CodeConfiguration        Code = "configuration_error"
	CodeValidation           Code = "validation_error"
	CodeInternal             Code = "internal_error"
)

// Sentinel errors, one per taxonomy code.
var (
	ErrSessionNotFound      = &Error{Code: CodeSessionNotFound, msg: "session not found"}
	ErrSessionLimitExceeded = &Error{Code: CodeSessionLimitExceeded, msg: "session limit exceeded"}
	ErrSessionInvalidState  = &Error{Code: CodeSessionInvalidState, msg: "invalid session state transition"}
	ErrTaskNotFound         = &Error{Code: CodeTaskNotFound, msg: "task not found"}
	ErrTaskDependencyCycle  = &Error{Code: CodeTaskDependencyCycle, msg: "task dependency cycle"}
	ErrTaskAlreadyAssigned  = &Error{Code: CodeTaskAlreadyAssigned, msg: "task already assigned"}
	ErrTaskLimitExceeded    = &Error{Code: CodeTaskLimitExceeded, msg: "task limit exceeded"}
	ErrAgentNotFound        = &Error{Code: CodeAgentNotFound, msg: "agent not found"}
	ErrAgentLimitExceeded   = &Error{Code: CodeAgentLimitExceeded, msg: "agent limit exceeded"}
	ErrAgentTimeout         = &Error{Code: CodeAgentTimeout, msg: "agent timed out"}
	ErrMessageNotFound      = &Error{Code: CodeMessageNotFound, msg: "message not found"}
	ErrTokenBudgetExceeded  = &Error{Code: CodeTokenBudgetExceeded, msg: "token budget exceeded"}
	ErrContextOverflow      = &Error{Code: CodeContextOverflow, msg: "context window overflow"}
	ErrModelNotAvailable    = &Error{Code: CodeModelNotAvailable, msg: "model not available"}
	ErrModelRateLimited     = &Error{Code: CodeModelRateLimited, msg: "model rate limited"}
	ErrModelAPIError        = &Error{Code: CodeModelAPIError, msg: "model API error"}
	ErrWorktreeCreateFailed = &Error{Code: CodeWorktreeCreateFailed, msg: "worktree creation failed"}
	ErrMergeConflict        = &Error{Code: CodeMergeConflict, msg: "merge conflict"}
	ErrConfiguration        = &Error{Code: CodeConfiguration, msg: "configuration error"}
	ErrValidation           = &Error{Code: CodeValidation, msg: "validation error"}
	ErrInternal             = &Error{Code: CodeInternal, msg: "internal error"}
)

// Error carries a taxonomy code plus a human-readable message.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Is matches any error carrying the same taxonomy code, so wrapped errors
// created with Wrap or Newf compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// Newf builds a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a taxonomy code. The result matches both the
// sentinel for code and the original err under errors.Is.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", &Error{Code: code, msg: string(code)}, err)
}

// CodeOf extracts the taxonomy code from err, or CodeInternal if err does
// not carry one.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}
