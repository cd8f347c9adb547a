package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure reported by a step, a run, or a team.
type ErrorKind string

const (
	KindValidationFailed    ErrorKind = "validation_failed"
	KindToolNotFound        ErrorKind = "tool_not_found"
	KindToolExecutionFailed ErrorKind = "tool_execution_failed"
	KindPlanningFailed      ErrorKind = "planning_failed"
	KindTimeout             ErrorKind = "timeout"
	KindConsensusNotReached ErrorKind = "consensus_not_reached"
	KindApprovalDenied      ErrorKind = "approval_denied"
	KindBudgetExceeded      ErrorKind = "budget_exceeded"
)

// Retryable reports whether the step executor may retry a failure of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindToolExecutionFailed
}

// Error is the failure value carried by StepResult, AgentResult and TeamResult.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    int       `json:"step,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("%s (step %d): %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidationFailed    = &Error{Kind: KindValidationFailed, Message: "validation failed"}
	ErrToolNotFound        = &Error{Kind: KindToolNotFound, Message: "tool not found"}
	ErrToolExecutionFailed = &Error{Kind: KindToolExecutionFailed, Message: "tool execution failed"}
	ErrPlanningFailed      = &Error{Kind: KindPlanningFailed, Message: "planning failed"}
	ErrTimeout             = &Error{Kind: KindTimeout, Message: "deadline exceeded"}
	ErrConsensusNotReached = &Error{Kind: KindConsensusNotReached, Message: "consensus not reached"}
	ErrApprovalDenied      = &Error{Kind: KindApprovalDenied, Message: "approval denied"}
	ErrBudgetExceeded      = &Error{Kind: KindBudgetExceeded, Message: "call budget exceeded"}
)

// NewError builds an *Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error of the given kind around cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// AsError converts any error to an *Error, defaulting to fallback for foreign errors.
func AsError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Message: err.Error(), Err: err}
}
