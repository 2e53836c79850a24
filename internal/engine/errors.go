package engine

import (
	"errors"
	"fmt"

	"missionline/internal/validate"
)

// Code categorizes engine errors. Input errors are caller mistakes, gate
// errors can be resolved and retried, safety errors hold until an explicit
// human action, configuration errors are passed through from collaborators.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeCompletionBlocked  Code = "COMPLETION_BLOCKED"
	CodeBreakerTripped     Code = "CIRCUIT_BREAKER_TRIPPED"
	CodeCostLimitExceeded  Code = "COST_LIMIT_EXCEEDED"
	CodeArmedModeRequired  Code = "ARMED_MODE_REQUIRED"
	CodeDependencyNotMet   Code = "DEPENDENCY_NOT_MET"
	CodeToolNotAllowed     Code = "TOOL_NOT_ALLOWED"
	CodeNotConfigured      Code = "NOT_CONFIGURED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeDestructiveBlocked Code = "DESTRUCTIVE_BLOCKED"
)

// Error is the typed error every rejected mutation surfaces.
type Error struct {
	Code      Code
	Message   string
	MissionID string
	Details   map[string]any
}

func (e *Error) Error() string {
	if e.MissionID != "" {
		return fmt.Sprintf("%s: %s (mission=%s)", e.Code, e.Message, e.MissionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the engine code from err, empty if err is not an engine
// error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func validationError(result validate.Result) *Error {
	details := map[string]any{"errors": result.Errors}
	msg := "validation failed"
	if len(result.Errors) > 0 {
		msg = fmt.Sprintf("%s: %s", result.Errors[0].Field, result.Errors[0].Message)
	}
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

func validationErrorf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

func breakerTrippedError(missionID, reason string) *Error {
	msg := "circuit breaker tripped; human approval required"
	if reason != "" {
		msg = fmt.Sprintf("circuit breaker tripped: %s", reason)
	}
	return &Error{Code: CodeBreakerTripped, Message: msg, MissionID: missionID}
}

func completionBlockedError(missionID string, missing []string) *Error {
	return &Error{
		Code:      CodeCompletionBlocked,
		Message:   fmt.Sprintf("required artifacts missing: %v", missing),
		MissionID: missionID,
		Details:   map[string]any{"missing_artifacts": missing},
	}
}

func dependencyNotMetError(missionID, taskID string, unmet []string) *Error {
	return &Error{
		Code:      CodeDependencyNotMet,
		Message:   fmt.Sprintf("task %s has incomplete dependencies: %v", taskID, unmet),
		MissionID: missionID,
		Details:   map[string]any{"task_id": taskID, "unmet_dependencies": unmet},
	}
}

func toolNotAllowedError(missionID, tool string) *Error {
	return &Error{
		Code:      CodeToolNotAllowed,
		Message:   fmt.Sprintf("tool %s is not in the mission allow-list", tool),
		MissionID: missionID,
		Details:   map[string]any{"tool": tool},
	}
}

func costLimitError(missionID, reason string, limit, projected float64) *Error {
	return &Error{
		Code:      CodeCostLimitExceeded,
		Message:   reason,
		MissionID: missionID,
		Details:   map[string]any{"limit": limit, "projected": projected},
	}
}

func armedRequiredError(missionID string) *Error {
	return &Error{
		Code:      CodeArmedModeRequired,
		Message:   "destructive mission requires the engine to run in armed mode",
		MissionID: missionID,
	}
}

func destructiveBlockedError(missionID string) *Error {
	return &Error{
		Code:      CodeDestructiveBlocked,
		Message:   "destructive mission requires an approval_record before it may proceed",
		MissionID: missionID,
	}
}

// NewNotConfigured wraps a collaborator's missing-configuration failure so it
// surfaces with an engine code without touching engine state.
func NewNotConfigured(msg string) *Error {
	return &Error{Code: CodeNotConfigured, Message: msg}
}

// NewRateLimited wraps a collaborator's rate-limit failure; the engine never
// retries on the caller's behalf.
func NewRateLimited(msg string) *Error {
	return &Error{Code: CodeRateLimited, Message: msg}
}
