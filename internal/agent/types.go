package agent

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/saat/internal/archctx"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Error codes raised by the broker itself. Agents are free to report their
// own codes; the broker never interprets them.
const (
	CodeAgentNotFound      = "AGENT_NOT_FOUND"
	CodeDependencyFailed   = "DEPENDENCY_FAILED"
	CodeStepExecutionError = "STEP_EXECUTION_ERROR"
	CodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
	CodeCancelled          = "CANCELLED"
)

// Agent is a pluggable analysis or generation unit driven by the broker.
//
// Execute must report expected failures as a Result with Success=false and
// populated Errors. A returned error (or a panic) is treated as an
// unexpected fault.
type Agent interface {
	Name() string
	Version() string
	Capabilities() []string
	Execute(ctx context.Context, task string, in Input) (*Result, error)
	Validate(input map[string]any) ValidationResult
}

// Input is the per-step projection handed to an agent.
type Input struct {
	Global      archctx.View   `json:"global"`
	Memory      map[string]any `json:"memory"`
	Constraints map[string]any `json:"constraints"`
	Parameters  map[string]any `json:"parameters"`
	Previous    map[string]any `json:"previous,omitempty"`
}

type Result struct {
	Success     bool           `json:"success"`
	Data        any            `json:"data"`
	Confidence  float64        `json:"confidence"`
	Errors      []Error        `json:"errors,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FirstError returns the first reported error, or nil.
func (r *Result) FirstError() *Error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	e := r.Errors[0]
	return &e
}

type Error struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Element  string   `json:"element,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

func (e Error) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Element)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an error-severity Error.
func NewError(code, message, element string) Error {
	return Error{Code: code, Message: message, Severity: SeverityError, Element: element}
}

// Failure is a convenience for agents reporting a single structured failure.
func Failure(code, message string) *Result {
	return &Result{
		Success: false,
		Errors:  []Error{NewError(code, message, "")},
	}
}

type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Score    int     `json:"score"`
	Errors   []Error `json:"errors"`
	Warnings []Error `json:"warnings"`
}
