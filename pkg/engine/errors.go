// Package engine implements the Conveyor workflow orchestration core: matrix
// expansion, needs-graph construction, and run-scoped scheduling of job
// instances against an external runner.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for propagation logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a defect in the workflow document itself.
	// Validation errors are raised before any dispatch and abort the run.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassExecution indicates a failure scoped to one job instance or
	// step. Execution errors propagate to dependents per fail-fast policy.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassInternal indicates an engine defect or unexpected state.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified engine error with job and step context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for propagation logic.
	Class ErrorClass `json:"class"`

	// Code identifies the failure within the engine taxonomy.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// JobID is the job definition or instance the error belongs to.
	JobID string `json:"job_id,omitempty"`

	// StepIndex is the zero-based index of the failing step. -1 when the
	// error is not scoped to a step.
	StepIndex int `json:"step_index"`

	// Location pinpoints the failure inside an expression or document
	// (e.g., a column offset in an if expression).
	Location string `json:"location,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.JobID != "" {
		if e.StepIndex >= 0 {
			msg = fmt.Sprintf("%s (job=%s, step=%d)", msg, e.JobID, e.StepIndex)
		} else {
			msg = fmt.Sprintf("%s (job=%s)", msg, e.JobID)
		}
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is based on code identity.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithJob adds job context to the error.
func (e *EngineError) WithJob(jobID string) *EngineError {
	e.JobID = jobID
	return e
}

// WithStep adds step context to the error.
func (e *EngineError) WithStep(index int) *EngineError {
	e.StepIndex = index
	return e
}

// WithLocation adds location context to the error.
func (e *EngineError) WithLocation(location string) *EngineError {
	e.Location = location
	return e
}

// newError constructs an EngineError with no step scope.
func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{
		Class:     class,
		Code:      code,
		Message:   message,
		StepIndex: -1,
		Err:       err,
	}
}

// NewParseError reports a malformed workflow document.
func NewParseError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, ErrCodeParse, message, err)
}

// NewCyclicDependencyError reports a cycle in the needs graph.
func NewCyclicDependencyError(message string) *EngineError {
	return newError(ErrorClassValidation, ErrCodeCyclicDependency, message, nil)
}

// NewInvalidMatrixError reports an unusable matrix specification.
func NewInvalidMatrixError(message string) *EngineError {
	return newError(ErrorClassValidation, ErrCodeInvalidMatrix, message, nil)
}

// NewEvaluationError reports a malformed or failing condition expression.
func NewEvaluationError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, ErrCodeEvaluation, message, err)
}

// NewTimeoutError reports a job instance exceeding its execution window.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, ErrCodeTimeout, message, err)
}

// NewRunnerExecutionError reports a failure inside the external runner.
func NewRunnerExecutionError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, ErrCodeRunnerExecution, message, err)
}

// NewArtifactTooLargeError reports an upload exceeding the artifact size limit.
func NewArtifactTooLargeError(message string) *EngineError {
	return newError(ErrorClassExecution, ErrCodeArtifactTooLarge, message, nil)
}

// NewCacheQuotaExceededError reports a cache write exceeding the scope quota.
func NewCacheQuotaExceededError(message string) *EngineError {
	return newError(ErrorClassExecution, ErrCodeCacheQuotaExceeded, message, nil)
}

// NewApprovalRejectedError reports an environment gate rejection.
func NewApprovalRejectedError(message string) *EngineError {
	return newError(ErrorClassExecution, ErrCodeApprovalRejected, message, nil)
}

// NewApprovalTimedOutError reports an environment gate approval timeout.
func NewApprovalTimedOutError(message string) *EngineError {
	return newError(ErrorClassExecution, ErrCodeApprovalTimedOut, message, nil)
}

// NewInternalError reports an unexpected engine state.
func NewInternalError(message string, err error) *EngineError {
	return newError(ErrorClassInternal, ErrCodeInternal, message, err)
}

// IsValidation returns true if the error aborts the run before dispatch.
func IsValidation(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsExecution returns true if the error is scoped to one job instance or step.
func IsExecution(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassExecution
	}
	return false
}

// HasCode returns true if the error chain carries the given engine code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Engine error codes.
const (
	ErrCodeParse              = "PARSE_ERROR"
	ErrCodeCyclicDependency   = "CYCLIC_DEPENDENCY"
	ErrCodeInvalidMatrix      = "INVALID_MATRIX"
	ErrCodeEvaluation         = "EVALUATION_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRunnerExecution    = "RUNNER_EXECUTION"
	ErrCodeArtifactTooLarge   = "ARTIFACT_TOO_LARGE"
	ErrCodeCacheQuotaExceeded = "CACHE_QUOTA_EXCEEDED"
	ErrCodeApprovalRejected   = "APPROVAL_REJECTED"
	ErrCodeApprovalTimedOut   = "APPROVAL_TIMED_OUT"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
