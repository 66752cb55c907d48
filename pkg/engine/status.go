package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run is validated but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every job instance reached Succeeded or
	// was legitimately skipped by its condition.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one job instance failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// JobStatus represents the status of a job instance during execution.
type JobStatus string

const (
	// JobStatusPending indicates the instance is waiting for its needs.
	JobStatusPending JobStatus = "pending"

	// JobStatusBlocked indicates the instance is held by an environment
	// gate awaiting approval.
	JobStatusBlocked JobStatus = "blocked"

	// JobStatusRunning indicates the instance is executing on the runner.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded indicates the instance completed successfully.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed indicates the instance failed.
	JobStatusFailed JobStatus = "failed"

	// JobStatusSkipped indicates the instance never started, either because
	// its condition evaluated false or because a needed job did not succeed.
	JobStatusSkipped JobStatus = "skipped"

	// JobStatusCancelled indicates the instance was cancelled, by fail-fast,
	// gate timeout, or run cancellation.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed ||
		s == JobStatusSkipped || s == JobStatusCancelled
}

// IsActive returns true if the instance has not yet reached a final state.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusBlocked || s == JobStatusRunning
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusBlocked, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// StepStatus represents the result of a single step within a job instance.
type StepStatus string

const (
	// StepStatusPending indicates the step has not run yet.
	StepStatusPending StepStatus = "pending"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step's condition evaluated false or a
	// prior step failure ended the job early.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeRunCancelled indicates a run was cancelled.
	EventTypeRunCancelled EventType = "run_cancelled"

	// EventTypeJobStarted indicates a job instance started executing.
	EventTypeJobStarted EventType = "job_started"

	// EventTypeJobCompleted indicates a job instance completed successfully.
	EventTypeJobCompleted EventType = "job_completed"

	// EventTypeJobFailed indicates a job instance failed.
	EventTypeJobFailed EventType = "job_failed"

	// EventTypeJobSkipped indicates a job instance was skipped.
	EventTypeJobSkipped EventType = "job_skipped"

	// EventTypeJobCancelled indicates a job instance was cancelled.
	EventTypeJobCancelled EventType = "job_cancelled"

	// EventTypeJobBlocked indicates a job instance is held by a gate.
	EventTypeJobBlocked EventType = "job_blocked"

	// EventTypeApprovalRequested indicates an approval request was created.
	EventTypeApprovalRequested EventType = "approval_requested"

	// EventTypeApprovalResolved indicates an approval request resolved.
	EventTypeApprovalResolved EventType = "approval_resolved"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeJobFailed:
		return "error"
	case EventTypeWarning, EventTypeJobCancelled, EventTypeRunCancelled:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}
