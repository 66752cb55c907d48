package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/pkg/workflow"
)

// Combination is one concrete assignment of matrix axis values.
type Combination struct {
	// Keys lists the axis names in deterministic order.
	Keys []string `json:"keys"`

	// Values maps axis names to their concrete values.
	Values map[string]any `json:"values"`
}

// Get returns the value for an axis key.
func (c Combination) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// String renders the combination as "(k1=v1, k2=v2)" in key order.
func (c Combination) String() string {
	if len(c.Keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(c.Keys))
	for _, k := range c.Keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, FormatMatrixValue(c.Values[k])))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FormatMatrixValue renders a matrix value the way it appears in instance
// names. Numbers keep their YAML scalar form.
func FormatMatrixValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// YAML integers may decode as float64 through include/exclude maps.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// JobInstance is a job definition resolved against one matrix combination.
// Instances are created by the matrix expander at run start and mutated only
// by the scheduler as status transitions occur.
type JobInstance struct {
	// ID is the unique instance identifier within the run:
	// the job ID plus the matrix combination.
	ID string `json:"id"`

	// JobID is the owning job definition ID.
	JobID string `json:"job_id"`

	// Matrix is the concrete matrix combination for this instance.
	Matrix Combination `json:"matrix"`

	// Needs lists the job definition IDs this instance waits on.
	Needs []string `json:"needs,omitempty"`

	// Status is the current execution status.
	Status JobStatus `json:"status"`

	// Steps are the per-step execution records, in definition order.
	Steps []StepInstance `json:"steps"`

	// Outputs holds the resolved job outputs once the instance succeeds.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Error is the failure that terminated the instance, if any.
	Error *EngineError `json:"error,omitempty"`

	// CreatedAt is when the instance was created by matrix expansion.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the instance began executing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the instance reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepInstance is one step's execution record within a job instance.
type StepInstance struct {
	// Index is the zero-based position within the job.
	Index int `json:"index"`

	// Name is the step name from the definition, if any.
	Name string `json:"name,omitempty"`

	// Status is the step result.
	Status StepStatus `json:"status"`

	// Outputs holds outputs declared by the step during execution.
	Outputs map[string]string `json:"outputs,omitempty"`

	// ExitCode is the runner exit status for run steps.
	ExitCode int `json:"exit_code"`

	// Error is the failure for this step, if any.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when the step began executing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the step finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run represents one execution of a workflow definition triggered by an event.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// WorkflowName is the name of the workflow being executed.
	WorkflowName string `json:"workflow_name"`

	// Event is the trigger that started this run.
	Event workflow.TriggerEvent `json:"event"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Instances are all job instances in the run, in expansion order.
	Instances []*JobInstance `json:"instances"`

	// Summary provides counters over instance statuses.
	Summary RunSummary `json:"summary"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`
}

// Instance returns the job instance with the given instance ID.
func (r *Run) Instance(id string) *JobInstance {
	for _, inst := range r.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// InstancesOf returns every instance expanded from the given job definition.
func (r *Run) InstancesOf(jobID string) []*JobInstance {
	var out []*JobInstance
	for _, inst := range r.Instances {
		if inst.JobID == jobID {
			out = append(out, inst)
		}
	}
	return out
}

// RunSummary provides counters over job instance statuses.
type RunSummary struct {
	// Total is the total number of job instances.
	Total int `json:"total"`

	// Succeeded is the number of instances that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of instances that failed.
	Failed int `json:"failed"`

	// Skipped is the number of instances that were skipped.
	Skipped int `json:"skipped"`

	// Cancelled is the number of instances that were cancelled.
	Cancelled int `json:"cancelled"`

	// Pending is the number of instances still pending or blocked.
	Pending int `json:"pending"`

	// Running is the number of instances currently running.
	Running int `json:"running"`
}

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// InstanceID is the job instance ID, if applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// InstanceReport is the per-instance portion of a run status query.
type InstanceReport struct {
	// InstanceID is the job instance identifier.
	InstanceID string `json:"job_instance_id"`

	// Status is the instance status at query time.
	Status JobStatus `json:"status"`

	// Outputs are the resolved job outputs, when succeeded.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// StatusReport is the exposed run status query result.
type StatusReport struct {
	// RunID is the run identifier.
	RunID string `json:"run_id"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Instances reports every job instance in the run.
	Instances []InstanceReport `json:"instances"`

	// Artifacts lists artifact names visible in the run.
	Artifacts []string `json:"artifacts,omitempty"`
}

// instanceID builds the unique instance identifier from a job ID and matrix
// combination. Instances of a matrix-less job use the bare job ID.
func instanceID(jobID string, combo Combination) string {
	suffix := combo.String()
	if suffix == "" {
		return jobID
	}
	return jobID + " " + suffix
}
