package engine

import (
	"context"
	"time"

	"github.com/conveyorci/conveyor/pkg/workflow"
)

// Runner executes resolved step commands inside an execution sandbox.
// The engine never implements the sandbox itself; it dispatches fully
// resolved steps and consumes exit status, output streams, and declared
// step outputs.
type Runner interface {
	// RunStep executes a single resolved step to completion.
	RunStep(ctx context.Context, req StepRequest) (*StepResult, error)
}

// StepRequest is a fully resolved step handed to the runner.
type StepRequest struct {
	// RunID is the owning run.
	RunID string `json:"run_id"`

	// InstanceID is the owning job instance.
	InstanceID string `json:"instance_id"`

	// StepIndex is the zero-based step position within the job.
	StepIndex int `json:"step_index"`

	// Command is the resolved shell command for run steps.
	Command string `json:"command,omitempty"`

	// Uses is the action reference for uses steps.
	Uses string `json:"uses,omitempty"`

	// Env is the resolved environment for the step.
	Env map[string]string `json:"env,omitempty"`
}

// StepResult is the runner's report for one executed step.
type StepResult struct {
	// ExitCode is the process exit status. Zero means success.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output stream.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is the captured standard error stream.
	Stderr string `json:"stderr,omitempty"`

	// Outputs are outputs the step declared during execution.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// SecretStore resolves secret values by name and scope at evaluation time.
// Values are never persisted beyond the job's lifetime.
type SecretStore interface {
	// Resolve returns the secret value for name within scope. The empty
	// scope addresses repository-level secrets.
	Resolve(ctx context.Context, name, scope string) (string, bool)
}

// CacheHit is a successful cache lookup result.
type CacheHit struct {
	// Key is the key of the entry that satisfied the lookup. It may be a
	// restore-key match rather than the requested key.
	Key string `json:"key"`

	// Exact reports whether the requested key matched exactly.
	Exact bool `json:"exact"`

	// Payload is the cached content.
	Payload []byte `json:"-"`

	// CreatedAt is when the entry was written.
	CreatedAt time.Time `json:"created_at"`
}

// CacheService is the keyed, scoped cache consulted by steps.
type CacheService interface {
	// Put writes an immutable entry. Writing an already-present key is a
	// silent no-op.
	Put(ctx context.Context, key string, payload []byte, scope string) error

	// Get returns the exact-key entry when present, otherwise the
	// most-recently-created entry whose key has one of the restore keys as
	// a prefix, scanning restore keys in declared order. A miss returns
	// (nil, nil).
	Get(ctx context.Context, key string, restoreKeys []string, scope string) (*CacheHit, error)

	// List returns the keys present in a scope.
	List(ctx context.Context, scope string) ([]string, error)

	// Delete removes an entry by key within a scope.
	Delete(ctx context.Context, key, scope string) error
}

// ArtifactInfo describes a stored artifact.
type ArtifactInfo struct {
	// Name is the artifact name, unique within its run.
	Name string `json:"name"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// Size is the payload size in bytes.
	Size int64 `json:"size"`

	// RetentionDays is how long the artifact is kept.
	RetentionDays int `json:"retention_days"`

	// CreatedAt is when the artifact was uploaded.
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactService is the named, retention-bounded blob store for build
// outputs shared across jobs in a run. Uploads stay invisible until the
// producing instance is committed; a discarded instance's uploads are
// deleted without ever becoming visible.
type ArtifactService interface {
	// Upload stores an artifact for the producing instance.
	Upload(ctx context.Context, runID, instanceID, name string, payload []byte, retentionDays int) (*ArtifactInfo, error)

	// Download returns the payload of a visible artifact within the run.
	// Cross-run access requires the explicit owning run ID.
	Download(ctx context.Context, runID, name string) ([]byte, error)

	// Commit makes every upload of the producing instance visible.
	Commit(ctx context.Context, runID, instanceID string) error

	// Discard deletes every uncommitted upload of the producing instance.
	Discard(ctx context.Context, runID, instanceID string) error

	// List returns the visible artifacts of a run.
	List(ctx context.Context, runID string) ([]ArtifactInfo, error)

	// Delete removes a visible artifact from a run.
	Delete(ctx context.Context, runID, name string) error
}

// GateOutcome is the resolution of an environment gate hold.
type GateOutcome string

const (
	// GateApproved indicates the instance may proceed.
	GateApproved GateOutcome = "approved"

	// GateRejected indicates a reviewer rejected the deployment or the
	// triggering branch is not allowed.
	GateRejected GateOutcome = "rejected"

	// GateTimedOut indicates the approval window elapsed with no
	// resolving action.
	GateTimedOut GateOutcome = "timed_out"
)

// GateRequest asks the environment gate to clear a job instance for a
// protected environment.
type GateRequest struct {
	// RunID is the owning run.
	RunID string `json:"run_id"`

	// InstanceID is the job instance held at the gate.
	InstanceID string `json:"instance_id"`

	// Environment is the protected target.
	Environment *workflow.Environment `json:"environment"`

	// Branch is the branch of the triggering ref.
	Branch string `json:"branch"`
}

// EnvironmentGate guards job instances that target protected environments.
// Evaluate blocks until the request resolves; the scheduler marks the
// instance Blocked for the duration.
type EnvironmentGate interface {
	Evaluate(ctx context.Context, req GateRequest) (GateOutcome, error)
}

// RunRecorder persists run snapshots for later inspection. The scheduler
// hands it each run as it reaches a terminal status.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *Run) error
}

// EventPublisher publishes run timeline events to subscribers.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error

	// Subscribe returns a channel receiving events for a run. The channel
	// closes when the context is done.
	Subscribe(ctx context.Context, runID string) (<-chan Event, error)
}
