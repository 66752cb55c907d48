package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition represents a parsed workflow document.
// It is immutable for the lifetime of a run.
type Definition struct {
	// Name is the human-readable workflow name.
	Name string `yaml:"name" json:"name"`

	// On lists the trigger event types that start a run (e.g., "push",
	// "pull_request", "schedule").
	On []string `yaml:"on" json:"on" validate:"min=1,dive,required"`

	// Jobs maps job IDs to their definitions.
	Jobs map[string]*JobDefinition `yaml:"jobs" json:"jobs" validate:"min=1,dive,required"`
}

// JobDefinition describes a single job within a workflow.
type JobDefinition struct {
	// ID is the job identifier, unique within the workflow.
	// Populated from the map key during parsing.
	ID string `yaml:"-" json:"id"`

	// Needs lists job IDs that must succeed before this job runs.
	Needs []string `yaml:"needs" json:"needs,omitempty"`

	// Strategy configures matrix expansion and failure policy.
	Strategy *Strategy `yaml:"strategy" json:"strategy,omitempty"`

	// If is the condition expression guarding this job. When empty, an
	// implicit success() check applies.
	If string `yaml:"if" json:"if,omitempty"`

	// Environment names a protected deployment environment this job targets.
	Environment string `yaml:"environment" json:"environment,omitempty"`

	// Steps are executed strictly in order on a single execution context.
	Steps []StepDefinition `yaml:"steps" json:"steps" validate:"min=1"`

	// Outputs maps output names to expressions resolved after the job
	// succeeds. Dependents read them through the needs context.
	Outputs map[string]string `yaml:"outputs" json:"outputs,omitempty"`
}

// Strategy configures matrix expansion and sibling failure policy for a job.
type Strategy struct {
	// Matrix is the axis/include/exclude specification.
	Matrix *MatrixSpec `yaml:"matrix" json:"matrix,omitempty"`

	// FailFast cancels sibling matrix instances on the first failure.
	// Defaults to true when unset.
	FailFast *bool `yaml:"fail-fast" json:"fail_fast,omitempty"`

	// MaxParallel caps concurrently running instances of this job.
	// Zero means unlimited.
	MaxParallel int `yaml:"max-parallel" json:"max_parallel,omitempty" validate:"min=0"`
}

// FailFastEnabled reports the effective fail-fast setting.
func (s *Strategy) FailFastEnabled() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// StepDefinition describes a single step within a job.
type StepDefinition struct {
	// ID is an optional step identifier used to reference step outputs.
	ID string `yaml:"id" json:"id,omitempty"`

	// Name is the human-readable step name.
	Name string `yaml:"name" json:"name,omitempty"`

	// Run is a shell command passed to the runner. Mutually exclusive
	// with Uses.
	Run string `yaml:"run" json:"run,omitempty"`

	// Uses references a reusable action. Mutually exclusive with Run.
	Uses string `yaml:"uses" json:"uses,omitempty"`

	// If is the condition expression guarding this step.
	If string `yaml:"if" json:"if,omitempty"`

	// Env holds step-level environment variables. Values may contain
	// expressions.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// ContinueOnError keeps the job running when this step fails.
	ContinueOnError bool `yaml:"continue-on-error" json:"continue_on_error,omitempty"`
}

// MatrixSpec is the axis/include/exclude specification for matrix expansion.
// Axis declaration order is preserved so that expansion order is deterministic.
type MatrixSpec struct {
	// AxisOrder lists axis names in document order.
	AxisOrder []string `json:"axis_order"`

	// Axes maps axis names to their ordered value lists.
	Axes map[string][]any `json:"axes"`

	// Include lists combinations merged into or appended to the expanded set.
	Include []map[string]any `json:"include,omitempty"`

	// Exclude lists partial combinations removed from the expanded set.
	Exclude []map[string]any `json:"exclude,omitempty"`
}

// UnmarshalYAML decodes a matrix mapping while preserving axis declaration
// order. The reserved keys "include" and "exclude" are treated as combination
// lists; every other key is an axis.
func (m *MatrixSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping, got %s", nodeKind(node))
	}

	m.Axes = make(map[string][]any)

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valNode := node.Content[i+1]

		switch keyNode.Value {
		case "include":
			if err := valNode.Decode(&m.Include); err != nil {
				return fmt.Errorf("matrix include: %w", err)
			}
		case "exclude":
			if err := valNode.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("matrix exclude: %w", err)
			}
		default:
			var values []any
			if err := valNode.Decode(&values); err != nil {
				return fmt.Errorf("matrix axis %q: %w", keyNode.Value, err)
			}
			if _, exists := m.Axes[keyNode.Value]; exists {
				return fmt.Errorf("matrix axis %q declared twice", keyNode.Value)
			}
			m.AxisOrder = append(m.AxisOrder, keyNode.Value)
			m.Axes[keyNode.Value] = values
		}
	}

	return nil
}

// Environment describes a protected deployment target guarded by an
// approval gate.
type Environment struct {
	// Name is the environment name referenced by JobDefinition.Environment.
	Name string `yaml:"name" json:"name" validate:"required"`

	// RequiredReviewers is the number of distinct reviewer approvals needed
	// before a gated job may proceed. Zero means no approval is required.
	RequiredReviewers int `yaml:"required-reviewers" json:"required_reviewers" validate:"min=0"`

	// AllowedBranches lists glob patterns the triggering ref must match.
	// An empty list allows any branch.
	AllowedBranches []string `yaml:"allowed-branches" json:"allowed_branches,omitempty"`

	// Secrets are environment-scoped secret values, resolvable only by job
	// instances that have passed the gate.
	Secrets map[string]string `yaml:"secrets" json:"-"`
}

// TriggerEvent is the external event that starts a run.
type TriggerEvent struct {
	// EventType is the trigger type (e.g., "push", "workflow_dispatch").
	EventType string `json:"event_type"`

	// Ref is the git ref the event points at (e.g., "refs/heads/main").
	Ref string `json:"ref"`

	// Actor is the user or system that caused the event.
	Actor string `json:"actor"`

	// Payload carries the raw event payload fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// Branch returns the branch name portion of the triggering ref, with the
// refs/heads/ prefix stripped.
func (e *TriggerEvent) Branch() string {
	const prefix = "refs/heads/"
	if len(e.Ref) > len(prefix) && e.Ref[:len(prefix)] == prefix {
		return e.Ref[len(prefix):]
	}
	return e.Ref
}

// nodeKind returns a human-readable YAML node kind for error messages.
func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
