package expr

// Context is the bundle of named contexts an expression may reference.
// Well-known contexts are typed; matrix and event payload fields remain open
// string-keyed maps so arbitrary keys stay addressable.
type Context struct {
	// GitHub holds trigger event fields (event_name, ref, actor, sha, ...).
	GitHub map[string]any

	// Env holds the effective environment variables.
	Env map[string]string

	// Matrix holds the instance's matrix combination values.
	Matrix map[string]any

	// Needs maps needed job IDs to their results and outputs.
	Needs map[string]Need

	// Steps maps step IDs of earlier steps in the same job to their results.
	Steps map[string]Step

	// Runner holds runner facts (os, arch, ...).
	Runner map[string]string

	// Job holds the current job's state.
	Job Job

	// Status feeds the success()/failure()/cancelled() pseudo-functions.
	Status Status

	// Secrets resolves secret values by name. May be nil when the instance
	// has no secret access (for example, before passing an environment gate).
	Secrets SecretResolver

	// WorkspaceDir is the root directory hashFiles patterns are resolved
	// against.
	WorkspaceDir string
}

// Need is the exposed state of a needed job.
type Need struct {
	// Result is the needed job's final status (success, failure, skipped,
	// cancelled).
	Result string

	// Outputs are the needed job's declared outputs.
	Outputs map[string]string
}

// Step is the exposed state of an earlier step in the same job.
type Step struct {
	// Outcome is the step result before continue-on-error is applied.
	Outcome string

	// Conclusion is the step result after continue-on-error is applied.
	Conclusion string

	// Outputs are outputs the step declared.
	Outputs map[string]string
}

// Job is the exposed state of the current job.
type Job struct {
	// Status is the current job status (success, failure, cancelled).
	Status string
}

// Status drives the condition pseudo-functions.
type Status struct {
	// Success is true while no needed job or earlier step has failed.
	Success bool

	// Failure is true once a needed job or earlier step has failed.
	Failure bool

	// Cancelled is true once the run has been cancelled.
	Cancelled bool
}

// SecretResolver resolves secret values by name. Implementations report
// resolved values to the masking registry.
type SecretResolver interface {
	Resolve(name string) (string, bool)
}
