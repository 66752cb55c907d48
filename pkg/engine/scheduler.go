package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/expr"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

// Built-in action references handled by the scheduler itself instead of the
// external runner. Parameters arrive through the step env.
const (
	BuiltinCacheRestore     = "conveyor/cache-restore"
	BuiltinCacheSave        = "conveyor/cache-save"
	BuiltinArtifactUpload   = "conveyor/artifact-upload"
	BuiltinArtifactDownload = "conveyor/artifact-download"
)

// DefaultMaxParallel caps concurrently running job instances across a run
// when no explicit cap is configured.
const DefaultMaxParallel = 10

// DefaultJobTimeout bounds a single job instance's execution.
const DefaultJobTimeout = time.Hour

// SchedulerConfig wires the scheduler's collaborators and limits.
type SchedulerConfig struct {
	// Runner executes resolved steps. Required.
	Runner Runner

	// Events receives run timeline events. Defaults to an in-memory publisher.
	Events EventPublisher

	// Cache serves the built-in cache steps. Optional.
	Cache CacheService

	// Artifacts serves the built-in artifact steps. Optional.
	Artifacts ArtifactService

	// Gate clears instances targeting protected environments. When nil,
	// environment references resolve as approved.
	Gate EnvironmentGate

	// Secrets resolves secret values referenced by expressions. Optional.
	Secrets SecretStore

	// Recorder persists completed runs. Optional.
	Recorder RunRecorder

	// Environments maps environment names to their protection rules.
	Environments map[string]*workflow.Environment

	// MaxParallel is the global cap on concurrently running instances.
	MaxParallel int

	// MaxMatrixInstances is the per-job matrix expansion cap.
	MaxMatrixInstances int

	// JobTimeout bounds a single instance's execution.
	JobTimeout time.Duration

	// WorkspaceDir is the root for hashFiles and built-in step paths.
	WorkspaceDir string

	// RunnerFacts populate the runner expression context (os, arch, ...).
	RunnerFacts map[string]string

	// SecretObserver is told every secret value resolved during evaluation,
	// so the masking registry sees values before they can reach a log line.
	SecretObserver func(value string)
}

// Scheduler owns run execution: it validates the needs graph, expands
// matrices, and dispatches job instances level by level with fail-fast,
// skip propagation, and environment-gate holds.
type Scheduler struct {
	runner       Runner
	events       EventPublisher
	cache        CacheService
	artifacts    ArtifactService
	gate         EnvironmentGate
	secrets      SecretStore
	recorder     RunRecorder
	environments map[string]*workflow.Environment

	expander    *MatrixExpander
	evaluator   *expr.Evaluator
	maxParallel int
	jobTimeout  time.Duration
	workspace   string
	runnerFacts map[string]string
	observe     func(string)

	mu   sync.RWMutex
	runs map[string]*runState
}

// runState is the mutable execution state of one run.
type runState struct {
	mu        sync.Mutex
	run       *Run
	def       *workflow.Definition
	graph     *NeedsGraph
	byJob     map[string][]*JobInstance
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// NewScheduler creates a scheduler from the given configuration.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("scheduler requires a runner")
	}
	if cfg.Events == nil {
		cfg.Events = NewInMemoryEventPublisher()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &Scheduler{
		runner:       cfg.Runner,
		events:       cfg.Events,
		cache:        cfg.Cache,
		artifacts:    cfg.Artifacts,
		gate:         cfg.Gate,
		secrets:      cfg.Secrets,
		recorder:     cfg.Recorder,
		environments: cfg.Environments,
		expander:     NewMatrixExpander(cfg.MaxMatrixInstances),
		evaluator:    expr.New(),
		maxParallel:  cfg.MaxParallel,
		jobTimeout:   cfg.JobTimeout,
		workspace:    cfg.WorkspaceDir,
		runnerFacts:  cfg.RunnerFacts,
		observe:      cfg.SecretObserver,
		runs:         make(map[string]*runState),
	}, nil
}

// StartRun validates the workflow, expands every job's matrix, and begins
// executing the run asynchronously. Validation errors (cycles, bad matrices)
// fail the whole run here, before any dispatch.
func (s *Scheduler) StartRun(ctx context.Context, def *workflow.Definition, event workflow.TriggerEvent) (string, error) {
	graph, err := NewGraphBuilder().BuildGraph(def)
	if err != nil {
		return "", err
	}

	now := time.Now()
	byJob := make(map[string][]*JobInstance)
	var instances []*JobInstance
	for _, jobID := range graph.TopologicalOrder() {
		expanded, err := s.expander.ExpandJob(def.Jobs[jobID], now)
		if err != nil {
			return "", err
		}
		byJob[jobID] = expanded
		instances = append(instances, expanded...)
	}

	run := &Run{
		ID:           uuid.New().String(),
		WorkflowName: def.Name,
		Event:        event,
		Status:       RunStatusPending,
		Instances:    instances,
		StartedAt:    now,
		Summary: RunSummary{
			Total:   len(instances),
			Pending: len(instances),
		},
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &runState{
		run:    run,
		def:    def,
		graph:  graph,
		byJob:  byJob,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[run.ID] = st
	s.mu.Unlock()

	s.publishEvent(ctx, run.ID, "", EventTypeRunStarted,
		fmt.Sprintf("Run started for workflow %s", def.Name))

	go s.executeRun(runCtx, st)

	return run.ID, nil
}

// executeRun drives a run to completion, level by level.
func (s *Scheduler) executeRun(ctx context.Context, st *runState) {
	defer close(st.done)

	st.mu.Lock()
	st.run.Status = RunStatusRunning
	st.mu.Unlock()

	// Global semaphore bounds concurrently running instances across jobs.
	sem := make(chan struct{}, s.maxParallel)

	for level := 0; level < st.graph.Depth; level++ {
		if st.isCancelled() {
			break
		}

		var wg sync.WaitGroup
		for _, jobID := range s.jobsAtLevel(st.graph, level) {
			wg.Add(1)
			go func(jobID string) {
				defer wg.Done()
				s.executeJob(ctx, st, jobID, sem)
			}(jobID)
		}
		wg.Wait()
	}

	s.finishRun(ctx, st)
}

// jobsAtLevel returns the job IDs at a graph level in lexical order.
func (s *Scheduler) jobsAtLevel(graph *NeedsGraph, level int) []string {
	var ids []string
	for id, node := range graph.Nodes {
		if node.Level == level {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// finishRun computes the final run status and summary and publishes the
// completion event.
func (s *Scheduler) finishRun(ctx context.Context, st *runState) {
	st.mu.Lock()

	// Anything still pending at the end was cut off by cancellation.
	for _, inst := range st.run.Instances {
		if inst.Status.IsActive() {
			inst.Status = JobStatusCancelled
			completed := time.Now()
			inst.CompletedAt = &completed
		}
	}

	summary := RunSummary{Total: len(st.run.Instances)}
	for _, inst := range st.run.Instances {
		switch inst.Status {
		case JobStatusSucceeded:
			summary.Succeeded++
		case JobStatusFailed:
			summary.Failed++
		case JobStatusSkipped:
			summary.Skipped++
		case JobStatusCancelled:
			summary.Cancelled++
		case JobStatusRunning:
			summary.Running++
		default:
			summary.Pending++
		}
	}
	st.run.Summary = summary

	switch {
	case st.cancelled:
		st.run.Status = RunStatusCancelled
	case summary.Failed > 0:
		st.run.Status = RunStatusFailed
	default:
		st.run.Status = RunStatusSucceeded
	}

	completedAt := time.Now()
	st.run.CompletedAt = &completedAt
	st.run.Duration = completedAt.Sub(st.run.StartedAt)

	runID := st.run.ID
	status := st.run.Status
	st.mu.Unlock()

	switch status {
	case RunStatusCancelled:
		s.publishEvent(ctx, runID, "", EventTypeRunCancelled, "Run cancelled")
	case RunStatusFailed:
		s.publishEvent(ctx, runID, "", EventTypeRunFailed,
			fmt.Sprintf("Run failed: %d of %d instances failed", st.run.Summary.Failed, st.run.Summary.Total))
	default:
		s.publishEvent(ctx, runID, "", EventTypeRunCompleted, "Run completed successfully")
	}

	// The run is terminal; record the snapshot outside the state lock.
	if s.recorder != nil {
		_ = s.recorder.SaveRun(context.Background(), st.run)
	}
}

// executeJob runs every matrix instance of one job. Instances share a
// fail-fast group: with fail-fast enabled, the first failing instance
// cancels its still-running and not-yet-started siblings.
func (s *Scheduler) executeJob(ctx context.Context, st *runState, jobID string, sem chan struct{}) {
	job := st.def.Jobs[jobID]
	instances := st.byJob[jobID]

	needs, status := s.needsFor(st, job)

	groupCtx, groupCancel := context.WithCancel(ctx)
	defer groupCancel()

	failFast := job.Strategy.FailFastEnabled()

	var jobSem chan struct{}
	if job.Strategy != nil && job.Strategy.MaxParallel > 0 {
		jobSem = make(chan struct{}, job.Strategy.MaxParallel)
	}

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *JobInstance) {
			defer wg.Done()
			s.runInstance(groupCtx, st, job, inst, needs, status, sem, jobSem, func() {
				if failFast {
					groupCancel()
				}
			})
		}(inst)
	}
	wg.Wait()
}

// needsFor derives the needs expression context and the status flags feeding
// success()/failure()/cancelled() for a job. A matrix need counts as failed
// if any of its instances failed; outputs of later instances override earlier
// ones.
func (s *Scheduler) needsFor(st *runState, job *workflow.JobDefinition) (map[string]expr.Need, expr.Status) {
	st.mu.Lock()
	defer st.mu.Unlock()

	needs := make(map[string]expr.Need, len(job.Needs))
	allSucceeded := true
	anyFailed := false
	anyCancelled := false

	for _, needID := range job.Needs {
		result := "success"
		outputs := make(map[string]string)

		for _, inst := range st.byJob[needID] {
			switch inst.Status {
			case JobStatusFailed:
				result = "failure"
			case JobStatusCancelled:
				if result != "failure" {
					result = "cancelled"
				}
			case JobStatusSkipped:
				if result == "success" {
					result = "skipped"
				}
			case JobStatusSucceeded:
				for k, v := range inst.Outputs {
					outputs[k] = v
				}
			}
		}

		needs[needID] = expr.Need{Result: result, Outputs: outputs}

		switch result {
		case "failure":
			anyFailed = true
			allSucceeded = false
		case "cancelled":
			anyCancelled = true
			allSucceeded = false
		case "skipped":
			allSucceeded = false
		}
	}

	cancelled := st.cancelled || anyCancelled
	return needs, expr.Status{
		Success:   allSucceeded && !cancelled,
		Failure:   anyFailed,
		Cancelled: cancelled,
	}
}

// runInstance drives one job instance from condition evaluation through gate
// clearance and step execution to a terminal status.
func (s *Scheduler) runInstance(
	ctx context.Context,
	st *runState,
	job *workflow.JobDefinition,
	inst *JobInstance,
	needs map[string]expr.Need,
	status expr.Status,
	sem, jobSem chan struct{},
	onFailure func(),
) {
	if ctx.Err() != nil {
		s.markCancelled(ctx, st, inst)
		return
	}

	exprCtx := s.exprContext(ctx, st, job, inst, needs, status, "")

	// Condition first: a false condition or a failed need skips the
	// instance without ever touching the gate or the runner.
	ok, err := s.evaluator.EvaluateCondition(job.If, exprCtx)
	if err != nil {
		s.markFailed(ctx, st, inst, NewEvaluationError(err.Error(), err).WithJob(inst.JobID))
		onFailure()
		return
	}
	if !ok {
		s.markSkipped(ctx, st, inst)
		return
	}

	secretScope := ""
	if job.Environment != "" {
		outcome := s.clearGate(ctx, st, job, inst)
		switch outcome {
		case GateApproved:
			// Environment-scoped secrets unlock only past the gate.
			secretScope = job.Environment
			exprCtx = s.exprContext(ctx, st, job, inst, needs, status, secretScope)
		case GateRejected, GateTimedOut:
			onFailure()
			return
		default:
			// Gate hold was cancelled.
			return
		}
	}

	// Acquire a run-wide slot, then a per-job slot.
	if !acquire(ctx, sem) {
		s.markCancelled(ctx, st, inst)
		return
	}
	defer func() { <-sem }()
	if jobSem != nil {
		if !acquire(ctx, jobSem) {
			s.markCancelled(ctx, st, inst)
			return
		}
		defer func() { <-jobSem }()
	}

	st.mu.Lock()
	inst.Status = JobStatusRunning
	started := time.Now()
	inst.StartedAt = &started
	st.mu.Unlock()

	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeJobStarted,
		fmt.Sprintf("Started %s", inst.ID))

	instCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	failErr := s.runSteps(instCtx, st, job, inst, exprCtx)

	switch {
	case ctx.Err() != nil:
		// Fail-fast sibling cancellation or run cancellation.
		s.discardArtifacts(st.run.ID, inst.ID)
		s.markCancelled(ctx, st, inst)

	case instCtx.Err() != nil && errors.Is(instCtx.Err(), context.DeadlineExceeded):
		s.discardArtifacts(st.run.ID, inst.ID)
		s.markFailed(ctx, st, inst, NewTimeoutError(
			fmt.Sprintf("instance exceeded the %s execution window", s.jobTimeout), instCtx.Err(),
		).WithJob(inst.JobID))
		onFailure()

	case failErr != nil:
		s.discardArtifacts(st.run.ID, inst.ID)
		s.markFailed(ctx, st, inst, failErr)
		onFailure()

	default:
		if err := s.resolveOutputs(st, job, inst, exprCtx); err != nil {
			s.discardArtifacts(st.run.ID, inst.ID)
			s.markFailed(ctx, st, inst, NewEvaluationError(err.Error(), err).WithJob(inst.JobID))
			onFailure()
			return
		}
		s.commitArtifacts(st.run.ID, inst.ID)
		s.markSucceeded(ctx, st, inst)
	}
}

// clearGate holds the instance at the environment gate until it resolves.
func (s *Scheduler) clearGate(ctx context.Context, st *runState, job *workflow.JobDefinition, inst *JobInstance) GateOutcome {
	env := s.environments[job.Environment]
	if env == nil || s.gate == nil {
		return GateApproved
	}

	st.mu.Lock()
	inst.Status = JobStatusBlocked
	st.mu.Unlock()

	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeJobBlocked,
		fmt.Sprintf("Waiting for approval to deploy to %s", env.Name))
	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeApprovalRequested,
		fmt.Sprintf("Approval requested for environment %s (%d reviewers required)",
			env.Name, env.RequiredReviewers))

	outcome, err := s.gate.Evaluate(ctx, GateRequest{
		RunID:       st.run.ID,
		InstanceID:  inst.ID,
		Environment: env,
		Branch:      st.run.Event.Branch(),
	})

	if ctx.Err() != nil {
		s.markCancelled(ctx, st, inst)
		return GateOutcome("")
	}

	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeApprovalResolved,
		fmt.Sprintf("Approval for environment %s resolved: %s", env.Name, outcome))

	switch outcome {
	case GateApproved:
		return GateApproved
	case GateTimedOut:
		if err == nil {
			err = NewApprovalTimedOutError(fmt.Sprintf("approval for environment %q timed out", env.Name))
		}
	default:
		if err == nil {
			err = NewApprovalRejectedError(fmt.Sprintf("deployment to environment %q was rejected", env.Name))
		}
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		engErr = NewApprovalRejectedError(err.Error())
	}
	s.markFailed(ctx, st, inst, engErr.WithJob(inst.JobID))
	return outcome
}

// runSteps executes the instance's steps strictly in order. It returns the
// error of the first step failure not absorbed by continue-on-error; later
// steps still get their conditions evaluated so failure()/always() handlers
// run.
func (s *Scheduler) runSteps(ctx context.Context, st *runState, job *workflow.JobDefinition, inst *JobInstance, exprCtx *expr.Context) *EngineError {
	var firstErr *EngineError
	jobFailed := false

	baseStatus := exprCtx.Status
	steps := make(map[string]expr.Step)

	for i := range job.Steps {
		stepDef := &job.Steps[i]
		step := &inst.Steps[i]

		stepCtx := *exprCtx
		stepCtx.Steps = steps
		stepCtx.Status = expr.Status{
			Success:   baseStatus.Success && !jobFailed,
			Failure:   baseStatus.Failure || jobFailed,
			Cancelled: baseStatus.Cancelled || ctx.Err() != nil,
		}

		if ctx.Err() != nil {
			s.setStepStatus(st, step, StepStatusSkipped)
			continue
		}

		// Env values resolve first so the step's condition and command see
		// them through the env context.
		env, envErr := s.resolveEnv(stepDef.Env, &stepCtx)
		if envErr != nil {
			evalErr := NewEvaluationError(envErr.Error(), envErr).WithJob(inst.JobID).WithStep(i)
			s.setStepError(st, step, evalErr)
			jobFailed = true
			if firstErr == nil {
				firstErr = evalErr
			}
			continue
		}
		stepCtx.Env = env

		ok, err := s.evaluator.EvaluateCondition(stepDef.If, &stepCtx)
		if err != nil {
			evalErr := NewEvaluationError(err.Error(), err).WithJob(inst.JobID).WithStep(i)
			if loc, ok := err.(*expr.Error); ok {
				evalErr = evalErr.WithLocation(loc.Location())
			}
			s.setStepError(st, step, evalErr)
			jobFailed = true
			if firstErr == nil {
				firstErr = evalErr
			}
			continue
		}
		if !ok {
			s.setStepStatus(st, step, StepStatusSkipped)
			s.recordStep(steps, stepDef, "skipped", "skipped", nil)
			continue
		}

		outcome, outputs, stepErr := s.dispatchStep(ctx, st, inst, stepDef, &stepCtx, env, i)

		st.mu.Lock()
		step.Outputs = outputs
		st.mu.Unlock()

		if stepErr != nil {
			s.setStepError(st, step, stepErr)
			if stepDef.ContinueOnError {
				s.recordStep(steps, stepDef, outcome, "success", outputs)
				continue
			}
			s.recordStep(steps, stepDef, outcome, "failure", outputs)
			jobFailed = true
			if firstErr == nil {
				firstErr = stepErr
			}
			continue
		}

		s.setStepStatus(st, step, StepStatusSucceeded)
		s.recordStep(steps, stepDef, "success", "success", outputs)
	}

	return firstErr
}

// dispatchStep interpolates the step's command and executes it, either
// through a built-in handler or the external runner. It returns the step
// outcome ("success"/"failure"), declared outputs, and the failure, if any.
func (s *Scheduler) dispatchStep(
	ctx context.Context,
	st *runState,
	inst *JobInstance,
	stepDef *workflow.StepDefinition,
	stepCtx *expr.Context,
	env map[string]string,
	index int,
) (string, map[string]string, *EngineError) {
	st.mu.Lock()
	started := time.Now()
	inst.Steps[index].StartedAt = &started
	st.mu.Unlock()

	if isBuiltin(stepDef.Uses) {
		outputs, err := s.runBuiltinStep(ctx, st, inst, stepDef.Uses, env, index)
		if err != nil {
			return "failure", outputs, err
		}
		return "success", outputs, nil
	}

	command, ierr := s.evaluator.Interpolate(stepDef.Run, stepCtx)
	if ierr != nil {
		return "failure", nil, NewEvaluationError(ierr.Error(), ierr).WithJob(inst.JobID).WithStep(index)
	}

	result, rerr := s.runner.RunStep(ctx, StepRequest{
		RunID:      st.run.ID,
		InstanceID: inst.ID,
		StepIndex:  index,
		Command:    command,
		Uses:       stepDef.Uses,
		Env:        env,
	})
	if rerr != nil {
		return "failure", nil, NewRunnerExecutionError("runner failed to execute step", rerr).
			WithJob(inst.JobID).WithStep(index)
	}

	st.mu.Lock()
	inst.Steps[index].ExitCode = result.ExitCode
	st.mu.Unlock()

	if result.ExitCode != 0 {
		return "failure", result.Outputs, NewRunnerExecutionError(
			fmt.Sprintf("step exited with code %d", result.ExitCode), nil,
		).WithJob(inst.JobID).WithStep(index)
	}
	return "success", result.Outputs, nil
}

// isBuiltin reports whether a uses reference is handled by the scheduler.
func isBuiltin(uses string) bool {
	switch uses {
	case BuiltinCacheRestore, BuiltinCacheSave, BuiltinArtifactUpload, BuiltinArtifactDownload:
		return true
	default:
		return false
	}
}

// runBuiltinStep executes the scheduler-provided cache and artifact actions.
// The cache scope is the triggering branch; artifacts are namespaced by run.
func (s *Scheduler) runBuiltinStep(
	ctx context.Context,
	st *runState,
	inst *JobInstance,
	uses string,
	env map[string]string,
	index int,
) (map[string]string, *EngineError) {
	fail := func(msg string, err error) (map[string]string, *EngineError) {
		var engErr *EngineError
		if errors.As(err, &engErr) {
			return nil, engErr.WithJob(inst.JobID).WithStep(index)
		}
		return nil, NewRunnerExecutionError(msg, err).WithJob(inst.JobID).WithStep(index)
	}
	scope := st.run.Event.Branch()

	switch uses {
	case BuiltinCacheRestore:
		if s.cache == nil {
			return fail("no cache service configured", nil)
		}
		restoreKeys := splitList(env["restore-keys"])
		hit, err := s.cache.Get(ctx, env["key"], restoreKeys, scope)
		if err != nil {
			return fail("cache lookup failed", err)
		}
		if hit == nil {
			return map[string]string{"cache-hit": "false"}, nil
		}
		if path := env["path"]; path != "" {
			if err := os.WriteFile(s.workspacePath(path), hit.Payload, 0o644); err != nil {
				return fail("failed to restore cache payload", err)
			}
		}
		return map[string]string{
			"cache-hit":     strconv.FormatBool(hit.Exact),
			"cache-matched": hit.Key,
		}, nil

	case BuiltinCacheSave:
		if s.cache == nil {
			return fail("no cache service configured", nil)
		}
		payload, err := os.ReadFile(s.workspacePath(env["path"]))
		if err != nil {
			return fail("failed to read cache payload", err)
		}
		if err := s.cache.Put(ctx, env["key"], payload, scope); err != nil {
			return fail("cache write failed", err)
		}
		return nil, nil

	case BuiltinArtifactUpload:
		if s.artifacts == nil {
			return fail("no artifact service configured", nil)
		}
		payload, err := os.ReadFile(s.workspacePath(env["path"]))
		if err != nil {
			return fail("failed to read artifact payload", err)
		}
		retention, _ := strconv.Atoi(env["retention-days"])
		info, err := s.artifacts.Upload(ctx, st.run.ID, inst.ID, env["name"], payload, retention)
		if err != nil {
			return fail("artifact upload failed", err)
		}
		return map[string]string{"artifact-size": strconv.FormatInt(info.Size, 10)}, nil

	case BuiltinArtifactDownload:
		if s.artifacts == nil {
			return fail("no artifact service configured", nil)
		}
		// Cross-run access requires the explicit owning run ID.
		runID := st.run.ID
		if other := env["run-id"]; other != "" {
			runID = other
		}
		payload, err := s.artifacts.Download(ctx, runID, env["name"])
		if err != nil {
			return fail("artifact download failed", err)
		}
		if err := os.WriteFile(s.workspacePath(env["path"]), payload, 0o644); err != nil {
			return fail("failed to write artifact payload", err)
		}
		return nil, nil
	}

	return fail(fmt.Sprintf("unknown built-in action %q", uses), nil)
}

// workspacePath resolves a step-relative path under the workspace root.
func (s *Scheduler) workspacePath(path string) string {
	if filepath.IsAbs(path) || s.workspace == "" {
		return path
	}
	return filepath.Join(s.workspace, path)
}

// resolveEnv interpolates expression markers inside step env values.
func (s *Scheduler) resolveEnv(env map[string]string, ctx *expr.Context) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		resolved, err := s.evaluator.Interpolate(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// resolveOutputs evaluates the job's declared output expressions against the
// final step results.
func (s *Scheduler) resolveOutputs(st *runState, job *workflow.JobDefinition, inst *JobInstance, exprCtx *expr.Context) error {
	if len(job.Outputs) == 0 {
		return nil
	}

	outCtx := *exprCtx
	outCtx.Steps = stepResults(job, inst)

	outputs := make(map[string]string, len(job.Outputs))
	for name, expression := range job.Outputs {
		resolved, err := s.evaluator.Interpolate(expression, &outCtx)
		if err != nil {
			return err
		}
		outputs[name] = resolved
	}

	st.mu.Lock()
	inst.Outputs = outputs
	st.mu.Unlock()
	return nil
}

// stepResults rebuilds the steps expression context from recorded instances.
func stepResults(job *workflow.JobDefinition, inst *JobInstance) map[string]expr.Step {
	out := make(map[string]expr.Step)
	for i := range job.Steps {
		id := job.Steps[i].ID
		if id == "" {
			continue
		}
		outcome := "success"
		switch inst.Steps[i].Status {
		case StepStatusFailed:
			outcome = "failure"
		case StepStatusSkipped:
			outcome = "skipped"
		}
		conclusion := outcome
		if outcome == "failure" && job.Steps[i].ContinueOnError {
			conclusion = "success"
		}
		out[id] = expr.Step{
			Outcome:    outcome,
			Conclusion: conclusion,
			Outputs:    inst.Steps[i].Outputs,
		}
	}
	return out
}

// recordStep exposes a finished step to later steps' expressions.
func (s *Scheduler) recordStep(steps map[string]expr.Step, stepDef *workflow.StepDefinition, outcome, conclusion string, outputs map[string]string) {
	if stepDef.ID == "" {
		return
	}
	steps[stepDef.ID] = expr.Step{Outcome: outcome, Conclusion: conclusion, Outputs: outputs}
}

// exprContext assembles the expression context bundle for an instance.
func (s *Scheduler) exprContext(
	ctx context.Context,
	st *runState,
	job *workflow.JobDefinition,
	inst *JobInstance,
	needs map[string]expr.Need,
	status expr.Status,
	secretScope string,
) *expr.Context {
	jobStatus := "success"
	if status.Failure {
		jobStatus = "failure"
	}

	return &expr.Context{
		GitHub:       s.githubContext(st),
		Matrix:       inst.Matrix.Values,
		Needs:        needs,
		Runner:       s.runnerFacts,
		Job:          expr.Job{Status: jobStatus},
		Status:       status,
		Secrets:      &secretResolver{ctx: ctx, store: s.secrets, scope: secretScope, observe: s.observe},
		WorkspaceDir: s.workspace,
	}
}

// githubContext exposes the trigger event to expressions.
func (s *Scheduler) githubContext(st *runState) map[string]any {
	event := st.run.Event
	out := map[string]any{
		"event_name": event.EventType,
		"ref":        event.Ref,
		"ref_name":   event.Branch(),
		"actor":      event.Actor,
		"run_id":     st.run.ID,
		"workflow":   st.run.WorkflowName,
	}
	if len(event.Payload) > 0 {
		out["event"] = event.Payload
	}
	return out
}

// secretResolver adapts the SecretStore to expression evaluation, reporting
// every resolved value to the masking observer.
type secretResolver struct {
	ctx     context.Context
	store   SecretStore
	scope   string
	observe func(string)
}

func (r *secretResolver) Resolve(name string) (string, bool) {
	if r.store == nil {
		return "", false
	}
	value, ok := r.store.Resolve(r.ctx, name, r.scope)
	if ok && r.observe != nil {
		r.observe(value)
	}
	return value, ok
}

// acquire takes a semaphore slot, abandoning the wait on cancellation.
func acquire(ctx context.Context, sem chan struct{}) bool {
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Status transition helpers. Each takes the state lock, moves the instance to
// a terminal status, and publishes the matching timeline event.

func (s *Scheduler) markSucceeded(ctx context.Context, st *runState, inst *JobInstance) {
	s.complete(st, inst, JobStatusSucceeded, nil)
	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeJobCompleted,
		fmt.Sprintf("Completed %s", inst.ID))
}

func (s *Scheduler) markFailed(ctx context.Context, st *runState, inst *JobInstance, err *EngineError) {
	s.complete(st, inst, JobStatusFailed, err)
	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeJobFailed,
		fmt.Sprintf("Failed %s: %v", inst.ID, err))
}

func (s *Scheduler) markSkipped(ctx context.Context, st *runState, inst *JobInstance) {
	st.mu.Lock()
	for i := range inst.Steps {
		inst.Steps[i].Status = StepStatusSkipped
	}
	st.mu.Unlock()
	s.complete(st, inst, JobStatusSkipped, nil)
	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeJobSkipped,
		fmt.Sprintf("Skipped %s", inst.ID))
}

func (s *Scheduler) markCancelled(ctx context.Context, st *runState, inst *JobInstance) {
	s.complete(st, inst, JobStatusCancelled, nil)
	s.publishEvent(ctx, st.run.ID, inst.ID, EventTypeJobCancelled,
		fmt.Sprintf("Cancelled %s", inst.ID))
}

func (s *Scheduler) complete(st *runState, inst *JobInstance, status JobStatus, err *EngineError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if inst.Status.IsTerminal() {
		return
	}
	inst.Status = status
	inst.Error = err
	completed := time.Now()
	inst.CompletedAt = &completed
}

func (s *Scheduler) setStepStatus(st *runState, step *StepInstance, status StepStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	step.Status = status
	completed := time.Now()
	step.CompletedAt = &completed
}

func (s *Scheduler) setStepError(st *runState, step *StepInstance, err *EngineError) {
	st.mu.Lock()
	defer st.mu.Unlock()
	step.Status = StepStatusFailed
	step.Error = err
	completed := time.Now()
	step.CompletedAt = &completed
}

// discardArtifacts drops uncommitted uploads of a failed or cancelled
// instance so partial writes never become visible.
func (s *Scheduler) discardArtifacts(runID, instanceID string) {
	if s.artifacts == nil {
		return
	}
	_ = s.artifacts.Discard(context.Background(), runID, instanceID)
}

// commitArtifacts makes a succeeded instance's uploads visible.
func (s *Scheduler) commitArtifacts(runID, instanceID string) {
	if s.artifacts == nil {
		return
	}
	_ = s.artifacts.Commit(context.Background(), runID, instanceID)
}

// Cancel cancels a running run. Pending and blocked instances move to
// Cancelled; running instances are interrupted through their context.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	st, ok := s.state(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}

	st.mu.Lock()
	if st.run.Status.IsTerminal() {
		st.mu.Unlock()
		return fmt.Errorf("run %s is not active", runID)
	}
	st.cancelled = true
	st.mu.Unlock()

	st.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal status or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, runID string) error {
	st, ok := s.state(runID)
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun returns the run by ID.
func (s *Scheduler) GetRun(runID string) (*Run, bool) {
	st, ok := s.state(runID)
	if !ok {
		return nil, false
	}
	return st.run, true
}

// Status answers the exposed run status query: overall status, per-instance
// statuses and outputs, and the visible artifact names.
func (s *Scheduler) Status(ctx context.Context, runID string) (*StatusReport, error) {
	st, ok := s.state(runID)
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	st.mu.Lock()
	report := &StatusReport{
		RunID:     runID,
		Status:    st.run.Status,
		Instances: make([]InstanceReport, 0, len(st.run.Instances)),
	}
	for _, inst := range st.run.Instances {
		report.Instances = append(report.Instances, InstanceReport{
			InstanceID: inst.ID,
			Status:     inst.Status,
			Outputs:    inst.Outputs,
		})
	}
	st.mu.Unlock()

	if s.artifacts != nil {
		infos, err := s.artifacts.List(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			report.Artifacts = append(report.Artifacts, info.Name)
		}
	}

	return report, nil
}

func (s *Scheduler) state(runID string) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[runID]
	return st, ok
}

func (st *runState) isCancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// publishEvent emits a run timeline event.
func (s *Scheduler) publishEvent(ctx context.Context, runID, instanceID string, eventType EventType, message string) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		RunID:      runID,
		InstanceID: instanceID,
		Message:    message,
		Level:      eventType.Severity(),
	})
}

// Events returns the recorded timeline of a run when the publisher keeps
// history.
func (s *Scheduler) Events(runID string) []Event {
	if p, ok := s.events.(*InMemoryEventPublisher); ok {
		return p.Events(runID)
	}
	return nil
}

// splitList parses a comma or newline separated list.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := fields[:0]
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
