package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/pkg/workflow"
)

// fakeRunner scripts step execution per command string.
type fakeRunner struct {
	mu       sync.Mutex
	requests []StepRequest
	handler  func(ctx context.Context, req StepRequest) (*StepResult, error)
}

func (r *fakeRunner) RunStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.handler != nil {
		return r.handler(ctx, req)
	}
	return &StepResult{}, nil
}

func (r *fakeRunner) requestsFor(instanceID string) []StepRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StepRequest
	for _, req := range r.requests {
		if req.InstanceID == instanceID {
			out = append(out, req)
		}
	}
	return out
}

// memoryCache is an in-memory CacheService with exact and prefix lookups.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte // scope + "\x00" + key
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Put(ctx context.Context, key string, payload []byte, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := scope + "\x00" + key
	if _, ok := c.entries[id]; ok {
		return nil
	}
	c.entries[id] = payload
	return nil
}

func (c *memoryCache) Get(ctx context.Context, key string, restoreKeys []string, scope string) (*CacheHit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payload, ok := c.entries[scope+"\x00"+key]; ok {
		return &CacheHit{Key: key, Exact: true, Payload: payload}, nil
	}
	for _, prefix := range restoreKeys {
		for id, payload := range c.entries {
			stored := id[len(scope)+1:]
			if id[:len(scope)] == scope && len(stored) >= len(prefix) && stored[:len(prefix)] == prefix {
				return &CacheHit{Key: stored, Exact: false, Payload: payload}, nil
			}
		}
	}
	return nil, nil
}

func (c *memoryCache) List(ctx context.Context, scope string) ([]string, error) { return nil, nil }

func (c *memoryCache) Delete(ctx context.Context, key, scope string) error { return nil }

// pendingUpload is an uncommitted artifact in the memoryArtifacts fake.
type pendingUpload struct {
	runID   string
	name    string
	payload []byte
}

// memoryArtifacts tracks uploads with commit/discard visibility.
type memoryArtifacts struct {
	mu        sync.Mutex
	pending   map[string][]pendingUpload // keyed by instanceID
	visible   map[string][]byte          // runID + "\x00" + name
	committed []string
	discarded []string
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{
		pending: make(map[string][]pendingUpload),
		visible: make(map[string][]byte),
	}
}

func (a *memoryArtifacts) Upload(ctx context.Context, runID, instanceID, name string, payload []byte, retentionDays int) (*ArtifactInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[instanceID] = append(a.pending[instanceID], pendingUpload{runID: runID, name: name, payload: payload})
	return &ArtifactInfo{Name: name, RunID: runID, Size: int64(len(payload)), RetentionDays: retentionDays}, nil
}

func (a *memoryArtifacts) Download(ctx context.Context, runID, name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload, ok := a.visible[runID+"\x00"+name]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found in run %s", name, runID)
	}
	return payload, nil
}

func (a *memoryArtifacts) Commit(ctx context.Context, runID, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committed = append(a.committed, instanceID)
	for _, up := range a.pending[instanceID] {
		a.visible[up.runID+"\x00"+up.name] = up.payload
	}
	delete(a.pending, instanceID)
	return nil
}

func (a *memoryArtifacts) Discard(ctx context.Context, runID, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discarded = append(a.discarded, instanceID)
	delete(a.pending, instanceID)
	return nil
}

func (a *memoryArtifacts) List(ctx context.Context, runID string) ([]ArtifactInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := runID + "\x00"
	var out []ArtifactInfo
	for id, payload := range a.visible {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, ArtifactInfo{Name: id[len(prefix):], RunID: runID, Size: int64(len(payload))})
		}
	}
	return out, nil
}

func (a *memoryArtifacts) Delete(ctx context.Context, runID, name string) error { return nil }

// scriptedGate resolves every request with a fixed outcome.
type scriptedGate struct {
	outcome GateOutcome
}

func (g *scriptedGate) Evaluate(ctx context.Context, req GateRequest) (GateOutcome, error) {
	return g.outcome, nil
}

// recordingSecrets resolves from a map and records requested scopes.
type recordingSecrets struct {
	mu     sync.Mutex
	values map[string]string
	scopes []string
}

func (s *recordingSecrets) Resolve(ctx context.Context, name, scope string) (string, bool) {
	s.mu.Lock()
	s.scopes = append(s.scopes, scope)
	s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// captureRecorder keeps the last recorded run snapshot.
type captureRecorder struct {
	mu   sync.Mutex
	runs []*Run
}

func (r *captureRecorder) SaveRun(ctx context.Context, run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func pushEvent() workflow.TriggerEvent {
	return workflow.TriggerEvent{EventType: "push", Ref: "refs/heads/main", Actor: "octocat"}
}

func newTestScheduler(t *testing.T, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	s, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return s
}

func runToCompletion(t *testing.T, s *Scheduler, def *workflow.Definition) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runID, err := s.StartRun(ctx, def, pushEvent())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := s.Wait(ctx, runID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	run, ok := s.GetRun(runID)
	if !ok {
		t.Fatalf("run %s not found", runID)
	}
	return run
}

func TestRunSucceeds(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {
				ID:    "build",
				Steps: []workflow.StepDefinition{{Run: "make build"}},
			},
			"test": {
				ID:    "test",
				Needs: []string{"build"},
				Steps: []workflow.StepDefinition{{Run: "make test"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if run.Summary.Succeeded != 2 || run.Summary.Total != 2 {
		t.Errorf("summary = %+v, want 2/2 succeeded", run.Summary)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal run")
	}

	// The dependent ran after its need.
	reqs := runner.requestsFor("test")
	if len(reqs) != 1 || reqs[0].Command != "make test" {
		t.Errorf("unexpected test job requests: %+v", reqs)
	}
}

func TestRunStepEnvVisibleToExpressions(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"deploy": {
				ID: "deploy",
				Steps: []workflow.StepDefinition{
					{
						Run: "deploy --target ${{ env.TARGET }} --ref ${{ env.REF }}",
						If:  "env.TARGET == 'staging'",
						Env: map[string]string{
							"TARGET": "staging",
							"REF":    "${{ github.ref }}",
						},
					},
					{
						// Env is per step; the previous step's values must
						// not leak into this condition.
						Run: "never",
						If:  "env.TARGET == 'staging'",
					},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	reqs := runner.requestsFor("deploy")
	if len(reqs) != 1 {
		t.Fatalf("expected 1 dispatched step, got %d", len(reqs))
	}
	want := "deploy --target staging --ref refs/heads/main"
	if reqs[0].Command != want {
		t.Errorf("command = %q, want %q", reqs[0].Command, want)
	}
	if reqs[0].Env["TARGET"] != "staging" || reqs[0].Env["REF"] != "refs/heads/main" {
		t.Errorf("runner env = %v", reqs[0].Env)
	}

	if run.Instances[0].Steps[1].Status != StepStatusSkipped {
		t.Errorf("second step status = %s, want skipped", run.Instances[0].Steps[1].Status)
	}
}

func TestRunFailurePropagation(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "fail" {
				return &StepResult{ExitCode: 1, Stderr: "boom"}, nil
			}
			return &StepResult{}, nil
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {
				ID:    "build",
				Steps: []workflow.StepDefinition{{Run: "fail"}},
			},
			"test": {
				ID:    "test",
				Needs: []string{"build"},
				Steps: []workflow.StepDefinition{{Run: "make test"}},
			},
			"report": {
				ID:    "report",
				Needs: []string{"build"},
				If:    "failure()",
				Steps: []workflow.StepDefinition{{Run: "notify"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}

	build := run.Instance("build")
	if build.Status != JobStatusFailed {
		t.Errorf("build status = %s, want failed", build.Status)
	}
	if build.Error == nil || build.Error.Code != ErrCodeRunnerExecution {
		t.Errorf("build error = %v, want runner execution error", build.Error)
	}

	// A dependent with no condition is skipped, not run.
	if st := run.Instance("test").Status; st != JobStatusSkipped {
		t.Errorf("test status = %s, want skipped", st)
	}
	if reqs := runner.requestsFor("test"); len(reqs) != 0 {
		t.Errorf("skipped job reached the runner: %+v", reqs)
	}

	// A failure() handler still runs.
	if st := run.Instance("report").Status; st != JobStatusSucceeded {
		t.Errorf("report status = %s, want succeeded", st)
	}
}

func TestRunNeedsOutputs(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "generate" {
				return &StepResult{Outputs: map[string]string{"digest": "abc123"}}, nil
			}
			return &StepResult{}, nil
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {
				ID: "build",
				Steps: []workflow.StepDefinition{
					{ID: "gen", Run: "generate"},
				},
				Outputs: map[string]string{
					"digest": "${{ steps.gen.outputs.digest }}",
				},
			},
			"deploy": {
				ID:    "deploy",
				Needs: []string{"build"},
				Steps: []workflow.StepDefinition{
					{
						Run: "deploy ${{ needs.build.outputs.digest }}",
						Env: map[string]string{
							"DIGEST": "${{ needs.build.outputs.digest }}",
						},
					},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	build := run.Instance("build")
	if build.Outputs["digest"] != "abc123" {
		t.Errorf("build outputs = %v, want digest=abc123", build.Outputs)
	}

	reqs := runner.requestsFor("deploy")
	if len(reqs) != 1 {
		t.Fatalf("expected 1 deploy request, got %d", len(reqs))
	}
	if reqs[0].Command != "deploy abc123" {
		t.Errorf("deploy command = %q, want interpolated digest", reqs[0].Command)
	}
	if reqs[0].Env["DIGEST"] != "abc123" {
		t.Errorf("deploy env = %v, want DIGEST=abc123", reqs[0].Env)
	}
}

func TestRunMatrixFailFast(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "run bad" {
				return &StepResult{ExitCode: 1}, nil
			}
			// Siblings block until fail-fast cancels them.
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"m": {
				ID: "m",
				Strategy: &workflow.Strategy{
					Matrix: &workflow.MatrixSpec{
						AxisOrder: []string{"v"},
						Axes:      map[string][]any{"v": {"bad", "slow"}},
					},
				},
				Steps: []workflow.StepDefinition{{Run: "run ${{ matrix.v }}"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if st := run.Instance("m (v=bad)").Status; st != JobStatusFailed {
		t.Errorf("bad instance status = %s, want failed", st)
	}
	if st := run.Instance("m (v=slow)").Status; st != JobStatusCancelled {
		t.Errorf("slow instance status = %s, want cancelled", st)
	}
}

func TestRunMatrixNoFailFast(t *testing.T) {
	off := false
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "run bad" {
				return &StepResult{ExitCode: 1}, nil
			}
			return &StepResult{}, nil
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"m": {
				ID: "m",
				Strategy: &workflow.Strategy{
					FailFast: &off,
					Matrix: &workflow.MatrixSpec{
						AxisOrder: []string{"v"},
						Axes:      map[string][]any{"v": {"bad", "good"}},
					},
				},
				Steps: []workflow.StepDefinition{{Run: "run ${{ matrix.v }}"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if st := run.Instance("m (v=good)").Status; st != JobStatusSucceeded {
		t.Errorf("good instance status = %s, want succeeded with fail-fast off", st)
	}
	if run.Summary.Failed != 1 || run.Summary.Succeeded != 1 {
		t.Errorf("summary = %+v, want 1 failed 1 succeeded", run.Summary)
	}
}

func TestRunContinueOnError(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "flaky" {
				return &StepResult{ExitCode: 1}, nil
			}
			return &StepResult{}, nil
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {
				ID: "build",
				Steps: []workflow.StepDefinition{
					{Run: "flaky", ContinueOnError: true},
					{Run: "make build"},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	build := run.Instance("build")
	if build.Steps[0].Status != StepStatusFailed {
		t.Errorf("flaky step status = %s, want failed", build.Steps[0].Status)
	}
	if build.Steps[1].Status != StepStatusSucceeded {
		t.Errorf("second step status = %s, want succeeded", build.Steps[1].Status)
	}
}

func TestRunStepConditionAfterFailure(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "fail" {
				return &StepResult{ExitCode: 1}, nil
			}
			return &StepResult{}, nil
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {
				ID: "build",
				Steps: []workflow.StepDefinition{
					{Run: "fail"},
					{Run: "never"},
					{If: "failure()", Run: "cleanup"},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	build := run.Instance("build")
	if build.Steps[1].Status != StepStatusSkipped {
		t.Errorf("plain step after failure = %s, want skipped", build.Steps[1].Status)
	}
	if build.Steps[2].Status != StepStatusSucceeded {
		t.Errorf("failure() step = %s, want succeeded", build.Steps[2].Status)
	}
}

func TestRunBuiltinCacheSteps(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "deps.tar"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	cache := newMemoryCache()
	runner := &fakeRunner{}
	s := newTestScheduler(t, SchedulerConfig{
		Runner:       runner,
		Cache:        cache,
		WorkspaceDir: workspace,
	})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"warm": {
				ID: "warm",
				Steps: []workflow.StepDefinition{
					{
						Uses: BuiltinCacheSave,
						Env:  map[string]string{"key": "deps-v1-abc", "path": "deps.tar"},
					},
				},
			},
			"use": {
				ID:    "use",
				Needs: []string{"warm"},
				Steps: []workflow.StepDefinition{
					{
						Uses: BuiltinCacheRestore,
						Env: map[string]string{
							"key":  "deps-v1-abc",
							"path": "restored.tar",
						},
					},
					{
						Uses: BuiltinCacheRestore,
						Env: map[string]string{
							"key":          "deps-v1-zzz",
							"restore-keys": "deps-v1-",
						},
					},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	use := run.Instance("use")
	exact := use.Steps[0].Outputs
	if exact["cache-hit"] != "true" || exact["cache-matched"] != "deps-v1-abc" {
		t.Errorf("exact restore outputs = %v", exact)
	}
	restored, err := os.ReadFile(filepath.Join(workspace, "restored.tar"))
	if err != nil || string(restored) != "payload" {
		t.Errorf("restored payload = %q, %v", restored, err)
	}

	prefix := use.Steps[1].Outputs
	if prefix["cache-hit"] != "false" || prefix["cache-matched"] != "deps-v1-abc" {
		t.Errorf("prefix restore outputs = %v", prefix)
	}
}

func TestRunArtifactVisibility(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "bin"), []byte("binary"), 0o644); err != nil {
		t.Fatal(err)
	}

	artifacts := newMemoryArtifacts()
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			if req.Command == "fail" {
				return &StepResult{ExitCode: 1}, nil
			}
			return &StepResult{}, nil
		},
	}
	s := newTestScheduler(t, SchedulerConfig{
		Runner:       runner,
		Artifacts:    artifacts,
		WorkspaceDir: workspace,
	})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"good": {
				ID: "good",
				Steps: []workflow.StepDefinition{
					{Uses: BuiltinArtifactUpload, Env: map[string]string{"name": "bin", "path": "bin"}},
				},
			},
			"bad": {
				ID: "bad",
				Steps: []workflow.StepDefinition{
					{Uses: BuiltinArtifactUpload, Env: map[string]string{"name": "partial", "path": "bin"}},
					{Run: "fail"},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	artifacts.mu.Lock()
	defer artifacts.mu.Unlock()

	foundCommit := false
	for _, id := range artifacts.committed {
		if id == "good" {
			foundCommit = true
		}
	}
	if !foundCommit {
		t.Error("succeeded instance's uploads were not committed")
	}

	foundDiscard := false
	for _, id := range artifacts.discarded {
		if id == "bad" {
			foundDiscard = true
		}
	}
	if !foundDiscard {
		t.Error("failed instance's uploads were not discarded")
	}

	if _, ok := artifacts.visible[run.ID+"\x00bin"]; !ok {
		t.Error("committed artifact is not visible")
	}
	if _, ok := artifacts.visible[run.ID+"\x00partial"]; ok {
		t.Error("discarded artifact became visible")
	}
}

func TestRunGateApproved(t *testing.T) {
	secrets := &recordingSecrets{values: map[string]string{"DEPLOY_KEY": "s3cret"}}
	var observed []string
	var observedMu sync.Mutex

	runner := &fakeRunner{}
	s := newTestScheduler(t, SchedulerConfig{
		Runner:  runner,
		Gate:    &scriptedGate{outcome: GateApproved},
		Secrets: secrets,
		Environments: map[string]*workflow.Environment{
			"production": {Name: "production", RequiredReviewers: 1},
		},
		SecretObserver: func(v string) {
			observedMu.Lock()
			observed = append(observed, v)
			observedMu.Unlock()
		},
	})

	def := &workflow.Definition{
		Name: "deploy",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"release": {
				ID:          "release",
				Environment: "production",
				Steps: []workflow.StepDefinition{
					{
						Run: "deploy",
						Env: map[string]string{"KEY": "${{ secrets.DEPLOY_KEY }}"},
					},
				},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}

	// The environment scope unlocked after the gate cleared.
	secrets.mu.Lock()
	sawScope := false
	for _, scope := range secrets.scopes {
		if scope == "production" {
			sawScope = true
		}
	}
	secrets.mu.Unlock()
	if !sawScope {
		t.Errorf("secret scopes = %v, want production", secrets.scopes)
	}

	reqs := runner.requestsFor("release")
	if len(reqs) != 1 || reqs[0].Env["KEY"] != "s3cret" {
		t.Errorf("release requests = %+v, want resolved secret", reqs)
	}

	observedMu.Lock()
	defer observedMu.Unlock()
	if len(observed) == 0 || observed[0] != "s3cret" {
		t.Errorf("observer saw %v, want the resolved secret value", observed)
	}
}

func TestRunGateRejected(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(t, SchedulerConfig{
		Runner: runner,
		Gate:   &scriptedGate{outcome: GateRejected},
		Environments: map[string]*workflow.Environment{
			"production": {Name: "production", RequiredReviewers: 1},
		},
	})

	def := &workflow.Definition{
		Name: "deploy",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"release": {
				ID:          "release",
				Environment: "production",
				Steps:       []workflow.StepDefinition{{Run: "deploy"}},
			},
			"announce": {
				ID:    "announce",
				Needs: []string{"release"},
				Steps: []workflow.StepDefinition{{Run: "announce"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	if run.Status != RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}

	release := run.Instance("release")
	if release.Status != JobStatusFailed {
		t.Errorf("release status = %s, want failed", release.Status)
	}
	if release.Error == nil || release.Error.Code != ErrCodeApprovalRejected {
		t.Errorf("release error = %v, want approval rejected", release.Error)
	}
	if reqs := runner.requestsFor("release"); len(reqs) != 0 {
		t.Error("rejected instance still reached the runner")
	}
	if st := run.Instance("announce").Status; st != JobStatusSkipped {
		t.Errorf("announce status = %s, want skipped", st)
	}
}

func TestRunGateTimedOut(t *testing.T) {
	s := newTestScheduler(t, SchedulerConfig{
		Runner: &fakeRunner{},
		Gate:   &scriptedGate{outcome: GateTimedOut},
		Environments: map[string]*workflow.Environment{
			"staging": {Name: "staging", RequiredReviewers: 2},
		},
	})

	def := &workflow.Definition{
		Name: "deploy",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"release": {
				ID:          "release",
				Environment: "staging",
				Steps:       []workflow.StepDefinition{{Run: "deploy"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	release := run.Instance("release")
	if release.Status != JobStatusFailed {
		t.Fatalf("release status = %s, want failed", release.Status)
	}
	if release.Error == nil || release.Error.Code != ErrCodeApprovalTimedOut {
		t.Errorf("release error = %v, want approval timeout", release.Error)
	}
}

func TestRunCancel(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := newTestScheduler(t, SchedulerConfig{Runner: runner})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"long": {
				ID:    "long",
				Steps: []workflow.StepDefinition{{Run: "sleep forever"}},
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runID, err := s.StartRun(ctx, def, pushEvent())
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	<-started
	if err := s.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := s.Wait(ctx, runID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	run, _ := s.GetRun(runID)
	if run.Status != RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	if st := run.Instance("long").Status; st != JobStatusCancelled {
		t.Errorf("instance status = %s, want cancelled", st)
	}

	// Cancelling a finished run is an error.
	if err := s.Cancel(ctx, runID); err == nil {
		t.Error("expected error cancelling a terminal run")
	}
}

func TestRunJobTimeout(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := newTestScheduler(t, SchedulerConfig{
		Runner:     runner,
		JobTimeout: 50 * time.Millisecond,
	})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"slow": {
				ID:    "slow",
				Steps: []workflow.StepDefinition{{Run: "sleep forever"}},
			},
		},
	}

	run := runToCompletion(t, s, def)

	slow := run.Instance("slow")
	if slow.Status != JobStatusFailed {
		t.Fatalf("slow status = %s, want failed", slow.Status)
	}
	if slow.Error == nil || slow.Error.Code != ErrCodeTimeout {
		t.Errorf("slow error = %v, want timeout", slow.Error)
	}
}

func TestRunRecorderReceivesTerminalSnapshot(t *testing.T) {
	recorder := &captureRecorder{}
	s := newTestScheduler(t, SchedulerConfig{
		Runner:   &fakeRunner{},
		Recorder: recorder,
	})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {ID: "build", Steps: []workflow.StepDefinition{{Run: "make"}}},
		},
	}

	run := runToCompletion(t, s, def)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.runs) != 1 {
		t.Fatalf("recorder received %d runs, want 1", len(recorder.runs))
	}
	if recorder.runs[0].ID != run.ID || recorder.runs[0].Status != RunStatusSucceeded {
		t.Errorf("recorded run = %s/%s", recorder.runs[0].ID, recorder.runs[0].Status)
	}
}

func TestRunStartRejectsCycle(t *testing.T) {
	s := newTestScheduler(t, SchedulerConfig{Runner: &fakeRunner{}})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"a": {ID: "a", Needs: []string{"b"}, Steps: []workflow.StepDefinition{{Run: "x"}}},
			"b": {ID: "b", Needs: []string{"a"}, Steps: []workflow.StepDefinition{{Run: "x"}}},
		},
	}

	if _, err := s.StartRun(context.Background(), def, pushEvent()); err == nil {
		t.Fatal("expected cycle rejection before dispatch")
	}
}

func TestRunStatusReport(t *testing.T) {
	s := newTestScheduler(t, SchedulerConfig{
		Runner: &fakeRunner{
			handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
				return &StepResult{Outputs: map[string]string{"v": "1"}}, nil
			},
		},
	})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {
				ID:      "build",
				Steps:   []workflow.StepDefinition{{ID: "s", Run: "make"}},
				Outputs: map[string]string{"v": "${{ steps.s.outputs.v }}"},
			},
		},
	}

	run := runToCompletion(t, s, def)

	report, err := s.Status(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if report.Status != RunStatusSucceeded {
		t.Errorf("report status = %s, want succeeded", report.Status)
	}
	if len(report.Instances) != 1 || report.Instances[0].Outputs["v"] != "1" {
		t.Errorf("report instances = %+v", report.Instances)
	}

	if _, err := s.Status(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestRunTimeline(t *testing.T) {
	s := newTestScheduler(t, SchedulerConfig{Runner: &fakeRunner{}})

	def := &workflow.Definition{
		Name: "ci",
		On:   []string{"push"},
		Jobs: map[string]*workflow.JobDefinition{
			"build": {ID: "build", Steps: []workflow.StepDefinition{{Run: "make"}}},
		},
	}

	run := runToCompletion(t, s, def)

	events := s.Events(run.ID)
	types := make(map[EventType]bool, len(events))
	for _, ev := range events {
		types[ev.Type] = true
	}
	for _, want := range []EventType{EventTypeRunStarted, EventTypeJobStarted, EventTypeJobCompleted, EventTypeRunCompleted} {
		if !types[want] {
			t.Errorf("timeline missing %s event", want)
		}
	}
}
