package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/pkg/engine"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

func gateRequest(env *workflow.Environment, branch string) engine.GateRequest {
	return engine.GateRequest{
		RunID:       "run-1",
		InstanceID:  "deploy",
		Environment: env,
		Branch:      branch,
	}
}

// waitForPending polls until the manager registers the hold for the
// instance. Evaluate registers the request from its own goroutine, so the
// test cannot observe it synchronously.
func waitForPending(t *testing.T, m *Manager, runID, instanceID string) *Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if req, ok := m.PendingFor(runID, instanceID); ok {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("approval request never became pending")
	return nil
}

func TestEvaluateNoEnvironment(t *testing.T) {
	m := NewManager(0)
	outcome, err := m.Evaluate(context.Background(), gateRequest(nil, "main"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome != engine.GateApproved {
		t.Errorf("outcome = %s, want approved", outcome)
	}
}

func TestEvaluateNoReviewersRequired(t *testing.T) {
	m := NewManager(0)
	env := &workflow.Environment{Name: "staging"}

	outcome, err := m.Evaluate(context.Background(), gateRequest(env, "main"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome != engine.GateApproved {
		t.Errorf("outcome = %s, want approved", outcome)
	}
	if len(m.Pending()) != 0 {
		t.Error("no hold should be created when no reviewers are required")
	}
}

func TestEvaluateBranchMismatchRejectsImmediately(t *testing.T) {
	m := NewManager(0)
	env := &workflow.Environment{
		Name:              "production",
		RequiredReviewers: 2,
		AllowedBranches:   []string{"main", "release/*"},
	}

	start := time.Now()
	outcome, err := m.Evaluate(context.Background(), gateRequest(env, "feature/x"))
	if outcome != engine.GateRejected {
		t.Errorf("outcome = %s, want rejected", outcome)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeApprovalRejected {
		t.Errorf("expected APPROVAL_REJECTED error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("branch mismatch should resolve without waiting")
	}
	if len(m.Pending()) != 0 {
		t.Error("branch mismatch must not create a hold")
	}
}

func TestEvaluateBranchGlobMatch(t *testing.T) {
	m := NewManager(0)
	env := &workflow.Environment{
		Name:            "production",
		AllowedBranches: []string{"release/*"},
	}

	outcome, err := m.Evaluate(context.Background(), gateRequest(env, "release/1.2"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if outcome != engine.GateApproved {
		t.Errorf("outcome = %s, want approved", outcome)
	}
}

func TestEvaluateRequiresDistinctReviewers(t *testing.T) {
	m := NewManager(0)
	env := &workflow.Environment{Name: "production", RequiredReviewers: 2}

	type result struct {
		outcome engine.GateOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := m.Evaluate(context.Background(), gateRequest(env, "main"))
		done <- result{outcome, err}
	}()

	req := waitForPending(t, m, "run-1", "deploy")

	// The same reviewer approving twice counts once.
	if err := m.Approve(req.ID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if err := m.Approve(req.ID, "alice"); err != nil {
		t.Fatalf("repeat Approve failed: %v", err)
	}

	select {
	case <-done:
		t.Fatal("gate resolved with a single distinct reviewer")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Approve(req.ID, "bob"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Evaluate failed: %v", res.err)
		}
		if res.outcome != engine.GateApproved {
			t.Errorf("outcome = %s, want approved", res.outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not resolve after second approval")
	}

	stored, ok := m.Get(req.ID)
	if !ok {
		t.Fatal("resolved request should remain queryable")
	}
	approvers := stored.ApproverList()
	if len(approvers) != 2 || approvers[0] != "alice" || approvers[1] != "bob" {
		t.Errorf("approvers = %v, want [alice bob]", approvers)
	}
}

func TestEvaluateRejection(t *testing.T) {
	m := NewManager(0)
	env := &workflow.Environment{Name: "production", RequiredReviewers: 1}

	done := make(chan engine.GateOutcome, 1)
	go func() {
		outcome, _ := m.Evaluate(context.Background(), gateRequest(env, "main"))
		done <- outcome
	}()

	req := waitForPending(t, m, "run-1", "deploy")
	if err := m.Reject(req.ID, "mallory"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	select {
	case outcome := <-done:
		if outcome != engine.GateRejected {
			t.Errorf("outcome = %s, want rejected", outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not resolve after rejection")
	}

	// A terminal request cannot be approved afterwards.
	if err := m.Approve(req.ID, "alice"); err == nil {
		t.Error("Approve succeeded on a resolved request")
	}
}

func TestEvaluateTimeout(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	env := &workflow.Environment{Name: "production", RequiredReviewers: 1}

	outcome, err := m.Evaluate(context.Background(), gateRequest(env, "main"))
	if outcome != engine.GateTimedOut {
		t.Errorf("outcome = %s, want timed_out", outcome)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeApprovalTimedOut {
		t.Errorf("expected APPROVAL_TIMED_OUT error, got %v", err)
	}
	if len(m.Pending()) != 0 {
		t.Error("timed out request still reported as pending")
	}
}

func TestEvaluateContextCancellation(t *testing.T) {
	m := NewManager(time.Hour)
	env := &workflow.Environment{Name: "production", RequiredReviewers: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Evaluate(ctx, gateRequest(env, "main"))
		done <- err
	}()

	waitForPending(t, m, "run-1", "deploy")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gate did not unwind on context cancellation")
	}
}

func TestPendingSnapshotIsolation(t *testing.T) {
	m := NewManager(time.Hour)
	env := &workflow.Environment{Name: "production", RequiredReviewers: 2}

	go func() {
		_, _ = m.Evaluate(context.Background(), gateRequest(env, "main"))
	}()
	req := waitForPending(t, m, "run-1", "deploy")

	pending := m.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d requests, want 1", len(pending))
	}

	// Mutating the snapshot must not touch the live request.
	pending[0].Approvers["intruder"] = true
	if err := m.Approve(req.ID, "alice"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	live, _ := m.Get(req.ID)
	if live.Approvers["intruder"] {
		t.Error("snapshot mutation leaked into the live request")
	}
}

func TestBranchAllowedPatterns(t *testing.T) {
	tests := []struct {
		branch   string
		patterns []string
		want     bool
	}{
		{"main", nil, true},
		{"main", []string{"main"}, true},
		{"develop", []string{"main"}, false},
		{"release/1.2", []string{"release/*"}, true},
		{"release/1.2/hotfix", []string{"release/*"}, false},
		{"release/1.2/hotfix", []string{"release/**"}, true},
		{"main", []string{"develop", "main"}, true},
	}

	for _, tt := range tests {
		got, err := branchAllowed(tt.branch, tt.patterns)
		if err != nil {
			t.Fatalf("branchAllowed(%q, %v) failed: %v", tt.branch, tt.patterns, err)
		}
		if got != tt.want {
			t.Errorf("branchAllowed(%q, %v) = %v, want %v", tt.branch, tt.patterns, got, tt.want)
		}
	}
}
