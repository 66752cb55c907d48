// Package gate implements the approval state machine guarding job instances
// that target protected deployment environments. A request moves
// NotRequested -> PendingApproval -> {Approved, Rejected, TimedOut}; a
// branch mismatch is an immediate rejection and never creates a hold.
package gate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/engine"
)

// State represents the approval state of a request.
type State string

const (
	// StateNotRequested indicates no approval has been requested yet.
	StateNotRequested State = "not_requested"

	// StatePendingApproval indicates the request is waiting for reviewers.
	StatePendingApproval State = "pending_approval"

	// StateApproved indicates enough distinct reviewers approved.
	StateApproved State = "approved"

	// StateRejected indicates a reviewer rejected the deployment or the
	// triggering branch is not allowed.
	StateRejected State = "rejected"

	// StateTimedOut indicates the approval window elapsed unresolved.
	StateTimedOut State = "timed_out"
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateRejected || s == StateTimedOut
}

// DefaultApprovalTimeout bounds how long a request may stay pending.
const DefaultApprovalTimeout = 24 * time.Hour

// Request is one approval request for a gated job instance.
type Request struct {
	// ID is the unique request identifier.
	ID string `json:"id"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// InstanceID is the held job instance.
	InstanceID string `json:"instance_id"`

	// Environment is the protected environment name.
	Environment string `json:"environment"`

	// State is the current approval state.
	State State `json:"state"`

	// RequiredReviewers is how many distinct approvals are needed.
	RequiredReviewers int `json:"required_reviewers"`

	// Approvers is the set of reviewers who have approved so far.
	Approvers map[string]bool `json:"approvers"`

	// CreatedAt is when the request entered PendingApproval.
	CreatedAt time.Time `json:"created_at"`

	done chan engine.GateOutcome
}

// ApproverList returns the approving reviewers in sorted order.
func (r *Request) ApproverList() []string {
	names := make([]string, 0, len(r.Approvers))
	for name := range r.Approvers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manager holds pending approval requests and resolves gate holds.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	timeout  time.Duration
}

// NewManager creates a gate manager with the given approval timeout.
// A non-positive timeout selects DefaultApprovalTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Manager{
		requests: make(map[string]*Request),
		timeout:  timeout,
	}
}

// Evaluate clears a job instance for a protected environment. It blocks
// until the request resolves, the approval window elapses, or ctx is done.
func (m *Manager) Evaluate(ctx context.Context, req engine.GateRequest) (engine.GateOutcome, error) {
	env := req.Environment
	if env == nil {
		return engine.GateApproved, nil
	}

	// Branch check comes first: a mismatch is an immediate rejection,
	// never a hold.
	allowed, err := branchAllowed(req.Branch, env.AllowedBranches)
	if err != nil {
		return engine.GateRejected, err
	}
	if !allowed {
		return engine.GateRejected, engine.NewApprovalRejectedError(fmt.Sprintf(
			"branch %q is not allowed for environment %q", req.Branch, env.Name))
	}

	if env.RequiredReviewers <= 0 {
		return engine.GateApproved, nil
	}

	request := &Request{
		ID:                uuid.New().String(),
		RunID:             req.RunID,
		InstanceID:        req.InstanceID,
		Environment:       env.Name,
		State:             StatePendingApproval,
		RequiredReviewers: env.RequiredReviewers,
		Approvers:         make(map[string]bool),
		CreatedAt:         time.Now(),
		done:              make(chan engine.GateOutcome, 1),
	}

	m.mu.Lock()
	m.requests[request.ID] = request
	m.mu.Unlock()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case outcome := <-request.done:
		return outcome, nil
	case <-timer.C:
		m.resolve(request.ID, StateTimedOut, engine.GateTimedOut)
		return engine.GateTimedOut, engine.NewApprovalTimedOutError(fmt.Sprintf(
			"approval for environment %q timed out after %s", env.Name, m.timeout))
	case <-ctx.Done():
		m.resolve(request.ID, StateTimedOut, engine.GateTimedOut)
		return engine.GateTimedOut, ctx.Err()
	}
}

// Approve records a reviewer approval. The request resolves once distinct
// approvals reach the required count. Repeat approvals by the same reviewer
// do not count twice.
func (m *Manager) Approve(requestID, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	request, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("approval request %s not found", requestID)
	}
	if request.State != StatePendingApproval {
		return fmt.Errorf("approval request %s already resolved (%s)", requestID, request.State)
	}

	request.Approvers[reviewer] = true
	if len(request.Approvers) >= request.RequiredReviewers {
		request.State = StateApproved
		request.done <- engine.GateApproved
	}
	return nil
}

// Reject resolves a request as rejected.
func (m *Manager) Reject(requestID, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	request, ok := m.requests[requestID]
	if !ok {
		return fmt.Errorf("approval request %s not found", requestID)
	}
	if request.State != StatePendingApproval {
		return fmt.Errorf("approval request %s already resolved (%s)", requestID, request.State)
	}

	request.State = StateRejected
	request.done <- engine.GateRejected
	return nil
}

// resolve force-resolves a request into a terminal state, if still pending.
func (m *Manager) resolve(requestID string, state State, outcome engine.GateOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	request, ok := m.requests[requestID]
	if !ok || request.State != StatePendingApproval {
		return
	}
	request.State = state
	select {
	case request.done <- outcome:
	default:
	}
}

// Pending returns a snapshot of unresolved requests, oldest first.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Request
	for _, request := range m.requests {
		if request.State == StatePendingApproval {
			snapshot := *request
			snapshot.Approvers = make(map[string]bool, len(request.Approvers))
			for k, v := range request.Approvers {
				snapshot.Approvers[k] = v
			}
			pending = append(pending, &snapshot)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// Get returns a request by ID.
func (m *Manager) Get(requestID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	request, ok := m.requests[requestID]
	return request, ok
}

// PendingFor returns the unresolved request holding the given instance.
func (m *Manager) PendingFor(runID, instanceID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, request := range m.requests {
		if request.RunID == runID && request.InstanceID == instanceID &&
			request.State == StatePendingApproval {
			return request, true
		}
	}
	return nil, false
}

// branchAllowed checks the branch against the allowed patterns. An empty
// pattern list allows any branch.
func branchAllowed(branch string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return false, engine.NewApprovalRejectedError(fmt.Sprintf(
				"invalid branch pattern %q: %v", pattern, err))
		}
		if g.Match(branch) {
			return true, nil
		}
	}
	return false, nil
}
