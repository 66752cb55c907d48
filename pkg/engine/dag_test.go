package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/conveyorci/conveyor/pkg/workflow"
)

func defWithJobs(jobs map[string][]string) *workflow.Definition {
	def := &workflow.Definition{
		Name: "test",
		On:   []string{"push"},
		Jobs: make(map[string]*workflow.JobDefinition),
	}
	for id, needs := range jobs {
		def.Jobs[id] = &workflow.JobDefinition{
			ID:    id,
			Needs: needs,
			Steps: []workflow.StepDefinition{{Run: "true"}},
		}
	}
	return def
}

func TestBuildGraphLevels(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"build":  nil,
		"lint":   nil,
		"test":   {"build"},
		"deploy": {"test", "lint"},
	})

	graph, err := NewGraphBuilder().BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("graph depth = %d, want 3", graph.Depth)
	}

	wantLevels := map[string]int{"build": 0, "lint": 0, "test": 1, "deploy": 2}
	for id, want := range wantLevels {
		node, ok := graph.Nodes[id]
		if !ok {
			t.Fatalf("node %s missing from graph", id)
		}
		if node.Level != want {
			t.Errorf("node %s level = %d, want %d", id, node.Level, want)
		}
	}

	if len(graph.Roots) != 2 {
		t.Errorf("expected 2 roots, got %v", graph.Roots)
	}
}

func TestBuildGraphTopologicalOrder(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	})

	graph, err := NewGraphBuilder().BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	order := graph.TopologicalOrder()
	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	for id, node := range graph.Nodes {
		for _, need := range node.Needs {
			if position[need] >= position[id] {
				t.Errorf("job %s appears before its need %s in %v", id, need, order)
			}
		}
	}
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	})

	_, err := NewGraphBuilder().BuildGraph(def)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !errors.Is(err, NewCyclicDependencyError("")) {
		t.Errorf("expected CYCLIC_DEPENDENCY error, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("expected cycle path in message, got %q", err.Error())
	}
}

func TestBuildGraphRejectsSelfCycle(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"a": {"a"},
	})

	_, err := NewGraphBuilder().BuildGraph(def)
	if err == nil {
		t.Fatal("expected cycle error for self-referencing job")
	}
}

func TestBuildGraphRejectsUnknownNeed(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"test": {"missing"},
	})

	_, err := NewGraphBuilder().BuildGraph(def)
	if err == nil {
		t.Fatal("expected error for unknown need")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engErr.Code != ErrCodeParse {
		t.Errorf("error code = %s, want %s", engErr.Code, ErrCodeParse)
	}
	if engErr.JobID != "test" {
		t.Errorf("error JobID = %q, want test", engErr.JobID)
	}
}

func TestBuildGraphRejectsEmptyWorkflow(t *testing.T) {
	def := &workflow.Definition{Name: "empty", On: []string{"push"}}

	_, err := NewGraphBuilder().BuildGraph(def)
	if err == nil {
		t.Fatal("expected error for workflow without jobs")
	}
}

func TestBuildGraphDependents(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"build":   nil,
		"test":    {"build"},
		"package": {"build"},
	})

	graph, err := NewGraphBuilder().BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	deps := graph.Nodes["build"].Dependents
	if len(deps) != 2 {
		t.Fatalf("build dependents = %v, want 2 entries", deps)
	}
}

func TestToDOT(t *testing.T) {
	def := defWithJobs(map[string][]string{
		"build": nil,
		"test":  {"build"},
	})

	graph, err := NewGraphBuilder().BuildGraph(def)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	dot := graph.ToDOT()
	if !strings.Contains(dot, `"build" -> "test"`) {
		t.Errorf("DOT output missing edge:\n%s", dot)
	}
}
