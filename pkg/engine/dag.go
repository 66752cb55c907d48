package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conveyorci/conveyor/pkg/workflow"
)

// NeedsGraph is the validated dependency graph over job definitions.
// It is built once per workflow definition, before any matrix expansion
// or dispatch.
type NeedsGraph struct {
	// Nodes maps job IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Roots are the job IDs with no needs.
	Roots []string `json:"roots"`

	// Depth is the maximum depth of the graph.
	Depth int `json:"depth"`

	// order lists job IDs in a topological order.
	order []string
}

// GraphNode represents a job in the needs graph.
type GraphNode struct {
	// ID is the job definition ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Needs are the incoming edges (jobs this one waits on).
	Needs []string `json:"needs"`

	// Dependents are the outgoing edges (jobs waiting on this one).
	Dependents []string `json:"dependents"`
}

// TopologicalOrder returns job IDs in an order where every job appears after
// all of its needs. Jobs at the same level are ordered lexically.
func (g *NeedsGraph) TopologicalOrder() []string {
	return g.order
}

// GraphBuilder builds a needs graph from job definitions, detecting cycles
// and assigning execution levels.
type GraphBuilder struct {
	// jobs maps job IDs to their definitions
	jobs map[string]*workflow.JobDefinition

	// adjacencyList maps job IDs to their dependents
	adjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to job IDs at that level
	levels [][]string
}

// NewGraphBuilder creates a new needs-graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		jobs:          make(map[string]*workflow.JobDefinition),
		adjacencyList: make(map[string][]string),
		inDegree:      make(map[string]int),
		levels:        make([][]string, 0),
	}
}

// BuildGraph constructs the needs graph for a workflow definition.
// It validates that every need references an existing job and that the graph
// is acyclic; a cycle fails the entire run before any dispatch.
func (b *GraphBuilder) BuildGraph(def *workflow.Definition) (*NeedsGraph, error) {
	if len(def.Jobs) == 0 {
		return nil, NewParseError("workflow has no jobs", nil)
	}

	if err := b.initialize(def); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildNeedsGraph(), nil
}

// initialize sets up the internal data structures from job definitions.
func (b *GraphBuilder) initialize(def *workflow.Definition) error {
	for id, job := range def.Jobs {
		b.jobs[id] = job
		b.adjacencyList[id] = make([]string, 0)
		b.inDegree[id] = 0
	}

	// Deterministic iteration keeps edge order and error messages stable.
	for _, id := range sortedJobIDs(b.jobs) {
		job := b.jobs[id]
		for _, need := range job.Needs {
			if _, exists := b.jobs[need]; !exists {
				return NewParseError(
					fmt.Sprintf("job %s needs non-existent job %s", id, need), nil,
				).WithJob(id)
			}

			// Edge from need to job: the need must succeed first.
			b.adjacencyList[need] = append(b.adjacencyList[need], id)
			b.inDegree[id]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular needs.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, id := range sortedJobIDs(b.jobs) {
		if !visited[id] {
			if cycle := b.detectCyclesUtil(id, visited, recStack, path); cycle != nil {
				return NewCyclicDependencyError(
					fmt.Sprintf("circular needs detected: %s", formatCycle(cycle)))
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the needs graph.
// It returns the cycle path when one is found.
func (b *GraphBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent)
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns execution levels using Kahn's algorithm.
// Jobs at the same level have no ordering constraints between them.
func (b *GraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int)
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range sortedJobIDs(b.jobs) {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 && len(b.jobs) > 0 {
		return NewCyclicDependencyError("no root jobs found - every job has needs")
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)

		currentLevel = nextLevel
	}

	// Should never happen once cycle detection passed.
	if processedCount != len(b.jobs) {
		return NewInternalError("failed to process all jobs - possible cycle", nil)
	}

	return nil
}

// buildNeedsGraph creates the final NeedsGraph structure.
func (b *GraphBuilder) buildNeedsGraph() *NeedsGraph {
	graph := &NeedsGraph{
		Nodes: make(map[string]*GraphNode),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, jobIDs := range b.levels {
		for _, jobID := range jobIDs {
			graph.Nodes[jobID] = &GraphNode{
				ID:         jobID,
				Level:      level,
				Needs:      append([]string(nil), b.jobs[jobID].Needs...),
				Dependents: b.adjacencyList[jobID],
			}
			graph.order = append(graph.order, jobID)

			if level == 0 {
				graph.Roots = append(graph.Roots, jobID)
			}
		}
	}

	return graph
}

// ToDOT generates a DOT representation of the needs graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *NeedsGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph NeedsGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.order {
		node := g.Nodes[id]
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\\nlevel %d\"];\n",
			id, id, node.Level))
	}
	sb.WriteString("\n")

	for _, id := range g.order {
		for _, need := range g.Nodes[id].Needs {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", need, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// sortedJobIDs returns the map keys in lexical order.
func sortedJobIDs(jobs map[string]*workflow.JobDefinition) []string {
	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
