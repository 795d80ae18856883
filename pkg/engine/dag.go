package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/taskwarden/taskwarden/pkg/stores"
)

// WouldCreateCycle reports whether adding the proposed depends-on edges
// from taskID would close a cycle, and returns the offending path when it
// would. The existing graph is acyclic by construction, so any cycle found
// runs through taskID and at least one proposed edge.
func (e *Engine) WouldCreateCycle(ctx context.Context, taskID string, dependsOn []string) (bool, []string, error) {
	if len(dependsOn) == 0 {
		return false, nil, nil
	}
	for _, dep := range dependsOn {
		if dep == taskID {
			return true, []string{taskID, taskID}, nil
		}
	}

	adjacency, err := e.loadAdjacency(ctx)
	if err != nil {
		return false, nil, err
	}
	adjacency[taskID] = append(append([]string{}, adjacency[taskID]...), dependsOn...)

	cycle := findCycleFrom(taskID, adjacency)
	return len(cycle) > 0, cycle, nil
}

// DetectCycles scans the whole dependency graph and returns the first
// cycle found, or nil when the graph is acyclic. Bootstrap and doctor
// tooling run this as an integrity check.
func (e *Engine) DetectCycles(ctx context.Context) ([]string, error) {
	adjacency, err := e.loadAdjacency(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]string, 0, len(adjacency))
	for id := range adjacency {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool)
	for _, id := range nodes {
		if visited[id] {
			continue
		}
		recStack := make(map[string]bool)
		if cycle := cycleDFS(id, adjacency, visited, recStack, nil); len(cycle) > 0 {
			return cycle, nil
		}
	}
	return nil, nil
}

// DependencyStatus returns the status of each dependency of a task and
// whether all of them are COMPLETED, which is the claim-readiness rule.
func (e *Engine) DependencyStatus(ctx context.Context, taskID string) ([]stores.DependencyState, bool, error) {
	if _, err := e.loadTask(ctx, taskID); err != nil {
		return nil, false, err
	}

	var states []stores.DependencyState
	err := e.withStoreRetry(ctx, "dependency states", func() error {
		var err error
		states, err = e.store.DependencyStates(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	ready := true
	for _, state := range states {
		if state.Status != StatusCompleted {
			ready = false
			break
		}
	}
	return states, ready, nil
}

// loadAdjacency reads every dependency edge into a task -> depends-on map.
func (e *Engine) loadAdjacency(ctx context.Context) (map[string][]string, error) {
	var edges []stores.DependencyEdge
	err := e.withStoreRetry(ctx, "list dependency edges", func() error {
		var err error
		edges, err = e.store.ListEdges(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	adjacency := make(map[string][]string, len(edges))
	for _, edge := range edges {
		adjacency[edge.TaskID] = append(adjacency[edge.TaskID], edge.DependsOn)
	}
	return adjacency, nil
}

// findCycleFrom looks for a cycle reachable from one starting node.
func findCycleFrom(start string, adjacency map[string][]string) []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	return cycleDFS(start, adjacency, visited, recStack, nil)
}

// cycleDFS walks depends-on edges depth first. When it re-enters a node on
// the recursion stack it slices the current path into the cycle, closed by
// repeating the entry node.
func cycleDFS(node string, adjacency map[string][]string, visited, recStack map[string]bool, path []string) []string {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, dep := range adjacency[node] {
		if !visited[dep] {
			if cycle := cycleDFS(dep, adjacency, visited, recStack, path); len(cycle) > 0 {
				return cycle
			}
		} else if recStack[dep] {
			cycleStart := -1
			for i, id := range path {
				if id == dep {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(append([]string{}, path[cycleStart:]...), dep)
			}
		}
	}

	recStack[node] = false
	return nil
}

// formatCycle renders a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// DependencyGraphDOT renders the task graph in Graphviz DOT, clustered by
// topological depth and colored by status. Pass a lane to restrict the
// drawing, or "" for everything.
func (e *Engine) DependencyGraphDOT(ctx context.Context, lane string) (string, error) {
	filter := stores.TaskFilter{Limit: 10000}
	if lane != "" {
		filter.Lane = &lane
	}
	tasks, err := e.ListTasks(ctx, filter)
	if err != nil {
		return "", err
	}

	byID := make(map[string]*stores.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	adjacency, err := e.loadAdjacency(ctx)
	if err != nil {
		return "", err
	}

	// Kahn's algorithm over the drawn subset. Depth 0 holds tasks whose
	// dependencies are all outside the drawing or absent.
	inDegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id := range byID {
		for _, dep := range adjacency[id] {
			if _, drawn := byID[dep]; !drawn {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var levels [][]string
	currentLevel := make([]string, 0)
	for id := range byID {
		if inDegree[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}
	processed := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		levels = append(levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}
	if processed != len(byID) {
		return "", NewPermanentError("dependency graph contains a cycle", nil).
			WithCode(ErrCodeCircularDependency)
	}

	var sb strings.Builder
	sb.WriteString("digraph TaskGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_depth_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Depth %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			task := byID[id]
			label := fmt.Sprintf("%s\\n%s\\n%s", task.ID, task.Lane, task.Archetype)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=%q];\n",
				id, label, statusColor(task.Status)))
		}
		sb.WriteString("  }\n\n")
	}

	edgeIDs := make([]string, 0, len(byID))
	for id := range byID {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Strings(edgeIDs)
	for _, id := range edgeIDs {
		for _, dep := range adjacency[id] {
			if _, drawn := byID[dep]; !drawn {
				continue
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

// statusColor maps a task status to a fill color for graph rendering.
func statusColor(status Status) string {
	switch status {
	case StatusPending:
		return "lightyellow"
	case StatusInProgress:
		return "lightblue"
	case StatusReviewing:
		return "orange"
	case StatusCompleted:
		return "lightgreen"
	case StatusBlocked:
		return "lightcoral"
	case StatusFailed:
		return "tomato"
	case StatusCancelled:
		return "lightgray"
	default:
		return "white"
	}
}
