package compiler

import "github.com/loomworks/loom/pkg/models"

// buildGraph builds the adjacency list (dependency -> dependents) for the
// steps, preserving definition order in the node list.
func buildGraph(order []string, steps map[string]*models.WorkflowStep) map[string][]string {
	graph := make(map[string][]string, len(order))
	for _, name := range order {
		graph[name] = []string{}
	}

	for _, name := range order {
		for _, dep := range steps[name].DependsOn {
			graph[dep] = append(graph[dep], name)
		}
	}

	return graph
}

// findCycle runs depth-first search with a recursion stack and returns the
// exact cycle path as a closed walk, or nil when the graph is acyclic.
// Nodes are visited in definition order so the reported cycle is deterministic.
func findCycle(order []string, graph map[string][]string) []string {
	const (
		unvisited = iota
		inStack
		done
	)

	state := make(map[string]int, len(order))

	var stack []string

	var visit func(node string) []string
	visit = func(node string) []string {
		state[node] = inStack
		stack = append(stack, node)

		for _, next := range graph[node] {
			switch state[next] {
			case inStack:
				// Close the walk from the first occurrence of next.
				start := 0
				for i, name := range stack {
					if name == next {
						start = i

						break
					}
				}

				cycle := make([]string, 0, len(stack)-start+1)
				cycle = append(cycle, stack[start:]...)
				cycle = append(cycle, next)

				return cycle
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = done

		return nil
	}

	for _, node := range order {
		if state[node] == unvisited {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// topoSort computes a topological order via Kahn's algorithm. Ties among
// zero-indegree nodes are broken by definition order, which makes the result
// deterministic for a given document. The returned slice is shorter than the
// node count if (and only if) a cycle remains.
func topoSort(order []string, graph map[string][]string) []string {
	indegree := make(map[string]int, len(order))
	for _, name := range order {
		indegree[name] = 0
	}

	for _, dependents := range graph {
		for _, dependent := range dependents {
			indegree[dependent]++
		}
	}

	queue := make([]string, 0, len(order))
	for _, name := range order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	sorted := make([]string, 0, len(order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range graph[node] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	return sorted
}
