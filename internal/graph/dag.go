// Package graph implements a belt-and-braces acyclicity check over a
// pipeline's job successor graph (§8): no component in the orchestrator
// should be able to construct a cycle via its parent/child job chain,
// but the validator exists to reject one before it's created rather than
// discover it later. Grounded on the teacher's plan.ValidateTaskDAG,
// generalized from task/phase names to arbitrary node ids.
package graph

import (
	"fmt"
	"strings"
)

// ValidateAcyclic runs Kahn's algorithm over nodes with edges given as
// node -> the nodes it depends on (i.e. its predecessors). It returns a
// topological order on success, or an error naming the cycle path.
func ValidateAcyclic(nodes []string, dependsOn map[string][]string) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for node, deps := range dependsOn {
		for _, dep := range deps {
			if !nodeSet[dep] {
				continue
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}

	cyclePath := findCyclePath(nodes, dependsOn, inDegree)
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath, " -> "))
}

// findCyclePath finds a cycle path among nodes with non-zero in-degree,
// via a three-color DFS.
func findCyclePath(nodes []string, dependsOn map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range dependsOn[node] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}
