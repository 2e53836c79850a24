// Package graph computes task readiness from dependency edges. It never
// reorders tasks; callers keep insertion order and the resolver only gates
// progression.
package graph

import "missionline/internal/domain"

// Node is the slice of a task the resolver cares about.
type Node struct {
	ID        string
	Status    string
	DependsOn []string
}

// FromTasks projects tasks into resolver nodes, preserving order.
func FromTasks(tasks []domain.Task) []Node {
	nodes := make([]Node, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, Node{ID: t.ID, Status: t.Status, DependsOn: t.DependsOn})
	}
	return nodes
}

// WouldCycle reports whether adding candidate to the existing set closes a
// dependency cycle. Used at creation time: a cycle is a schema error, never
// a runtime deadlock.
func WouldCycle(existing []Node, candidate Node) bool {
	nodes := make(map[string][]string, len(existing)+1)
	for _, n := range existing {
		nodes[n.ID] = n.DependsOn
	}
	nodes[candidate.ID] = candidate.DependsOn

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range nodes[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	return visit(candidate.ID)
}

// UnmetDeps returns the dependency ids of the given task that are not yet
// complete, in declaration order. An unknown dependency counts as unmet.
func UnmetDeps(nodes []Node, id string) []string {
	status := make(map[string]string, len(nodes))
	var deps []string
	for _, n := range nodes {
		status[n.ID] = n.Status
		if n.ID == id {
			deps = n.DependsOn
		}
	}
	var unmet []string
	for _, dep := range deps {
		if status[dep] != domain.TaskComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Ready reports whether every dependency of id is complete.
func Ready(nodes []Node, id string) bool {
	return len(UnmetDeps(nodes, id)) == 0
}

// Promotable returns the ids of pending tasks whose dependencies are all
// complete, in the order the nodes were supplied (mission insertion order).
func Promotable(nodes []Node) []string {
	var ids []string
	for _, n := range nodes {
		if n.Status != domain.TaskPending {
			continue
		}
		if Ready(nodes, n.ID) {
			ids = append(ids, n.ID)
		}
	}
	return ids
}
