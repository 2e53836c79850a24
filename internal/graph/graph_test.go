package graph_test

import (
	"reflect"
	"testing"

	"missionline/internal/domain"
	"missionline/internal/graph"
)

func TestWouldCycle(t *testing.T) {
	existing := []graph.Node{
		{ID: "a", Status: domain.TaskReady},
		{ID: "b", Status: domain.TaskPending, DependsOn: []string{"a"}},
	}
	if graph.WouldCycle(existing, graph.Node{ID: "c", DependsOn: []string{"b"}}) {
		t.Fatalf("chain must not report a cycle")
	}
	if !graph.WouldCycle(existing, graph.Node{ID: "c", DependsOn: []string{"c"}}) {
		t.Fatalf("self-dependency is a cycle")
	}
	// a <- b plus a hypothetical a -> c -> b back-edge closes a loop.
	looped := []graph.Node{
		{ID: "a", Status: domain.TaskPending, DependsOn: []string{"c"}},
		{ID: "b", Status: domain.TaskPending, DependsOn: []string{"a"}},
	}
	if !graph.WouldCycle(looped, graph.Node{ID: "c", DependsOn: []string{"b"}}) {
		t.Fatalf("expected cycle through c -> b -> a -> c")
	}
}

func TestUnmetDeps(t *testing.T) {
	nodes := []graph.Node{
		{ID: "a", Status: domain.TaskComplete},
		{ID: "b", Status: domain.TaskRunning},
		{ID: "c", Status: domain.TaskPending, DependsOn: []string{"a", "b", "ghost"}},
	}
	got := graph.UnmetDeps(nodes, "c")
	want := []string{"b", "ghost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unmet deps = %v, want %v", got, want)
	}
	if graph.Ready(nodes, "c") {
		t.Fatalf("c must not be ready")
	}
	if !graph.Ready(nodes, "a") {
		t.Fatalf("a has no deps and must be ready")
	}
}

func TestPromotable(t *testing.T) {
	nodes := []graph.Node{
		{ID: "a", Status: domain.TaskComplete},
		{ID: "b", Status: domain.TaskPending, DependsOn: []string{"a"}},
		{ID: "c", Status: domain.TaskPending, DependsOn: []string{"b"}},
		{ID: "d", Status: domain.TaskRunning, DependsOn: []string{"a"}},
	}
	got := graph.Promotable(nodes)
	want := []string{"b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("promotable = %v, want %v", got, want)
	}
}

func TestFromTasksPreservesOrder(t *testing.T) {
	tasks := []domain.Task{
		{ID: "t2", Status: domain.TaskPending, DependsOn: []string{"t1"}},
		{ID: "t1", Status: domain.TaskReady},
	}
	nodes := graph.FromTasks(tasks)
	if len(nodes) != 2 || nodes[0].ID != "t2" || nodes[1].ID != "t1" {
		t.Fatalf("order not preserved: %v", nodes)
	}
}
