package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AGENTCORE/internal/llm"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/types"
)

func task(id string, deps ...string) types.TaskSpec {
	return types.TaskSpec{ID: id, Operation: "run", Dependencies: deps}
}

func indexOf(list []string, s string) int {
	for i, item := range list {
		if item == s {
			return i
		}
	}
	return -1
}

func TestResolve_TopologicalOrder(t *testing.T) {
	specs := []types.TaskSpec{
		task("build"),
		task("test", "build"),
		task("package", "test"),
		task("lint", "build"),
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if len(result.ExecutionOrder) != 4 {
		t.Fatalf("order length = %d, want 4", len(result.ExecutionOrder))
	}

	// Every dependency comes before its dependent
	for id, node := range result.Graph {
		for dep := range node.Dependencies {
			if indexOf(result.ExecutionOrder, dep) >= indexOf(result.ExecutionOrder, id) {
				t.Errorf("%s should come before %s in %v", dep, id, result.ExecutionOrder)
			}
		}
	}
}

func TestResolve_CycleDetection(t *testing.T) {
	specs := []types.TaskSpec{
		task("A", "B"),
		task("B", "C"),
		task("C", "A"),
	}

	_, err := Resolve(context.Background(), specs, Options{})
	var cycleErr *recovery.CircularDependencyError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}
	if len(cycleErr.Paths) == 0 {
		t.Fatal("cycle error should carry at least one path")
	}
	// The reported path is the cycle (some rotation of A,B,C) closed on itself
	path := cycleErr.Paths[0]
	if len(path) != 4 || path[0] != path[len(path)-1] {
		t.Errorf("cycle path should close on itself: %v", path)
	}
	for _, id := range []string{"A", "B", "C"} {
		if indexOf(path[:3], id) < 0 {
			t.Errorf("cycle path %v missing %s", path, id)
		}
	}
}

func TestResolve_CycleCaughtBySortWhenDFSDisabled(t *testing.T) {
	specs := []types.TaskSpec{task("A", "B"), task("B", "A"), task("C")}

	_, err := Resolve(context.Background(), specs, Options{DisableCycleDetection: true})
	if !errors.Is(err, recovery.ErrDependencyResolution) {
		t.Errorf("expected ErrDependencyResolution, got %v", err)
	}
}

func TestResolve_ParallelGroupAndEstimate(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "A", Operation: "run", EstimatedTime: 2 * time.Second},
		{ID: "B", Operation: "run", EstimatedTime: 5 * time.Second},
		{ID: "C", Operation: "run", EstimatedTime: 3 * time.Second},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(result.ParallelGroups) != 1 || len(result.ParallelGroups[0]) != 3 {
		t.Fatalf("expected one group of three, got %v", result.ParallelGroups)
	}
	if result.EstimatedTime != 5*time.Second {
		t.Errorf("estimated time = %v, want max of members (5s)", result.EstimatedTime)
	}
}

func TestResolve_ParallelGroupInvariants(t *testing.T) {
	specs := []types.TaskSpec{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
		{ID: "x", Operation: "run", Resources: types.ResourceRequirements{Exclusive: []string{"repo"}}},
		{ID: "y", Operation: "run", Resources: types.ResourceRequirements{Exclusive: []string{"repo"}}},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for _, group := range result.ParallelGroups {
		for i, a := range group {
			for _, b := range group[i+1:] {
				if transitivelyDepends(result.Graph, a, b) || transitivelyDepends(result.Graph, b, a) {
					t.Errorf("group %v contains dependent pair %s/%s", group, a, b)
				}
				if a == "x" && b == "y" || a == "y" && b == "x" {
					t.Errorf("exclusive-resource pair x/y must not share a group: %v", group)
				}
			}
		}
	}
}

func transitivelyDepends(graph map[string]*Node, from, to string) bool {
	seen := make(map[string]bool)
	var walk func(string) bool
	walk = func(id string) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		for dep := range graph[id].Dependencies {
			if dep == to || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

func TestResolve_ResourceEdges(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "producer", Operation: "run", Resources: types.ResourceRequirements{Outputs: []string{"artifact.bin"}}},
		{ID: "consumer", Operation: "run", Resources: types.ResourceRequirements{Inputs: []string{"artifact.bin"}}},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := result.Graph["consumer"].Dependencies["producer"]; !ok {
		t.Error("consumer should depend on producer via resource edge")
	}
	if deps := result.ResourceDependencies["consumer"]; len(deps) != 1 || deps[0] != "producer" {
		t.Errorf("resourceDependencies = %v", result.ResourceDependencies)
	}
	if indexOf(result.ExecutionOrder, "producer") > indexOf(result.ExecutionOrder, "consumer") {
		t.Error("producer must be ordered before consumer")
	}
}

func TestResolve_ExclusivePriorityOrdering(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "low", Operation: "run", Priority: 5, Resources: types.ResourceRequirements{Exclusive: []string{"db"}}},
		{ID: "high", Operation: "run", Priority: 1, Resources: types.ResourceRequirements{Exclusive: []string{"db"}}},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Higher priority (lower number) runs first, the other serializes behind it
	if _, ok := result.Graph["low"].Dependencies["high"]; !ok {
		t.Error("low should depend on high for the exclusive resource")
	}
}

func TestResolve_DataFlowEdges(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "fetch", Operation: "run"},
		{ID: "transform", Description: "process ${fetch} results"},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := result.Graph["transform"].Dependencies["fetch"]; !ok {
		t.Error("${fetch} reference should add a data-flow edge")
	}
}

func TestResolve_FiltersIllFormedTasks(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "good", Operation: "run"},
		{ID: "no-op-or-desc"},
		{Description: "missing id"},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if result.Metadata.TaskCount != 1 || result.Metadata.FilteredCount != 2 {
		t.Errorf("metadata = %+v, want 1 accepted / 2 filtered", result.Metadata)
	}
}

func TestResolve_CriticalPath(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "a", Operation: "run", EstimatedTime: 1 * time.Second},
		{ID: "b", Operation: "run", EstimatedTime: 10 * time.Second, Dependencies: []string{"a"}},
		{ID: "c", Operation: "run", EstimatedTime: 1 * time.Second, Dependencies: []string{"a"}},
		{ID: "d", Operation: "run", EstimatedTime: 1 * time.Second, Dependencies: []string{"b", "c"}},
	}

	result, err := Resolve(context.Background(), specs, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"a", "b", "d"}
	if len(result.CriticalPath) != 3 {
		t.Fatalf("critical path = %v, want %v", result.CriticalPath, want)
	}
	for i, id := range want {
		if result.CriticalPath[i] != id {
			t.Fatalf("critical path = %v, want %v", result.CriticalPath, want)
		}
	}
}

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Complete(context.Context, []llm.Message) (string, error) {
	return f.reply, f.err
}
func (f *fakeLLM) SendMessage(context.Context, string, llm.SendOptions) (string, error) {
	return f.reply, f.err
}
func (f *fakeLLM) CompleteWithStructuredResponse(context.Context, string) (any, error) {
	return f.reply, f.err
}

func TestResolve_SemanticEdges(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "deploy", Description: "deploy the service"},
		{ID: "migrate", Description: "run database migrations"},
	}

	client := &fakeLLM{reply: `[{"from":"deploy","to":"migrate"}]`}
	result, err := Resolve(context.Background(), specs, Options{AnalyzeSemanticDependencies: true, LLM: client})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := result.Graph["deploy"].Dependencies["migrate"]; !ok {
		t.Error("semantic edge deploy->migrate missing")
	}
	if result.Metadata.SemanticEdges != 1 {
		t.Errorf("semanticEdges = %d, want 1", result.Metadata.SemanticEdges)
	}
}

func TestResolve_SemanticFailuresDegrade(t *testing.T) {
	specs := []types.TaskSpec{
		{ID: "one", Description: "first"},
		{ID: "two", Description: "second"},
	}

	for _, client := range []*fakeLLM{
		{err: errors.New("model offline")},
		{reply: "Sure! Here are the dependencies you asked for."},
		{reply: `{"wrapped": true}`},
	} {
		result, err := Resolve(context.Background(), specs, Options{AnalyzeSemanticDependencies: true, LLM: client})
		if err != nil {
			t.Fatalf("semantic failure must not fail resolution: %v", err)
		}
		if result.Metadata.SemanticEdges != 0 {
			t.Errorf("semanticEdges = %d, want 0", result.Metadata.SemanticEdges)
		}
	}
}

func TestEstimateTaskTime(t *testing.T) {
	cases := []struct {
		name string
		task types.TaskSpec
		want time.Duration
	}{
		{"explicit wins", types.TaskSpec{ID: "t", Tool: "lint", EstimatedTime: time.Minute}, time.Minute},
		{"tool base", types.TaskSpec{ID: "t", Tool: "lint"}, ToolExecutionBaseTime},
		{"composite", types.TaskSpec{ID: "t", Operation: "x", Subtasks: []string{"a", "b", "c"}}, 3 * CompositeTaskTimeMultiplier},
		{"text clamped low", types.TaskSpec{ID: "t", Description: "hi"}, MinTaskTimeEstimate},
		{"fallback", types.TaskSpec{ID: "t", Operation: "x"}, DefaultTaskTimeEstimate},
	}
	for _, tc := range cases {
		if got := EstimateTaskTime(tc.task); got != tc.want {
			t.Errorf("%s: estimate = %v, want %v", tc.name, got, tc.want)
		}
	}
}
