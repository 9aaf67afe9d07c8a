package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/execctx"
	"github.com/AGENTCORE/internal/llm"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/types"
)

type countingTool struct {
	calls    atomic.Int64
	failures int64 // fail the first N calls
}

func (c *countingTool) Name() string           { return "builder" }
func (c *countingTool) Description() string    { return "test tool" }
func (c *countingTool) Operations() []string   { return []string{"run"} }
func (c *countingTool) Dependencies() []string { return nil }
func (c *countingTool) Invoke(context.Context, string, map[string]any) (any, error) {
	n := c.calls.Add(1)
	if n <= c.failures {
		return nil, errors.New("transient failure")
	}
	return "built", nil
}

type scriptedLLM struct{ reply string }

func (s *scriptedLLM) Complete(context.Context, []llm.Message) (string, error) { return s.reply, nil }
func (s *scriptedLLM) SendMessage(context.Context, string, llm.SendOptions) (string, error) {
	return s.reply, nil
}
func (s *scriptedLLM) CompleteWithStructuredResponse(context.Context, string) (any, error) {
	return s.reply, nil
}

func newManager(t *testing.T, tool *countingTool) (*Manager, *eventlog.Log) {
	t.Helper()
	registry := tools.NewRegistry()
	if tool != nil {
		registry.Register(tool)
	}
	lg := eventlog.NewLog()
	return NewManager(Deps{Tools: registry, LLM: &scriptedLLM{reply: "model says ok"}, Log: lg}), lg
}

func root(t *testing.T, taskID string) *execctx.Context {
	t.Helper()
	return execctx.NewRoot(execctx.RootOptions{TaskID: taskID, MaxDepth: 3})
}

func TestSelect_ByTaskShape(t *testing.T) {
	m, _ := newManager(t, nil)

	if s := m.Select(types.TaskSpec{ID: "t", Tool: "builder"}); s.Name() != NameAtomic {
		t.Errorf("tool task selected %s", s.Name())
	}
	if s := m.Select(types.TaskSpec{ID: "t", Operation: "x", Subtasks: []string{"a"}}); s.Name() != NameDecomposing {
		t.Errorf("composite task selected %s", s.Name())
	}
	parallel := types.TaskSpec{ID: "t", Operation: "x", Subtasks: []string{"a", "b"},
		Params: map[string]any{"parallel": true}}
	if s := m.Select(parallel); s.Name() != NameParallel {
		t.Errorf("parallel-flagged task selected %s", s.Name())
	}
}

func TestAtomic_ToolInvocationWithRetries(t *testing.T) {
	tool := &countingTool{failures: 2}
	m, lg := newManager(t, tool)

	retries := 2
	ec, _ := root(t, "r").Child("task-1", &execctx.Overrides{RetryCount: &retries})

	result, err := m.ExecuteTask(context.Background(), ec, types.TaskSpec{ID: "task-1", Tool: "builder", Operation: "run"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Output != "built" {
		t.Errorf("result = %+v", result)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two failures then success)", result.Attempts)
	}

	retryEvents := lg.History(eventlog.Filter{TaskID: "task-1", Types: []eventlog.EventType{eventlog.TaskRetrying}})
	if len(retryEvents) != 2 {
		t.Errorf("TASK_RETRYING events = %d, want 2", len(retryEvents))
	}
}

func TestAtomic_ExhaustedRetriesSurface(t *testing.T) {
	tool := &countingTool{failures: 99}
	m, _ := newManager(t, tool)

	result, err := m.ExecuteTask(context.Background(), root(t, "t"), types.TaskSpec{ID: "t", Tool: "builder"})
	if err == nil || result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if !errors.Is(err, recovery.ErrToolInvocation) {
		t.Errorf("err = %v, want ErrToolInvocation", err)
	}
}

func TestAtomic_DescriptionUsesModel(t *testing.T) {
	m, _ := newManager(t, nil)

	result, err := m.ExecuteTask(context.Background(), root(t, "t"),
		types.TaskSpec{ID: "t", Description: "summarize the build"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Output != "model says ok" {
		t.Errorf("output = %v", result.Output)
	}
}

func TestManager_MissingRegistryWarnsButWorks(t *testing.T) {
	tools.SetDefault(nil)
	// Construction must not fail
	m := NewManager(Deps{LLM: &scriptedLLM{reply: "ok"}})

	// Non-tool tasks work fine
	if _, err := m.ExecuteTask(context.Background(), root(t, "a"),
		types.TaskSpec{ID: "a", Description: "just text"}); err != nil {
		t.Errorf("description task should not need tools: %v", err)
	}

	// Tool tasks fail with the taxonomy error
	_, err := m.ExecuteTask(context.Background(), root(t, "b"), types.TaskSpec{ID: "b", Tool: "builder"})
	if !errors.Is(err, recovery.ErrToolRegistryUnavailable) {
		t.Errorf("err = %v, want ErrToolRegistryUnavailable", err)
	}
}

func TestManager_LazySingletonFallback(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&countingTool{})
	tools.SetDefault(registry)
	defer tools.SetDefault(nil)

	m := NewManager(Deps{}) // no injected registry
	result, err := m.ExecuteTask(context.Background(), root(t, "t"), types.TaskSpec{ID: "t", Tool: "builder"})
	if err != nil || !result.Success {
		t.Errorf("lazy fallback failed: %v / %+v", err, result)
	}
}

func TestDecomposing_RunsSubtasksInChildren(t *testing.T) {
	tool := &countingTool{}
	m, lg := newManager(t, tool)

	result, err := m.ExecuteTask(context.Background(), root(t, "parent"), types.TaskSpec{
		ID: "parent", Tool: "builder", Operation: "run",
		Subtasks: []string{"s1", "s2", "s3"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || len(result.Subresults) != 3 {
		t.Errorf("result = %+v", result)
	}
	if tool.calls.Load() != 3 {
		t.Errorf("tool calls = %d, want 3", tool.calls.Load())
	}

	decomposed := lg.History(eventlog.Filter{TaskID: "parent", Types: []eventlog.EventType{eventlog.TaskDecomposed}})
	if len(decomposed) != 1 {
		t.Fatalf("TASK_DECOMPOSED events = %d", len(decomposed))
	}
}

func TestDecomposing_DepthLimit(t *testing.T) {
	m, _ := newManager(t, &countingTool{})

	ec := root(t, "r")
	var err error
	for _, id := range []string{"l1", "l2", "l3"} {
		ec, err = ec.Child(id, nil)
		if err != nil {
			t.Fatalf("child %s: %v", id, err)
		}
	}

	_, err = m.ExecuteTask(context.Background(), ec, types.TaskSpec{
		ID: "deep", Operation: "x", Subtasks: []string{"a"},
	})
	if !errors.Is(err, recovery.ErrDepthLimit) {
		t.Errorf("err = %v, want ErrDepthLimit", err)
	}
}

func TestParallel_FanOutAndMerge(t *testing.T) {
	tool := &countingTool{}
	m, _ := newManager(t, tool)

	result, err := m.ExecuteTask(context.Background(), root(t, "parent"), types.TaskSpec{
		ID: "parent", Tool: "builder", Operation: "run",
		Subtasks: []string{"p1", "p2", "p3", "p4"},
		Params:   map[string]any{"parallel": true},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Strategy != NameParallel {
		t.Errorf("result = %+v", result)
	}
	if len(result.Subresults) != 4 {
		t.Errorf("subresults = %v", result.Subresults)
	}
	for _, name := range []string{"p1", "p2", "p3", "p4"} {
		if result.Subresults[name] != "built" {
			t.Errorf("subresult %s = %v", name, result.Subresults[name])
		}
	}
}
