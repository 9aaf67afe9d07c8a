package tools

import (
	"context"
	"errors"
	"testing"
)

type echoTool struct {
	deps []string
	err  error
}

func (e *echoTool) Name() string           { return "echo" }
func (e *echoTool) Description() string    { return "echoes its params" }
func (e *echoTool) Operations() []string   { return []string{"run"} }
func (e *echoTool) Dependencies() []string { return e.deps }
func (e *echoTool) Invoke(_ context.Context, operation string, params map[string]any) (any, error) {
	if e.err != nil {
		return nil, e.err
	}
	return map[string]any{"operation": operation, "params": params}, nil
}

func TestRegistry_RegisterAndInvoke(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})

	result := r.Invoke(context.Background(), "echo", "run", map[string]any{"k": "v"})
	if !result.Success {
		t.Fatalf("invoke failed: %s", result.Error)
	}
	payload := result.Result.(map[string]any)
	if payload["operation"] != "run" {
		t.Errorf("payload = %v", payload)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	result := r.Invoke(context.Background(), "missing", "run", nil)
	if result.Success || result.Error == "" {
		t.Errorf("unknown tool should fail with an error, got %+v", result)
	}
}

func TestRegistry_InvokeErrorWrapped(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{err: errors.New("tool exploded")})

	result := r.Invoke(context.Background(), "echo", "run", nil)
	if result.Success || result.Error != "tool exploded" {
		t.Errorf("result = %+v", result)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	r.Register(&LintTool{Command: "go", Args: []string{"vet"}})

	infos := r.ListTools()
	if len(infos) != 2 || infos[0].Name != "echo" || infos[1].Name != "lint" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestDefaultRegistry(t *testing.T) {
	SetDefault(nil)
	if _, err := Default(); err == nil {
		t.Error("missing default registry should error")
	}

	r := NewRegistry()
	SetDefault(r)
	defer SetDefault(nil)

	got, err := Default()
	if err != nil || got != Registry(r) {
		t.Errorf("Default() = %v, %v", got, err)
	}
}
