// internal/strategy/strategy.go
package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/execctx"
	"github.com/AGENTCORE/internal/llm"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/types"
	"golang.org/x/sync/errgroup"
)

// Strategy names
const (
	NameAtomic      = "atomic"
	NameDecomposing = "decomposing"
	NameParallel    = "parallel"
)

// Result is the recorded outcome of a strategy execution
type Result struct {
	Strategy   string         `json:"strategy"`
	TaskID     string         `json:"taskId"`
	Success    bool           `json:"success"`
	Output     any            `json:"output,omitempty"`
	Subresults map[string]any `json:"subresults,omitempty"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error,omitempty"`
}

// Strategy executes a task one particular way
type Strategy interface {
	Name() string
	Execute(ctx context.Context, ec *execctx.Context, task types.TaskSpec) (*Result, error)
}

// Deps are the collaborators every strategy receives
type Deps struct {
	Tools tools.Registry
	LLM   llm.Client
	Log   *eventlog.Log
}

// Manager holds the named strategy registry and selects by task shape
type Manager struct {
	mu         sync.RWMutex
	deps       Deps
	strategies map[string]Strategy
}

// NewManager builds the standard registry. A missing tool registry is a
// warning, never a construction failure; calls that need tools fail with
// ToolRegistryUnavailable at invocation time.
func NewManager(deps Deps) *Manager {
	if deps.Tools == nil {
		log.Printf("[STRATEGY] WARNING: constructed without a tool registry, falling back to the shared default at call time")
	}
	m := &Manager{deps: deps, strategies: make(map[string]Strategy)}
	m.Register(&atomicStrategy{m: m})
	m.Register(&decomposingStrategy{m: m})
	m.Register(&parallelStrategy{m: m})
	return m
}

// Register adds or replaces a named strategy
func (m *Manager) Register(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.Name()] = s
}

// Get returns a strategy by name
func (m *Manager) Get(name string) (Strategy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[name]
	return s, ok
}

// Select picks a strategy from the task's shape: composite tasks
// decompose (in parallel when marked), everything else runs atomically.
func (m *Manager) Select(task types.TaskSpec) Strategy {
	if len(task.Subtasks) > 0 {
		if flag, ok := task.Params["parallel"].(bool); ok && flag {
			s, _ := m.Get(NameParallel)
			return s
		}
		s, _ := m.Get(NameDecomposing)
		return s
	}
	s, _ := m.Get(NameAtomic)
	return s
}

// ExecuteTask selects and runs the strategy for a task, retrying atomic
// failures up to the context's retry budget
func (m *Manager) ExecuteTask(ctx context.Context, ec *execctx.Context, task types.TaskSpec) (*Result, error) {
	s := m.Select(task)
	return s.Execute(ctx, ec, task)
}

// ensureToolRegistry resolves the injected registry or the shared default
func (m *Manager) ensureToolRegistry() (tools.Registry, error) {
	if m.deps.Tools != nil {
		return m.deps.Tools, nil
	}
	return tools.Default()
}

// record journals the outcome
func (m *Manager) record(result *Result) {
	if m.deps.Log == nil {
		return
	}
	evType := eventlog.TaskCompleted
	payload := map[string]any{"result": result.Output, "strategy": result.Strategy}
	if !result.Success {
		evType = eventlog.TaskFailed
		payload = map[string]any{"error": result.Error, "strategy": result.Strategy}
	}
	if _, err := m.deps.Log.Append(eventlog.Event{Type: evType, AggregateID: result.TaskID, Payload: payload}); err != nil {
		log.Printf("[STRATEGY] could not record outcome for %s: %v", result.TaskID, err)
	}
}

func (m *Manager) emitStarted(taskID, strategyName string) {
	if m.deps.Log == nil {
		return
	}
	if _, err := m.deps.Log.Append(eventlog.Event{
		Type:        eventlog.TaskStarted,
		AggregateID: taskID,
		Payload:     map[string]any{"strategy": strategyName},
	}); err != nil {
		log.Printf("[STRATEGY] could not record start for %s: %v", taskID, err)
	}
}

// atomicStrategy runs a task as a single tool invocation or model call,
// retrying per the context's retry budget
type atomicStrategy struct {
	m *Manager
}

func (s *atomicStrategy) Name() string { return NameAtomic }

func (s *atomicStrategy) Execute(ctx context.Context, ec *execctx.Context, task types.TaskSpec) (*Result, error) {
	result := &Result{Strategy: NameAtomic, TaskID: task.ID}
	s.m.emitStarted(task.ID, NameAtomic)

	runCtx, cancel := ec.Context(ctx)
	defer cancel()

	attempts := ec.Config().RetryCount + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := runCtx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: %v", recovery.ErrCancelled, err)
			break
		}
		result.Attempts++

		output, err := s.runOnce(runCtx, task)
		if err == nil {
			result.Success = true
			result.Output = output
			s.m.record(result)
			return result, nil
		}
		lastErr = err
		if attempt+1 < attempts {
			if s.m.deps.Log != nil {
				s.m.deps.Log.Append(eventlog.Event{
					Type:        eventlog.TaskRetrying,
					AggregateID: task.ID,
					Payload:     map[string]any{"attempt": attempt + 1, "error": err.Error()},
				})
			}
		}
	}

	result.Error = lastErr.Error()
	s.m.record(result)
	return result, lastErr
}

func (s *atomicStrategy) runOnce(ctx context.Context, task types.TaskSpec) (any, error) {
	if task.Tool != "" {
		registry, err := s.m.ensureToolRegistry()
		if err != nil {
			return nil, fmt.Errorf("%w: task %s needs tool %s", recovery.ErrToolRegistryUnavailable, task.ID, task.Tool)
		}
		outcome := registry.Invoke(ctx, task.Tool, task.Operation, task.Params)
		if !outcome.Success {
			return nil, fmt.Errorf("%w: %s", recovery.ErrToolInvocation, outcome.Error)
		}
		return outcome.Result, nil
	}

	if task.Description != "" {
		if s.m.deps.LLM == nil {
			return nil, fmt.Errorf("%w: task %s has only a description", recovery.ErrLLMUnavailable, task.ID)
		}
		reply, err := s.m.deps.LLM.SendMessage(ctx, task.Description, llm.SendOptions{})
		if err != nil {
			return nil, fmt.Errorf("model call failed: %w", err)
		}
		return reply, nil
	}

	return map[string]any{"operation": task.Operation, "completed": true}, nil
}

// decomposingStrategy splits a composite task into child contexts and
// runs each subtask sequentially
type decomposingStrategy struct {
	m *Manager
}

func (s *decomposingStrategy) Name() string { return NameDecomposing }

func (s *decomposingStrategy) Execute(ctx context.Context, ec *execctx.Context, task types.TaskSpec) (*Result, error) {
	result := &Result{Strategy: NameDecomposing, TaskID: task.ID, Subresults: make(map[string]any)}

	if !ec.CanDecompose() {
		err := fmt.Errorf("%w: task %s at depth %d", recovery.ErrDepthLimit, task.ID, ec.Depth())
		result.Error = err.Error()
		s.m.record(result)
		return result, err
	}

	s.m.emitStarted(task.ID, NameDecomposing)
	if s.m.deps.Log != nil {
		s.m.deps.Log.Append(eventlog.Event{
			Type:        eventlog.TaskDecomposed,
			AggregateID: task.ID,
			Payload:     map[string]any{"subtasks": task.Subtasks},
		})
	}

	for _, name := range task.Subtasks {
		child, err := ec.Child(name, nil)
		if err != nil {
			result.Error = err.Error()
			s.m.record(result)
			return result, err
		}

		subResult, err := s.m.ExecuteTask(ctx, child, subtaskSpec(task, name))
		if err != nil {
			result.Error = fmt.Sprintf("subtask %s: %v", name, err)
			s.m.record(result)
			return result, err
		}
		result.Subresults[name] = subResult.Output
		result.Attempts += subResult.Attempts
	}

	result.Success = true
	result.Output = result.Subresults
	s.m.record(result)
	return result, nil
}

// parallelStrategy fans subtasks out over parallel child contexts bounded
// by the context's parallel limit, merging artifacts deterministically
type parallelStrategy struct {
	m *Manager
}

func (s *parallelStrategy) Name() string { return NameParallel }

func (s *parallelStrategy) Execute(ctx context.Context, ec *execctx.Context, task types.TaskSpec) (*Result, error) {
	result := &Result{Strategy: NameParallel, TaskID: task.ID, Subresults: make(map[string]any)}

	if !ec.CanDecompose() {
		err := fmt.Errorf("%w: task %s at depth %d", recovery.ErrDepthLimit, task.ID, ec.Depth())
		result.Error = err.Error()
		s.m.record(result)
		return result, err
	}

	s.m.emitStarted(task.ID, NameParallel)
	children, err := ec.Parallel(task.Subtasks)
	if err != nil {
		result.Error = err.Error()
		s.m.record(result)
		return result, err
	}

	runCtx, cancel := ec.Context(ctx)
	defer cancel()

	limit := ec.Config().ParallelLimit
	if limit <= 0 {
		limit = 1
	}
	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(limit)

	outputs := make([]any, len(children))
	for i, child := range children {
		group.Go(func() error {
			subResult, err := s.m.ExecuteTask(groupCtx, child, subtaskSpec(task, child.TaskID()))
			if err != nil {
				return fmt.Errorf("subtask %s: %w", child.TaskID(), err)
			}
			outputs[i] = subResult.Output
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		result.Error = err.Error()
		s.m.record(result)
		return result, err
	}

	// Deterministic merge in declaration order
	for i, child := range children {
		result.Subresults[child.TaskID()] = outputs[i]
	}
	if _, err := ec.MergeParallel(task.ID+"-merged", children); err != nil {
		log.Printf("[STRATEGY] merge of %s children failed: %v", task.ID, err)
	}

	result.Success = true
	result.Output = result.Subresults
	s.m.record(result)
	return result, nil
}

// subtaskSpec derives a child declaration from the composite task
func subtaskSpec(parent types.TaskSpec, name string) types.TaskSpec {
	return types.TaskSpec{
		ID:          name,
		Description: name,
		Tool:        parent.Tool,
		Operation:   parent.Operation,
		Params:      parent.Params,
		Priority:    parent.Priority,
	}
}
