// internal/workflow/executor.go
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/execctx"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/txn"
)

// StepType tags the behaviour of one workflow node
type StepType string

const (
	StepChat  StepType = "chat"
	StepState StepType = "state"
	StepQuery StepType = "query"
	StepTool  StepType = "tool"
	StepGroup StepType = "step"
)

// Step is one node of a workflow config. A "step" node is a logical
// grouping and behaves as whichever of the other shapes its fields match.
type Step struct {
	Type StepType `json:"type" yaml:"type"`
	Name string   `json:"name,omitempty" yaml:"name"`

	// chat
	Message        string `json:"message,omitempty" yaml:"message"`
	OutputVariable string `json:"outputVariable,omitempty" yaml:"output_variable"`

	// state
	Action  string         `json:"action,omitempty" yaml:"action"`
	Updates map[string]any `json:"updates,omitempty" yaml:"updates"`

	// query
	Query     string `json:"query,omitempty" yaml:"query"`
	QueryType string `json:"queryType,omitempty" yaml:"query_type"`

	// tool
	Tool      string         `json:"tool,omitempty" yaml:"tool"`
	Operation string         `json:"operation,omitempty" yaml:"operation"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
}

// Config is an ordered workflow
type Config struct {
	Steps             []Step `json:"steps" yaml:"steps"`
	RollbackOnFailure bool   `json:"rollbackOnFailure" yaml:"rollback_on_failure"`
	// RepoPath, when set with rollback enabled, wraps tool steps in a
	// generic transaction so external changes revert on failure
	RepoPath string `json:"repoPath,omitempty" yaml:"repo_path"`
}

// Status of a finished workflow
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusPartial Status = "PARTIAL"
)

// StepError describes one failed step
type StepError struct {
	Step    int    `json:"step"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the structured outcome handed back across the message
// boundary. Execution never propagates a panic or error to the caller.
type Result struct {
	Type      string         `json:"type"` // always "bt_execution_result"
	Success   bool           `json:"success"`
	Status    Status         `json:"status"`
	Artifacts map[string]any `json:"artifacts"`
	Errors    []StepError    `json:"errors,omitempty"`
}

// Messenger delivers chat-step output to the session's message channel
type Messenger interface {
	SendChat(sessionID, content string) error
}

// StateStore is the agent's context-variable surface the state and query
// steps operate on
type StateStore interface {
	Snapshot() map[string]any
	Apply(updates map[string]any)
	Restore(snapshot map[string]any)
	Query(ctx context.Context, query, queryType string) (any, error)
}

// Executor walks workflow configs step by step
type Executor struct {
	log       *eventlog.Log
	registry  tools.Registry
	messenger Messenger
	state     StateStore
	txns      *txn.Manager
}

// Deps wires an Executor
type Deps struct {
	Log       *eventlog.Log
	Tools     tools.Registry
	Messenger Messenger
	State     StateStore
	Txns      *txn.Manager
}

// NewExecutor creates a workflow executor. A missing tool registry is
// tolerated until a tool step actually needs one.
func NewExecutor(deps Deps) *Executor {
	if deps.Tools == nil {
		log.Printf("[WORKFLOW] WARNING: no tool registry injected, tool steps will use the shared default")
	}
	return &Executor{
		log:       deps.Log,
		registry:  deps.Tools,
		messenger: deps.Messenger,
		state:     deps.State,
		txns:      deps.Txns,
	}
}

// Execute runs the workflow under the execution context. Step order is
// strictly sequential; artifacts thread forward under their output
// variable names.
func (e *Executor) Execute(ctx context.Context, ec *execctx.Context, cfg Config) Result {
	result := Result{
		Type:      "bt_execution_result",
		Artifacts: make(map[string]any),
	}
	taskID := ec.TaskID()

	runCtx, cancel := ec.Context(ctx)
	defer cancel()

	e.emit(eventlog.TaskStarted, taskID, map[string]any{"strategy": "behavior-tree"})

	var stateSnapshot map[string]any
	if cfg.RollbackOnFailure && e.state != nil {
		stateSnapshot = e.state.Snapshot()
	}

	var activeTxn *txn.Transaction
	if cfg.RollbackOnFailure && cfg.RepoPath != "" && e.txns != nil {
		tx, err := e.txns.StartTransaction(txn.OpGeneric, cfg.RepoPath, map[string]any{"taskId": taskID})
		if err != nil {
			log.Printf("[WORKFLOW] could not open rollback transaction: %v", err)
		} else {
			activeTxn = tx
		}
	}

	failed := 0
	for i, step := range cfg.Steps {
		stepName := step.Name
		if stepName == "" {
			stepName = fmt.Sprintf("step-%d", i)
		}

		if err := runCtx.Err(); err != nil {
			e.failWorkflow(&result, taskID, stateSnapshot, activeTxn, cancelledError(i, stepName, err))
			return result
		}
		if ec.IsExpired() {
			err := StepError{Step: i, Name: stepName, Type: string(step.Type),
				Message: recovery.ErrDeadline.Error()}
			e.failWorkflow(&result, taskID, stateSnapshot, activeTxn, err)
			return result
		}

		e.emit(eventlog.SubtaskStarted, taskID, map[string]any{"subtaskId": stepName})

		value, err := e.runStep(runCtx, ec, step)
		if err != nil {
			failed++
			stepErr := StepError{Step: i, Name: stepName, Type: string(step.Type), Message: err.Error()}
			result.Errors = append(result.Errors, stepErr)

			if cfg.RollbackOnFailure {
				e.failWorkflow(&result, taskID, stateSnapshot, activeTxn, stepErr)
				return result
			}
			e.emit(eventlog.TaskProgress, taskID, map[string]any{"progress": progress(i+1, len(cfg.Steps))})
			continue
		}

		key := step.OutputVariable
		if key == "" {
			key = stepName
		}
		result.Artifacts[key] = value
		ec.AddArtifact(key, execctx.Artifact{
			Type:      string(step.Type),
			Value:     value,
			Purpose:   "workflow-step-output",
			Timestamp: time.Now(),
		})

		e.emit(eventlog.SubtaskCompleted, taskID, map[string]any{"subtaskId": stepName, "result": value})
		e.emit(eventlog.TaskProgress, taskID, map[string]any{"progress": progress(i+1, len(cfg.Steps))})
	}

	if activeTxn != nil {
		if err := e.txns.CommitTransaction(activeTxn.ID); err != nil {
			log.Printf("[WORKFLOW] commit of %s failed: %v", activeTxn.ID, err)
		}
	}

	switch {
	case failed == 0:
		result.Success = true
		result.Status = StatusSuccess
		e.emit(eventlog.TaskCompleted, taskID, map[string]any{"result": result.Artifacts})
	case failed == len(cfg.Steps):
		result.Status = StatusFailure
		e.emit(eventlog.TaskFailed, taskID, map[string]any{"error": "all steps failed"})
	default:
		result.Status = StatusPartial
		e.emit(eventlog.TaskCompleted, taskID, map[string]any{
			"result":  result.Artifacts,
			"partial": true,
		})
	}
	return result
}

// failWorkflow reverts state, rolls back the transaction, and marks the
// result FAILURE
func (e *Executor) failWorkflow(result *Result, taskID string, snapshot map[string]any, activeTxn *txn.Transaction, stepErr StepError) {
	if !containsError(result.Errors, stepErr) {
		result.Errors = append(result.Errors, stepErr)
	}
	if snapshot != nil && e.state != nil {
		e.state.Restore(snapshot)
	}
	if activeTxn != nil {
		if err := e.txns.RollbackTransaction(activeTxn.ID, stepErr.Message); err != nil {
			log.Printf("[WORKFLOW] rollback of %s failed: %v", activeTxn.ID, err)
		}
	}
	result.Success = false
	result.Status = StatusFailure
	payload := map[string]any{"error": stepErr.Message}
	if stepErr.Type == "context" {
		payload["reason"] = stepErr.Message
	}
	e.emit(eventlog.TaskFailed, taskID, payload)
}

// runStep dispatches one node. Group nodes behave as whichever shape
// their fields match.
func (e *Executor) runStep(ctx context.Context, ec *execctx.Context, step Step) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			value, err = nil, fmt.Errorf("step panicked: %v", p)
		}
	}()

	stepType := step.Type
	if stepType == StepGroup || stepType == "" {
		switch {
		case step.Tool != "":
			stepType = StepTool
		case len(step.Updates) > 0:
			stepType = StepState
		case step.Query != "":
			stepType = StepQuery
		case step.Message != "":
			stepType = StepChat
		default:
			return nil, recovery.InvalidInputError("step has no recognizable action")
		}
	}

	switch stepType {
	case StepChat:
		if e.messenger == nil {
			return nil, recovery.InvalidInputError("chat step without a message channel")
		}
		if err := e.messenger.SendChat(ec.SessionID(), step.Message); err != nil {
			return nil, fmt.Errorf("chat delivery failed: %w", err)
		}
		return map[string]any{"message": step.Message, "delivered": true}, nil

	case StepState:
		if step.Action != "" && step.Action != "update" {
			return nil, recovery.InvalidInputError("state step action %q not supported", step.Action)
		}
		if e.state == nil {
			return nil, recovery.InvalidInputError("state step without a state store")
		}
		e.state.Apply(step.Updates)
		return step.Updates, nil

	case StepQuery:
		if e.state == nil {
			return nil, recovery.InvalidInputError("query step without a state store")
		}
		response, err := e.state.Query(ctx, step.Query, step.QueryType)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		return response, nil

	case StepTool:
		registry := e.registry
		if registry == nil {
			shared, err := tools.Default()
			if err != nil {
				return nil, fmt.Errorf("%w: tool step %q", recovery.ErrToolRegistryUnavailable, step.Tool)
			}
			registry = shared
		}
		outcome := registry.Invoke(ctx, step.Tool, step.Operation, step.Params)
		if !outcome.Success {
			return nil, fmt.Errorf("%w: %s", recovery.ErrToolInvocation, outcome.Error)
		}
		return map[string]any{"result": outcome.Result, "success": true}, nil
	}

	return nil, recovery.InvalidInputError("unknown step type %q", stepType)
}

// emit appends a workflow event, logging rather than failing on errors
func (e *Executor) emit(evType eventlog.EventType, taskID string, payload map[string]any) {
	if e.log == nil {
		return
	}
	if _, err := e.log.Append(eventlog.Event{Type: evType, AggregateID: taskID, Payload: payload}); err != nil {
		log.Printf("[WORKFLOW] could not append %s for %s: %v", evType, taskID, err)
	}
}

func cancelledError(step int, name string, err error) StepError {
	message := "cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		message = recovery.ErrDeadline.Error()
	}
	return StepError{Step: step, Name: name, Type: "context", Message: message}
}

func progress(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}

func containsError(list []StepError, candidate StepError) bool {
	for _, e := range list {
		if e.Step == candidate.Step && e.Message == candidate.Message {
			return true
		}
	}
	return false
}
