// internal/eventlog/types.go
package eventlog

import (
	"time"
)

// EventType identifies a task lifecycle transition
type EventType string

const (
	TaskCreated      EventType = "TASK_CREATED"
	TaskStarted      EventType = "TASK_STARTED"
	TaskEvaluating   EventType = "TASK_EVALUATING"
	TaskDecomposed   EventType = "TASK_DECOMPOSED"
	TaskProgress     EventType = "TASK_PROGRESS"
	TaskCompleted    EventType = "TASK_COMPLETED"
	TaskFailed       EventType = "TASK_FAILED"
	TaskRetrying     EventType = "TASK_RETRYING"
	SubtaskStarted   EventType = "SUBTASK_STARTED"
	SubtaskCompleted EventType = "SUBTASK_COMPLETED"
)

// AllEventTypes returns every defined event type
func AllEventTypes() []EventType {
	return []EventType{
		TaskCreated, TaskStarted, TaskEvaluating, TaskDecomposed, TaskProgress,
		TaskCompleted, TaskFailed, TaskRetrying, SubtaskStarted, SubtaskCompleted,
	}
}

// Event is one immutable journal record. SequenceID is assigned by the log
// and is strictly increasing across the whole journal.
type Event struct {
	SequenceID  int64          `json:"sequenceId"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"type"`
	AggregateID string         `json:"aggregateId"` // task id
	Payload     map[string]any `json:"payload,omitempty"`
}

// TaskStatus is the projected status of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusCreated    TaskStatus = "created"
	StatusExecuting  TaskStatus = "executing"
	StatusEvaluating TaskStatus = "evaluating"
	StatusDecomposed TaskStatus = "decomposed"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusRetrying   TaskStatus = "retrying"
)

// TaskState is the projection derived by folding a task's events
type TaskState struct {
	ID                string         `json:"id"`
	Status            TaskStatus     `json:"status"`
	CreatedAt         time.Time      `json:"createdAt,omitempty"`
	StartedAt         time.Time      `json:"startedAt,omitempty"`
	EvaluatingAt      time.Time      `json:"evaluatingAt,omitempty"`
	DecomposedAt      time.Time      `json:"decomposedAt,omitempty"`
	CompletedAt       time.Time      `json:"completedAt,omitempty"`
	FailedAt          time.Time      `json:"failedAt,omitempty"`
	ExecutionStrategy string         `json:"executionStrategy,omitempty"`
	Result            any            `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	ErrorStack        string         `json:"errorStack,omitempty"`
	RetryCount        int            `json:"retryCount"`
	Progress          int            `json:"progress"` // 0-100
	Subtasks          []string       `json:"subtasks,omitempty"`
	ActiveSubtasks    []string       `json:"activeSubtasks,omitempty"`
	CompletedSubtasks []string       `json:"completedSubtasks,omitempty"`
	SubtaskResults    map[string]any `json:"subtaskResults,omitempty"`
	Duration          time.Duration  `json:"duration,omitempty"`
	Success           bool           `json:"success"`
}

// NewTaskState returns the zero projection for a task
func NewTaskState(taskID string) TaskState {
	return TaskState{ID: taskID, Status: StatusPending}
}

// Clone deep-copies the slices and maps so folds never alias shared state
func (s TaskState) Clone() TaskState {
	dup := s
	dup.Subtasks = append([]string(nil), s.Subtasks...)
	dup.ActiveSubtasks = append([]string(nil), s.ActiveSubtasks...)
	dup.CompletedSubtasks = append([]string(nil), s.CompletedSubtasks...)
	if s.SubtaskResults != nil {
		dup.SubtaskResults = make(map[string]any, len(s.SubtaskResults))
		for k, v := range s.SubtaskResults {
			dup.SubtaskResults[k] = v
		}
	}
	return dup
}

// Snapshot shortcuts projection replay from sequence zero
type Snapshot struct {
	TaskID     string    `json:"taskId"`
	SequenceID int64     `json:"sequenceId"`
	State      TaskState `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApplyEvent folds one event into a task state. It is a pure function:
// the input state is not mutated, and unknown event types leave the
// projection untouched.
func ApplyEvent(state TaskState, event Event) TaskState {
	next := state.Clone()
	if next.ID == "" {
		next.ID = event.AggregateID
	}

	switch event.Type {
	case TaskCreated:
		next.Status = StatusCreated
		next.CreatedAt = event.Timestamp

	case TaskStarted:
		next.Status = StatusExecuting
		next.StartedAt = event.Timestamp
		if s, ok := event.Payload["strategy"].(string); ok {
			next.ExecutionStrategy = s
		}

	case TaskEvaluating:
		next.Status = StatusEvaluating
		next.EvaluatingAt = event.Timestamp

	case TaskDecomposed:
		next.Status = StatusDecomposed
		next.DecomposedAt = event.Timestamp
		next.Subtasks = payloadStrings(event.Payload["subtasks"])

	case TaskProgress:
		next.Progress = clampProgress(payloadInt(event.Payload["progress"]))

	case TaskCompleted:
		next.Status = StatusCompleted
		next.CompletedAt = event.Timestamp
		next.Result = event.Payload["result"]
		next.Success = true
		next.Progress = 100
		if !next.StartedAt.IsZero() {
			next.Duration = event.Timestamp.Sub(next.StartedAt)
		}

	case TaskFailed:
		next.Status = StatusFailed
		next.FailedAt = event.Timestamp
		next.Success = false
		if msg, ok := event.Payload["error"].(string); ok {
			next.Error = msg
		}
		if stack, ok := event.Payload["errorStack"].(string); ok {
			next.ErrorStack = stack
		}
		if !next.StartedAt.IsZero() {
			next.Duration = event.Timestamp.Sub(next.StartedAt)
		}

	case TaskRetrying:
		next.Status = StatusRetrying
		next.RetryCount++

	case SubtaskStarted:
		if id, ok := event.Payload["subtaskId"].(string); ok && id != "" {
			next.ActiveSubtasks = appendUnique(next.ActiveSubtasks, id)
		}

	case SubtaskCompleted:
		if id, ok := event.Payload["subtaskId"].(string); ok && id != "" {
			next.ActiveSubtasks = removeString(next.ActiveSubtasks, id)
			next.CompletedSubtasks = appendUnique(next.CompletedSubtasks, id)
			if next.SubtaskResults == nil {
				next.SubtaskResults = make(map[string]any)
			}
			next.SubtaskResults[id] = event.Payload["result"]
		}

	default:
		// Unknown types leave state untouched
		return state
	}
	return next
}

func payloadStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func appendUnique(list []string, s string) []string {
	for _, item := range list {
		if item == s {
			return list
		}
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
