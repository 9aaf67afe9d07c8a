// internal/bus/types.go
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a runtime notification
type Kind string

const (
	KindMessage        Kind = "message"
	KindChatResponse   Kind = "chat_response"
	KindAlert          Kind = "alert"
	KindTaskEvent      Kind = "task_event"
	KindAuditViolation Kind = "audit_violation"
)

// Priority constants for notifications
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Notification is a runtime message deliverable to sessions and observers
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Source    string         `json:"source"`
	Target    string         `json:"target"` // session id, or "all"
	Priority  int            `json:"priority"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewNotification creates a notification with a fresh id and timestamp
func NewNotification(kind Kind, source, target string, priority int, payload map[string]any) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllKinds returns every defined notification kind
func AllKinds() []Kind {
	return []Kind{KindMessage, KindChatResponse, KindAlert, KindTaskEvent, KindAuditViolation}
}
