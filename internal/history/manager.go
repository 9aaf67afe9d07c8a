// internal/history/manager.go
package history

import (
	"log"
	"sync"
	"time"

	"github.com/AGENTCORE/internal/eventlog"
)

// Defaults for the bounded history
const (
	DefaultRetentionTime     = 24 * time.Hour
	DefaultMaxHistoryPerTask = 200
	DefaultPruneInterval     = 5 * time.Minute
)

// Query narrows History results. Zero value returns everything.
type Query struct {
	Since time.Time
	Until time.Time
	Types []eventlog.EventType
	Limit int // 0 = no limit; applies to the newest entries
}

// Manager keeps a bounded per-task window of recent events. It complements
// the full journal: optimised for "what happened to this task lately"
// queries, with wall-clock retention pruning.
type Manager struct {
	mu                sync.RWMutex
	histories         map[string][]eventlog.Event
	retentionTime     time.Duration
	maxHistoryPerTask int
	pruneInterval     time.Duration

	pruneStop chan struct{}
}

// Options configures a Manager. Zero fields fall back to defaults.
type Options struct {
	RetentionTime     time.Duration
	MaxHistoryPerTask int
	PruneInterval     time.Duration
}

// NewManager creates a history manager
func NewManager(opts Options) *Manager {
	if opts.RetentionTime <= 0 {
		opts.RetentionTime = DefaultRetentionTime
	}
	if opts.MaxHistoryPerTask <= 0 {
		opts.MaxHistoryPerTask = DefaultMaxHistoryPerTask
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	return &Manager{
		histories:         make(map[string][]eventlog.Event),
		retentionTime:     opts.RetentionTime,
		maxHistoryPerTask: opts.MaxHistoryPerTask,
		pruneInterval:     opts.PruneInterval,
	}
}

// AddEvent records an event, evicting the oldest entry once the per-task
// window is full
func (m *Manager) AddEvent(event eventlog.Event) {
	if event.AggregateID == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.histories[event.AggregateID], event)
	if len(history) > m.maxHistoryPerTask {
		history = history[len(history)-m.maxHistoryPerTask:]
	}
	m.histories[event.AggregateID] = history
}

// History returns a task's recent events, oldest first, narrowed by the query
func (m *Manager) History(taskID string, q Query) []eventlog.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []eventlog.Event
	for _, event := range m.histories[taskID] {
		if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && event.Timestamp.After(q.Until) {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, event.Type) {
			continue
		}
		out = append(out, event)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// AllHistories returns a copy of every task's window
func (m *Manager) AllHistories() map[string][]eventlog.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]eventlog.Event, len(m.histories))
	for taskID, events := range m.histories {
		out[taskID] = append([]eventlog.Event(nil), events...)
	}
	return out
}

// ClearHistory drops the windows for the given tasks, or everything when
// no task ids are given
func (m *Manager) ClearHistory(taskIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(taskIDs) == 0 {
		m.histories = make(map[string][]eventlog.Event)
		return
	}
	for _, id := range taskIDs {
		delete(m.histories, id)
	}
}

// PruneHistory removes entries older than the retention window and drops
// tasks whose windows become empty. Returns the number of pruned events.
func (m *Manager) PruneHistory() int {
	cutoff := time.Now().Add(-m.retentionTime)

	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for taskID, events := range m.histories {
		kept := events[:0]
		for _, event := range events {
			if event.Timestamp.After(cutoff) {
				kept = append(kept, event)
			} else {
				pruned++
			}
		}
		if len(kept) == 0 {
			delete(m.histories, taskID)
		} else {
			m.histories[taskID] = kept
		}
	}
	return pruned
}

// StartAutoPruning begins periodic pruning on the configured interval
func (m *Manager) StartAutoPruning() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pruneStop != nil {
		return // already running
	}
	stop := make(chan struct{})
	m.pruneStop = stop

	go func() {
		ticker := time.NewTicker(m.pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.PruneHistory(); n > 0 {
					log.Printf("[HISTORY] pruned %d expired events", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoPruning stops the periodic pruning loop
func (m *Manager) StopAutoPruning() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pruneStop != nil {
		close(m.pruneStop)
		m.pruneStop = nil
	}
}

// TaskHistory is one task's window in an export
type TaskHistory struct {
	TaskID string           `json:"taskId"`
	Events []eventlog.Event `json:"events"`
}

// ExportMetadata describes an export
type ExportMetadata struct {
	ExportedAt        time.Time     `json:"exportedAt"`
	RetentionTime     time.Duration `json:"retentionTime"`
	MaxHistoryPerTask int           `json:"maxHistoryPerTask"`
}

// ExportData is the history manager's portable form
type ExportData struct {
	History  []TaskHistory  `json:"history"`
	Metadata ExportMetadata `json:"metadata"`
}

// Export captures every window plus the retention settings
func (m *Manager) Export() ExportData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := ExportData{
		Metadata: ExportMetadata{
			ExportedAt:        time.Now(),
			RetentionTime:     m.retentionTime,
			MaxHistoryPerTask: m.maxHistoryPerTask,
		},
	}
	for taskID, events := range m.histories {
		data.History = append(data.History, TaskHistory{
			TaskID: taskID,
			Events: append([]eventlog.Event(nil), events...),
		})
	}
	return data
}

func containsType(types []eventlog.EventType, t eventlog.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
