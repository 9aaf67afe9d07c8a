// internal/eventlog/log.go
package eventlog

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AGENTCORE/internal/recovery"
)

// DefaultSnapshotInterval is how many appends pass between automatic snapshots
const DefaultSnapshotInterval = 100

// Filter narrows history queries and subscriptions. The zero value matches
// every event. AfterSeq/BeforeSeq are exclusive bounds when non-nil.
type Filter struct {
	TaskID    string
	Types     []EventType
	AfterSeq  *int64
	BeforeSeq *int64
	StartTime time.Time
	EndTime   time.Time
}

// Matches reports whether an event passes the filter
func (f Filter) Matches(e Event) bool {
	if f.TaskID != "" && e.AggregateID != f.TaskID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AfterSeq != nil && e.SequenceID <= *f.AfterSeq {
		return false
	}
	if f.BeforeSeq != nil && e.SequenceID >= *f.BeforeSeq {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

type subscriber struct {
	id     int
	filter Filter
	fn     func(Event)
}

// Log is the append-only, sequence-numbered task journal. Appends are
// serialized; subscribers run synchronously in registration order and see
// events strictly in sequence order, each exactly once.
type Log struct {
	mu               sync.Mutex
	events           []Event
	snapshots        map[string][]Snapshot // taskID -> snapshots ordered by sequence
	subscribers      []*subscriber
	nextSubID        int
	snapshotInterval int
	store            *Store

	// Re-entrancy: appends made from inside a notification are queued and
	// dispatched after the current pass completes.
	dispatching   bool
	pendingNotify []Event
}

// Option configures a Log
type Option func(*Log)

// WithSnapshotInterval overrides the automatic snapshot cadence
func WithSnapshotInterval(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.snapshotInterval = n
		}
	}
}

// WithStore attaches a persistent journal store. Store failures are logged
// and never fail the append.
func WithStore(store *Store) Option {
	return func(l *Log) { l.store = store }
}

// NewLog creates an empty journal
func NewLog(opts ...Option) *Log {
	l := &Log{
		snapshots:        make(map[string][]Snapshot),
		snapshotInterval: DefaultSnapshotInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns the next sequence id, journals the event, and notifies
// subscribers. The returned sequence id is monotonic across the log.
func (l *Log) Append(event Event) (int64, error) {
	if event.Type == "" {
		return 0, recovery.InvalidInputError("event type is required")
	}
	if event.AggregateID == "" {
		return 0, recovery.InvalidInputError("event aggregateId is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	event.SequenceID = int64(len(l.events))
	l.events = append(l.events, event)

	if l.store != nil {
		if err := l.store.SaveEvent(event); err != nil {
			log.Printf("[EVENTLOG] ERROR: failed to persist event seq=%d task=%s: %v",
				event.SequenceID, event.AggregateID, err)
		}
	}

	if l.snapshotInterval > 0 && len(l.events)%l.snapshotInterval == 0 {
		l.snapshotLocked(event.AggregateID)
	}

	if l.dispatching {
		// Re-entrant append from a subscriber: queue for the active pass
		l.pendingNotify = append(l.pendingNotify, event)
		l.mu.Unlock()
		return event.SequenceID, nil
	}
	l.dispatching = true
	l.mu.Unlock()

	l.dispatch(event)
	return event.SequenceID, nil
}

// dispatch delivers the event plus anything queued re-entrantly, in
// sequence order, then clears the dispatching flag.
func (l *Log) dispatch(first Event) {
	queue := []Event{first}
	for len(queue) > 0 {
		event := queue[0]
		queue = queue[1:]

		l.mu.Lock()
		subs := append([]*subscriber(nil), l.subscribers...)
		l.mu.Unlock()

		for _, sub := range subs {
			if !sub.filter.Matches(event) {
				continue
			}
			l.notify(sub, event)
		}

		l.mu.Lock()
		if len(l.pendingNotify) > 0 {
			queue = append(queue, l.pendingNotify...)
			l.pendingNotify = nil
		}
		if len(queue) == 0 {
			l.dispatching = false
		}
		l.mu.Unlock()
	}
}

// notify isolates subscriber panics so one bad callback cannot abort the
// append or starve sibling subscribers
func (l *Log) notify(sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EVENTLOG] subscriber %d panicked on seq=%d type=%s: %v",
				sub.id, event.SequenceID, event.Type, r)
		}
	}()
	sub.fn(event)
}

// Subscribe registers a synchronous callback. The returned handle removes
// the subscription.
func (l *Log) Subscribe(fn func(Event), filter Filter) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &subscriber{id: l.nextSubID, filter: filter, fn: fn}
	l.nextSubID++
	l.subscribers = append(l.subscribers, sub)

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subscribers {
			if s.id == sub.id {
				l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Projection folds a task's events into its current state, starting from
// the nearest snapshot when one exists
func (l *Log) Projection(taskID string) TaskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.projectionLocked(taskID)
}

func (l *Log) projectionLocked(taskID string) TaskState {
	state := NewTaskState(taskID)
	from := int64(-1)

	if snaps := l.snapshots[taskID]; len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		state = latest.State.Clone()
		from = latest.SequenceID
	}

	for _, event := range l.events {
		if event.SequenceID <= from || event.AggregateID != taskID {
			continue
		}
		state = ApplyEvent(state, event)
	}
	return state
}

// History returns matching events in sequence order
func (l *Log) History(filter Filter) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, event := range l.events {
		if filter.Matches(event) {
			out = append(out, event)
		}
	}
	return out
}

// CreateSnapshot captures the task's current projection at the current head
func (l *Log) CreateSnapshot(taskID string) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(taskID)
}

func (l *Log) snapshotLocked(taskID string) Snapshot {
	snap := Snapshot{
		TaskID:     taskID,
		SequenceID: int64(len(l.events)) - 1,
		State:      l.projectionLocked(taskID),
		Timestamp:  time.Now(),
	}
	l.snapshots[taskID] = append(l.snapshots[taskID], snap)

	if l.store != nil {
		if err := l.store.SaveSnapshot(snap); err != nil {
			log.Printf("[EVENTLOG] ERROR: failed to persist snapshot task=%s seq=%d: %v",
				taskID, snap.SequenceID, err)
		}
	}
	return snap
}

// ReplayResult is what Replay returns: the events in range plus the state
// each touched aggregate reaches by folding just those events
type ReplayResult struct {
	Events      []Event              `json:"events"`
	FinalStates map[string]TaskState `json:"finalStates"`
}

// Replay folds events[from..to] (inclusive) without mutating the log.
// Bounds must satisfy 0 <= from <= to < len.
func (l *Log) Replay(from, to int64) (*ReplayResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	length := int64(len(l.events))
	if from < 0 || to < from || to >= length {
		return nil, fmt.Errorf("%w: replay [%d, %d] over %d events", recovery.ErrInvalidRange, from, to, length)
	}

	result := &ReplayResult{FinalStates: make(map[string]TaskState)}
	for _, event := range l.events[from : to+1] {
		result.Events = append(result.Events, event)
		state, ok := result.FinalStates[event.AggregateID]
		if !ok {
			state = NewTaskState(event.AggregateID)
		}
		result.FinalStates[event.AggregateID] = ApplyEvent(state, event)
	}
	return result, nil
}

// ExportMetadata describes an export
type ExportMetadata struct {
	ExportedAt     time.Time `json:"exportedAt"`
	TotalEvents    int       `json:"totalEvents"`
	TotalSnapshots int       `json:"totalSnapshots"`
}

// ExportData is the journal's portable form
type ExportData struct {
	Events    []Event        `json:"events"`
	Snapshots []Snapshot     `json:"snapshots"`
	Metadata  ExportMetadata `json:"metadata"`
}

// Export captures the full journal
func (l *Log) Export() ExportData {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := ExportData{Events: append([]Event(nil), l.events...)}
	for _, snaps := range l.snapshots {
		data.Snapshots = append(data.Snapshots, snaps...)
	}
	data.Metadata = ExportMetadata{
		ExportedAt:     time.Now(),
		TotalEvents:    len(data.Events),
		TotalSnapshots: len(data.Snapshots),
	}
	return data
}

// Import replaces the journal contents with an exported journal. Sequence
// ids must be strictly increasing.
func (l *Log) Import(data ExportData) error {
	for i := 1; i < len(data.Events); i++ {
		if data.Events[i].SequenceID <= data.Events[i-1].SequenceID {
			return recovery.InvalidInputError("events out of sequence at index %d", i)
		}
	}
	for _, event := range data.Events {
		if event.Type == "" || event.AggregateID == "" {
			return recovery.InvalidInputError("event seq=%d is missing type or aggregateId", event.SequenceID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append([]Event(nil), data.Events...)
	l.snapshots = make(map[string][]Snapshot)
	for _, snap := range data.Snapshots {
		l.snapshots[snap.TaskID] = append(l.snapshots[snap.TaskID], snap)
	}
	return nil
}

// Stats summarizes the journal
type Stats struct {
	TotalEvents    int               `json:"totalEvents"`
	EventsByType   map[EventType]int `json:"eventsByType"`
	TaskCount      int               `json:"taskCount"`
	SnapshotCount  int               `json:"snapshotCount"`
	SubscriberCount int              `json:"subscriberCount"`
}

// Stats returns journal counters
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		TotalEvents:     len(l.events),
		EventsByType:    make(map[EventType]int),
		SubscriberCount: len(l.subscribers),
	}
	tasks := make(map[string]struct{})
	for _, event := range l.events {
		stats.EventsByType[event.Type]++
		tasks[event.AggregateID] = struct{}{}
	}
	stats.TaskCount = len(tasks)
	for _, snaps := range l.snapshots {
		stats.SnapshotCount += len(snaps)
	}
	return stats
}

// Length returns the number of journaled events
func (l *Log) Length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.events))
}
