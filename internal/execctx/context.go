// internal/execctx/context.go
package execctx

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/types"
	"github.com/google/uuid"
)

// DefaultMaxDepth bounds task decomposition when no override is given
const DefaultMaxDepth = 3

// noDeadline is what RemainingTime reports when no deadline is set
const noDeadline = time.Duration(math.MaxInt64)

// Breadcrumb records one ancestor hop from the root to the current context
type Breadcrumb struct {
	TaskID    string    `json:"taskId"`
	Depth     int       `json:"depth"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a named value produced by a step and threaded to later steps
type Artifact struct {
	Type        string         `json:"type"`
	Value       any            `json:"value"`
	Description string         `json:"description,omitempty"`
	Purpose     string         `json:"purpose,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Context is one node in the immutable execution-context tree. Config and
// breadcrumbs never change after construction; artifacts and metadata are
// the only mutable surfaces, and child contexts get their own copies.
type Context struct {
	taskID        string
	sessionID     string
	correlationID string
	depth         int
	maxDepth      int
	startTime     time.Time
	deadline      time.Time // zero = none
	config        types.TaskConfig
	breadcrumbs   []Breadcrumb
	userContext   map[string]any
	parent        *Context

	mu           sync.RWMutex
	metadata     map[string]any
	artifactKeys []string
	artifacts    map[string]Artifact
}

// RootOptions configures NewRoot. Zero values fall back to defaults.
type RootOptions struct {
	TaskID        string
	SessionID     string
	CorrelationID string
	MaxDepth      int
	Deadline      time.Time
	Config        *types.TaskConfig
	UserContext   map[string]any
	Metadata      map[string]any
}

// Overrides selectively replaces inherited values when creating a child
type Overrides struct {
	Timeout        *time.Duration
	RetryCount     *int
	ParallelLimit  *int
	CacheResults   *bool
	VerboseLogging *bool
	Deadline       *time.Time
	SessionID      string
	CorrelationID  string
	UserContext    map[string]any
	Metadata       map[string]any
}

// NewRoot creates a depth-0 context
func NewRoot(opts RootOptions) *Context {
	cfg := types.DefaultEngineConfig().Task
	if opts.Config != nil {
		cfg = *opts.Config
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	taskID := opts.TaskID
	if taskID == "" {
		taskID = "root"
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	return &Context{
		taskID:        taskID,
		sessionID:     sessionID,
		correlationID: correlationID,
		depth:         0,
		maxDepth:      maxDepth,
		startTime:     time.Now(),
		deadline:      opts.Deadline,
		config:        cfg,
		breadcrumbs:   nil,
		userContext:   copyAnyMap(opts.UserContext),
		metadata:      copyAnyMap(opts.Metadata),
		artifacts:     make(map[string]Artifact),
	}
}

// Child derives a context one level deeper. Config is copied from the parent
// and overlaid with overrides; artifacts are copied so the child sees the
// parent's values but its own writes stay local.
func (c *Context) Child(taskID string, overrides *Overrides) (*Context, error) {
	if taskID == "" {
		return nil, recovery.InvalidInputError("child task id is required")
	}
	if c.depth >= c.maxDepth {
		return nil, fmt.Errorf("%w: depth %d at max %d", recovery.ErrDepthLimit, c.depth, c.maxDepth)
	}

	child := &Context{
		taskID:        taskID,
		sessionID:     c.sessionID,
		correlationID: c.correlationID,
		depth:         c.depth + 1,
		maxDepth:      c.maxDepth,
		startTime:     time.Now(),
		deadline:      c.deadline,
		config:        c.config,
		userContext:   c.userContext,
		parent:        c,
	}

	// Append the child's breadcrumb to a fresh copy of the trail
	child.breadcrumbs = make([]Breadcrumb, len(c.breadcrumbs), len(c.breadcrumbs)+1)
	copy(child.breadcrumbs, c.breadcrumbs)
	child.breadcrumbs = append(child.breadcrumbs, Breadcrumb{
		TaskID:    taskID,
		Depth:     child.depth,
		Timestamp: child.startTime,
	})

	c.mu.RLock()
	child.metadata = copyAnyMap(c.metadata)
	child.artifactKeys = append([]string(nil), c.artifactKeys...)
	child.artifacts = make(map[string]Artifact, len(c.artifacts))
	for k, v := range c.artifacts {
		child.artifacts[k] = v
	}
	c.mu.RUnlock()

	if overrides != nil {
		applyOverrides(child, overrides)
	}
	return child, nil
}

// Sibling derives a context at the same depth, sharing this context's parent
func (c *Context) Sibling(taskID string) (*Context, error) {
	if c.parent == nil {
		s := NewRoot(RootOptions{
			TaskID:        taskID,
			SessionID:     c.sessionID,
			CorrelationID: c.correlationID,
			MaxDepth:      c.maxDepth,
			Deadline:      c.deadline,
			Config:        &c.config,
			UserContext:   c.userContext,
		})
		return s, nil
	}
	return c.parent.Child(taskID, nil)
}

// Parallel creates one child per task id for simultaneous scheduling
func (c *Context) Parallel(taskIDs []string) ([]*Context, error) {
	children := make([]*Context, 0, len(taskIDs))
	for _, id := range taskIDs {
		child, err := c.Child(id, nil)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// MergeParallel combines sibling results into a new child of this context.
// Later children overwrite earlier ones on artifact key collisions.
func (c *Context) MergeParallel(taskID string, children []*Context) (*Context, error) {
	merged, err := c.Child(taskID, nil)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		child.mu.RLock()
		for _, key := range child.artifactKeys {
			merged.setArtifactLocked(key, child.artifacts[key])
		}
		child.mu.RUnlock()
	}
	return merged, nil
}

// WithDeadline returns a copy of this context with the deadline replaced
func (c *Context) WithDeadline(deadline time.Time) *Context {
	dup := c.clone()
	dup.deadline = deadline
	return dup
}

// WithMetadata returns a copy of this context with one metadata entry added
func (c *Context) WithMetadata(key string, value any) *Context {
	dup := c.clone()
	dup.metadata[key] = value
	return dup
}

// AddArtifact stores a named artifact, preserving first-insertion order
func (c *Context) AddArtifact(key string, artifact Artifact) error {
	if key == "" {
		return recovery.InvalidInputError("artifact key is required")
	}
	if artifact.Timestamp.IsZero() {
		artifact.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.setArtifactLocked(key, artifact)
	c.mu.Unlock()
	return nil
}

func (c *Context) setArtifactLocked(key string, artifact Artifact) {
	if _, exists := c.artifacts[key]; !exists {
		c.artifactKeys = append(c.artifactKeys, key)
	}
	c.artifacts[key] = artifact
}

// Artifact returns the artifact stored under key
func (c *Context) Artifact(key string) (Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[key]
	return a, ok
}

// ArtifactValue returns just the value stored under key
func (c *Context) ArtifactValue(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.artifacts[key].Value
}

// Artifacts returns keys in insertion order with their artifacts
func (c *Context) Artifacts() ([]string, map[string]Artifact) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := append([]string(nil), c.artifactKeys...)
	m := make(map[string]Artifact, len(c.artifacts))
	for k, v := range c.artifacts {
		m[k] = v
	}
	return keys, m
}

// FindAncestor walks up the tree and returns the first context matching pred
func (c *Context) FindAncestor(pred func(*Context) bool) *Context {
	for cur := c.parent; cur != nil; cur = cur.parent {
		if pred(cur) {
			return cur
		}
	}
	return nil
}

// Root returns the depth-0 ancestor (or the context itself at the root)
func (c *Context) Root() *Context {
	cur := c
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// ExecutionPath joins the breadcrumb task ids from root to this context
func (c *Context) ExecutionPath() string {
	ids := make([]string, len(c.breadcrumbs))
	for i, b := range c.breadcrumbs {
		ids[i] = b.TaskID
	}
	return strings.Join(ids, " → ")
}

// TraceEntry is a breadcrumb annotated with elapsed wall time
type TraceEntry struct {
	Breadcrumb
	Elapsed time.Duration `json:"elapsed"`
}

// ExecutionTrace returns breadcrumbs annotated with time elapsed since each hop
func (c *Context) ExecutionTrace() []TraceEntry {
	now := time.Now()
	trace := make([]TraceEntry, len(c.breadcrumbs))
	for i, b := range c.breadcrumbs {
		trace[i] = TraceEntry{Breadcrumb: b, Elapsed: now.Sub(b.Timestamp)}
	}
	return trace
}

// IsExpired reports whether the deadline has passed
func (c *Context) IsExpired() bool {
	return !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// RemainingTime returns deadline minus now, or the maximum duration when no
// deadline is set
func (c *Context) RemainingTime() time.Duration {
	if c.deadline.IsZero() {
		return noDeadline
	}
	remaining := time.Until(c.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasDeadline reports whether a deadline is set
func (c *Context) HasDeadline() bool { return !c.deadline.IsZero() }

// CanDecompose reports whether this context may create children
func (c *Context) CanDecompose() bool { return c.depth < c.maxDepth }

// IsAtMaxDepth reports whether decomposition is exhausted
func (c *Context) IsAtMaxDepth() bool { return c.depth >= c.maxDepth }

// Context derives a cancellable context.Context honouring the deadline
func (c *Context) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, c.deadline)
}

// Accessors
func (c *Context) TaskID() string             { return c.taskID }
func (c *Context) SessionID() string          { return c.sessionID }
func (c *Context) CorrelationID() string      { return c.correlationID }
func (c *Context) Depth() int                 { return c.depth }
func (c *Context) MaxDepth() int              { return c.maxDepth }
func (c *Context) StartTime() time.Time       { return c.startTime }
func (c *Context) Deadline() time.Time        { return c.deadline }
func (c *Context) Config() types.TaskConfig   { return c.config }
func (c *Context) Parent() *Context           { return c.parent }
func (c *Context) UserContext() map[string]any { return copyAnyMap(c.userContext) }

// Breadcrumbs returns a copy of the trail
func (c *Context) Breadcrumbs() []Breadcrumb {
	return append([]Breadcrumb(nil), c.breadcrumbs...)
}

// Metadata returns a copy of the metadata map
func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyAnyMap(c.metadata)
}

// Summary is a compact representation for logs
type Summary struct {
	TaskID        string `json:"taskId"`
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
	Depth         int    `json:"depth"`
	Path          string `json:"path"`
	ArtifactCount int    `json:"artifactCount"`
	Expired       bool   `json:"expired"`
}

// Summary returns the compact log representation
func (c *Context) Summary() Summary {
	c.mu.RLock()
	n := len(c.artifacts)
	c.mu.RUnlock()
	return Summary{
		TaskID:        c.taskID,
		SessionID:     c.sessionID,
		CorrelationID: c.correlationID,
		Depth:         c.depth,
		Path:          c.ExecutionPath(),
		ArtifactCount: n,
		Expired:       c.IsExpired(),
	}
}

// Object is the serializable form used by ToObject/FromObject
type Object struct {
	TaskID        string              `json:"taskId"`
	SessionID     string              `json:"sessionId"`
	CorrelationID string              `json:"correlationId"`
	Depth         int                 `json:"depth"`
	MaxDepth      int                 `json:"maxDepth"`
	StartTime     time.Time           `json:"startTime"`
	Deadline      *time.Time          `json:"deadline,omitempty"`
	Config        types.TaskConfig    `json:"config"`
	Breadcrumbs   []Breadcrumb        `json:"breadcrumbs"`
	UserContext   map[string]any      `json:"userContext,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	ArtifactKeys  []string            `json:"artifactKeys"`
	Artifacts     map[string]Artifact `json:"artifacts"`
}

// ToObject captures the context as a serializable value. Parent links are
// not carried; a restored context is a detached root at the same depth.
func (c *Context) ToObject() Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj := Object{
		TaskID:        c.taskID,
		SessionID:     c.sessionID,
		CorrelationID: c.correlationID,
		Depth:         c.depth,
		MaxDepth:      c.maxDepth,
		StartTime:     c.startTime,
		Config:        c.config,
		Breadcrumbs:   append([]Breadcrumb(nil), c.breadcrumbs...),
		UserContext:   copyAnyMap(c.userContext),
		Metadata:      copyAnyMap(c.metadata),
		ArtifactKeys:  append([]string(nil), c.artifactKeys...),
		Artifacts:     make(map[string]Artifact, len(c.artifacts)),
	}
	for k, v := range c.artifacts {
		obj.Artifacts[k] = v
	}
	if !c.deadline.IsZero() {
		d := c.deadline
		obj.Deadline = &d
	}
	return obj
}

// FromObject restores a context from its serialized form
func FromObject(obj Object) (*Context, error) {
	if obj.TaskID == "" {
		return nil, recovery.InvalidInputError("object is missing taskId")
	}
	maxDepth := obj.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	c := &Context{
		taskID:        obj.TaskID,
		sessionID:     obj.SessionID,
		correlationID: obj.CorrelationID,
		depth:         obj.Depth,
		maxDepth:      maxDepth,
		startTime:     obj.StartTime,
		config:        obj.Config,
		breadcrumbs:   append([]Breadcrumb(nil), obj.Breadcrumbs...),
		userContext:   copyAnyMap(obj.UserContext),
		metadata:      copyAnyMap(obj.Metadata),
		artifactKeys:  append([]string(nil), obj.ArtifactKeys...),
		artifacts:     make(map[string]Artifact, len(obj.Artifacts)),
	}
	for k, v := range obj.Artifacts {
		c.artifacts[k] = v
	}
	if obj.Deadline != nil {
		c.deadline = *obj.Deadline
	}
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
	return c, nil
}

// clone copies the context for the WithX builders, keeping the parent link
func (c *Context) clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dup := &Context{
		taskID:        c.taskID,
		sessionID:     c.sessionID,
		correlationID: c.correlationID,
		depth:         c.depth,
		maxDepth:      c.maxDepth,
		startTime:     c.startTime,
		deadline:      c.deadline,
		config:        c.config,
		breadcrumbs:   c.breadcrumbs,
		userContext:   c.userContext,
		parent:        c.parent,
		metadata:      copyAnyMap(c.metadata),
		artifactKeys:  append([]string(nil), c.artifactKeys...),
		artifacts:     make(map[string]Artifact, len(c.artifacts)),
	}
	for k, v := range c.artifacts {
		dup.artifacts[k] = v
	}
	return dup
}

func applyOverrides(c *Context, o *Overrides) {
	if o.Timeout != nil {
		c.config.Timeout = types.Duration(*o.Timeout)
	}
	if o.RetryCount != nil {
		c.config.RetryCount = *o.RetryCount
	}
	if o.ParallelLimit != nil {
		c.config.ParallelLimit = *o.ParallelLimit
	}
	if o.CacheResults != nil {
		c.config.CacheResults = *o.CacheResults
	}
	if o.VerboseLogging != nil {
		c.config.VerboseLogging = *o.VerboseLogging
	}
	if o.Deadline != nil {
		c.deadline = *o.Deadline
	}
	if o.SessionID != "" {
		c.sessionID = o.SessionID
	}
	if o.CorrelationID != "" {
		c.correlationID = o.CorrelationID
	}
	if o.UserContext != nil {
		c.userContext = copyAnyMap(o.UserContext)
	}
	for k, v := range o.Metadata {
		c.metadata[k] = v
	}
}

func copyAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
