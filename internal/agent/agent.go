// internal/agent/agent.go
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AGENTCORE/internal/audit"
	"github.com/AGENTCORE/internal/bus"
	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/execctx"
	"github.com/AGENTCORE/internal/history"
	"github.com/AGENTCORE/internal/llm"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/resolver"
	"github.com/AGENTCORE/internal/strategy"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/txn"
	"github.com/AGENTCORE/internal/types"
	"github.com/AGENTCORE/internal/workflow"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Message types accepted at the boundary
const (
	MsgExecuteBT   = "execute_bt"
	MsgStateUpdate = "state_update"
	MsgToolRequest = "tool_request"
	MsgQuery       = "query"
	MsgChat        = "chat"
	MsgExportState = "export_state"
	MsgShutdown    = "shutdown"

	// MsgExecuteTasks runs a declared task set through the resolver and
	// the strategy layer
	MsgExecuteTasks = "execute_tasks"
)

// Message is the external request shape (§6); unused fields stay zero
type Message struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	From      string           `json:"from,omitempty"`
	Content   string           `json:"content,omitempty"`
	Updates   map[string]any   `json:"updates,omitempty"`
	Tool      string           `json:"tool,omitempty"`
	Operation string           `json:"operation,omitempty"`
	Params    map[string]any   `json:"params,omitempty"`
	Query     string           `json:"query,omitempty"`
	QueryType string           `json:"queryType,omitempty"`
	BTConfig  *workflow.Config `json:"btConfig,omitempty"`
	Tasks     []types.TaskSpec `json:"tasks,omitempty"`
	Context   map[string]any   `json:"context,omitempty"`
}

// ChatRecord is one stored conversation turn
type ChatRecord struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Deps wires an Agent
type Deps struct {
	ID         string
	Config     types.EngineConfig
	Log        *eventlog.Log
	History    *history.Manager
	Bus        *bus.Bus
	Tools      tools.Registry
	LLM        llm.Client
	Strategies *strategy.Manager
	Txns       *txn.Manager
	Audit      *audit.Recorder
	Recovery   *recovery.Handler
}

// Agent is the message boundary of the engine: it owns per-session state
// and routes the §6 message set onto the executor stack.
type Agent struct {
	id       string
	cfg      types.EngineConfig
	log      *eventlog.Log
	history  *history.Manager
	bus      *bus.Bus
	registry tools.Registry
	llm      llm.Client
	strats   *strategy.Manager
	txns     *txn.Manager
	audit    *audit.Recorder
	recover  *recovery.Handler

	mu         sync.Mutex
	sessions   map[string]*session
	unsubscribe func()
	shutdown   bool
}

// New creates an agent and bridges journal events into the history
// manager and the notification bus
func New(deps Deps) *Agent {
	if deps.ID == "" {
		deps.ID = "agent-" + uuid.New().String()[:8]
	}
	a := &Agent{
		id:       deps.ID,
		cfg:      deps.Config,
		log:      deps.Log,
		history:  deps.History,
		bus:      deps.Bus,
		registry: deps.Tools,
		llm:      deps.LLM,
		strats:   deps.Strategies,
		txns:     deps.Txns,
		audit:    deps.Audit,
		recover:  deps.Recovery,
		sessions: make(map[string]*session),
	}

	if a.log != nil {
		a.unsubscribe = a.log.Subscribe(func(event eventlog.Event) {
			if a.history != nil {
				a.history.AddEvent(event)
			}
			if a.bus != nil {
				a.bus.Publish(bus.NewNotification(bus.KindTaskEvent, a.id, "all", bus.PriorityLow, map[string]any{
					"sequenceId":  event.SequenceID,
					"type":        string(event.Type),
					"aggregateId": event.AggregateID,
					"payload":     event.Payload,
				}))
			}
		}, eventlog.Filter{})
	}
	return a
}

// ID returns the agent identifier
func (a *Agent) ID() string { return a.id }

// Handle routes one boundary message. Malformed messages return a typed
// error; everything else comes back as a structured result.
func (a *Agent) Handle(ctx context.Context, msg Message) (any, error) {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil, recovery.InvalidInputError("agent is shut down")
	}
	a.mu.Unlock()

	switch msg.Type {
	case MsgExecuteBT:
		return a.handleExecuteBT(ctx, msg)
	case MsgExecuteTasks:
		return a.handleExecuteTasks(ctx, msg)
	case MsgStateUpdate:
		return a.handleStateUpdate(msg)
	case MsgToolRequest:
		return a.handleToolRequest(ctx, msg)
	case MsgQuery:
		return a.handleQuery(ctx, msg)
	case MsgChat:
		return a.handleChat(ctx, msg)
	case MsgExportState:
		return a.handleExportState(msg)
	case MsgShutdown:
		return a.handleShutdown(msg)
	}
	return nil, recovery.InvalidInputError("unknown message type %q", msg.Type)
}

func (a *Agent) handleExecuteBT(ctx context.Context, msg Message) (any, error) {
	if msg.BTConfig == nil {
		return nil, recovery.InvalidInputError("execute_bt needs a btConfig")
	}
	sess := a.session(msg.SessionID)

	root := execctx.NewRoot(execctx.RootOptions{
		TaskID:      "bt-" + uuid.New().String()[:8],
		SessionID:   sess.id,
		MaxDepth:    a.cfg.MaxDepth,
		Config:      &a.cfg.Task,
		UserContext: msg.Context,
	})

	executor := workflow.NewExecutor(workflow.Deps{
		Log:       a.log,
		Tools:     a.registry,
		Messenger: a,
		State:     sess,
		Txns:      a.txns,
	})
	result := executor.Execute(ctx, root, *msg.BTConfig)

	_, keyed := root.Artifacts()
	sess.storeArtifacts(keyed)

	a.recordAudit("execute_bt", msg.From, map[string]any{
		"sessionId": sess.id,
		"status":    string(result.Status),
		"steps":     len(msg.BTConfig.Steps),
	})
	return result, nil
}

// handleExecuteTasks orders a task set through the resolver, then walks
// the parallel groups: sequential between groups, concurrent within one,
// each task under its own child context.
func (a *Agent) handleExecuteTasks(ctx context.Context, msg Message) (any, error) {
	if len(msg.Tasks) == 0 {
		return nil, recovery.InvalidInputError("execute_tasks needs tasks")
	}
	if a.strats == nil {
		return nil, recovery.InvalidInputError("no strategy layer configured")
	}
	sess := a.session(msg.SessionID)

	resolved, err := resolver.Resolve(ctx, msg.Tasks, resolver.Options{
		Tools: a.registry,
		LLM:   a.llm,
	})
	if err != nil {
		return nil, err
	}

	root := execctx.NewRoot(execctx.RootOptions{
		TaskID:      "plan-" + uuid.New().String()[:8],
		SessionID:   sess.id,
		MaxDepth:    a.cfg.MaxDepth,
		Config:      &a.cfg.Task,
		UserContext: msg.Context,
	})

	specByID := make(map[string]types.TaskSpec, len(msg.Tasks))
	for _, spec := range msg.Tasks {
		specByID[spec.ID] = spec
	}

	limit := a.cfg.Task.ParallelLimit
	if limit <= 0 {
		limit = 1
	}

	results := make(map[string]any, len(resolved.ExecutionOrder))
	var resultsMu sync.Mutex
	success := true

	for _, group := range resolved.ParallelGroups {
		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(limit)
		for _, taskID := range group {
			spec := specByID[taskID]
			grp.Go(func() error {
				child, err := root.Child(spec.ID, nil)
				if err != nil {
					return err
				}
				outcome, err := a.strats.ExecuteTask(grpCtx, child, spec)
				resultsMu.Lock()
				if err != nil {
					results[spec.ID] = map[string]any{"success": false, "error": err.Error()}
				} else {
					results[spec.ID] = map[string]any{"success": true, "result": outcome.Output}
				}
				resultsMu.Unlock()
				return err
			})
		}
		if err := grp.Wait(); err != nil {
			success = false
			break
		}
	}

	a.recordAudit("execute_tasks", msg.From, map[string]any{
		"sessionId": sess.id,
		"tasks":     len(msg.Tasks),
		"groups":    len(resolved.ParallelGroups),
		"success":   success,
	})
	return map[string]any{
		"success":        success,
		"executionOrder": resolved.ExecutionOrder,
		"parallelGroups": resolved.ParallelGroups,
		"criticalPath":   resolved.CriticalPath,
		"estimatedTime":  resolved.EstimatedTime.String(),
		"results":        results,
	}, nil
}

func (a *Agent) handleStateUpdate(msg Message) (any, error) {
	if len(msg.Updates) == 0 {
		return nil, recovery.InvalidInputError("state_update needs updates")
	}
	sess := a.session(msg.SessionID)
	sess.Apply(msg.Updates)

	a.recordAudit("state_update", msg.From, map[string]any{
		"sessionId": sess.id,
		"keys":      len(msg.Updates),
	})
	return map[string]any{"success": true, "applied": len(msg.Updates)}, nil
}

func (a *Agent) handleToolRequest(ctx context.Context, msg Message) (any, error) {
	if msg.Tool == "" {
		return nil, recovery.InvalidInputError("tool_request needs a tool name")
	}
	registry := a.registry
	if registry == nil {
		shared, err := tools.Default()
		if err != nil {
			return nil, fmt.Errorf("%w: tool_request %s", recovery.ErrToolRegistryUnavailable, msg.Tool)
		}
		registry = shared
	}

	outcome := registry.Invoke(ctx, msg.Tool, msg.Operation, msg.Params)

	// Failed invocations run through the error handler; a recoverable
	// classification retries the tool before the failure surfaces
	if !outcome.Success && a.recover != nil {
		info := a.recover.Handle(fmt.Errorf("%s", outcome.Error), map[string]any{
			"tool": msg.Tool, "operation": msg.Operation,
		})
		if info.Recoverable {
			recovered := a.recover.Recover(ctx, info, func(rctx context.Context) error {
				retry := registry.Invoke(rctx, msg.Tool, msg.Operation, msg.Params)
				if !retry.Success {
					return fmt.Errorf("%s", retry.Error)
				}
				outcome = retry
				return nil
			})
			if recovered.Success {
				log.Printf("[AGENT] tool %s recovered via %s", msg.Tool, recovered.Strategy)
			}
		}
	}

	a.recordAudit("tool_request", msg.From, map[string]any{
		"tool":      msg.Tool,
		"operation": msg.Operation,
		"success":   outcome.Success,
	})
	return outcome, nil
}

func (a *Agent) handleQuery(ctx context.Context, msg Message) (any, error) {
	if msg.Query == "" {
		return nil, recovery.InvalidInputError("query needs a query string")
	}
	sess := a.session(msg.SessionID)
	data, err := sess.Query(ctx, msg.Query, msg.QueryType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"type": "query_response", "data": data}, nil
}

func (a *Agent) handleChat(ctx context.Context, msg Message) (any, error) {
	if msg.Content == "" {
		return nil, recovery.InvalidInputError("chat needs content")
	}
	sess := a.session(msg.SessionID)
	sess.appendChat(ChatRecord{From: msg.From, Content: msg.Content, Timestamp: time.Now()})

	reply := fmt.Sprintf("received: %s", msg.Content)
	if a.llm != nil {
		modelReply, err := a.llm.Complete(ctx, []llm.Message{{Role: "user", Content: msg.Content}})
		if err != nil {
			log.Printf("[AGENT] model unavailable for chat, echoing: %v", err)
		} else {
			reply = modelReply
		}
	}
	sess.appendChat(ChatRecord{From: a.id, Content: reply, Timestamp: time.Now()})

	if err := a.SendChat(sess.id, reply); err != nil {
		log.Printf("[AGENT] chat delivery failed: %v", err)
	}
	return map[string]any{"type": "chat_response", "content": reply}, nil
}

func (a *Agent) handleExportState(msg Message) (any, error) {
	sess := a.session(msg.SessionID)
	vars, chats, artifacts := sess.export()

	return map[string]any{
		"data": map[string]any{
			"state": map[string]any{
				"contextVariables": vars,
				"history":          chats,
				"artifacts":        artifacts,
			},
		},
	}, nil
}

func (a *Agent) handleShutdown(msg Message) (any, error) {
	a.mu.Lock()
	a.shutdown = true
	sessionCount := len(a.sessions)
	a.sessions = make(map[string]*session)
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if a.history != nil {
		a.history.StopAutoPruning()
	}
	if a.txns != nil {
		a.txns.RollbackAll("shutdown")
	}
	a.recordAudit("shutdown", msg.From, map[string]any{"sessions": sessionCount})
	log.Printf("[AGENT] %s shut down (%d sessions dropped)", a.id, sessionCount)
	return map[string]any{"success": true, "sessions": sessionCount}, nil
}

// SendChat implements workflow.Messenger over the notification bus
func (a *Agent) SendChat(sessionID, content string) error {
	if a.bus == nil {
		return fmt.Errorf("no message channel attached")
	}
	a.bus.Publish(bus.NewNotification(bus.KindChatResponse, a.id, sessionID, bus.PriorityNormal, map[string]any{
		"content": content,
	}))
	return nil
}

func (a *Agent) recordAudit(opType, user string, details map[string]any) {
	if a.audit == nil {
		return
	}
	if user == "" {
		user = "anonymous"
	}
	if _, err := a.audit.RecordOperation(audit.Operation{
		Type:      opType,
		User:      user,
		Timestamp: time.Now(),
		Details:   details,
	}); err != nil {
		log.Printf("[AGENT] audit record failed for %s: %v", opType, err)
	}
}

// session returns (creating if needed) the state for a session id
func (a *Agent) session(sessionID string) *session {
	if sessionID == "" {
		sessionID = "default"
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		sess = newSession(sessionID, a)
		a.sessions[sessionID] = sess
	}
	return sess
}

// session holds one conversation's context variables, chat history, and
// artifacts. It implements workflow.StateStore.
type session struct {
	id    string
	agent *Agent

	mu        sync.Mutex
	vars      map[string]any
	chats     []ChatRecord
	artifacts map[string]any
}

func newSession(id string, agent *Agent) *session {
	return &session{
		id:        id,
		agent:     agent,
		vars:      make(map[string]any),
		artifacts: make(map[string]any),
	}
}

func (s *session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

func (s *session) Apply(updates map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.vars[k] = v
	}
}

func (s *session) Restore(snapshot map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars = make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		s.vars[k] = v
	}
}

// Query answers capability and state queries for this session
func (s *session) Query(_ context.Context, query, queryType string) (any, error) {
	switch queryType {
	case "capabilities", "capability":
		registry := s.agent.registry
		if registry == nil {
			if shared, err := tools.Default(); err == nil {
				registry = shared
			}
		}
		if registry == nil {
			return map[string]any{"tools": []tools.Info{}}, nil
		}
		return map[string]any{"tools": registry.ListTools()}, nil

	case "state", "":
		s.mu.Lock()
		defer s.mu.Unlock()
		if value, ok := s.vars[query]; ok {
			return map[string]any{query: value}, nil
		}
		out := make(map[string]any, len(s.vars))
		for k, v := range s.vars {
			out[k] = v
		}
		return out, nil
	}
	return nil, recovery.InvalidInputError("unknown queryType %q", queryType)
}

func (s *session) appendChat(record ChatRecord) {
	s.mu.Lock()
	s.chats = append(s.chats, record)
	s.mu.Unlock()
}

func (s *session) storeArtifacts(artifacts map[string]execctx.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, artifact := range artifacts {
		s.artifacts[key] = artifact.Value
	}
}

func (s *session) export() (map[string]any, []ChatRecord, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	artifacts := make(map[string]any, len(s.artifacts))
	for k, v := range s.artifacts {
		artifacts[k] = v
	}
	return vars, append([]ChatRecord(nil), s.chats...), artifacts
}
