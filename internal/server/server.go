// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/AGENTCORE/internal/agent"
	"github.com/AGENTCORE/internal/audit"
	"github.com/AGENTCORE/internal/bus"
	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/AGENTCORE/internal/resolver"
	"github.com/AGENTCORE/internal/txn"
	"github.com/AGENTCORE/internal/types"
	"github.com/gorilla/mux"
)

// Server is the HTTP surface of the engine: the §6 message set as JSON
// endpoints plus a websocket notification stream.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	agent *agent.Agent
	log   *eventlog.Log
	bus   *bus.Bus
	audit *audit.Recorder
	txns  *txn.Manager

	port      int
	startTime time.Time
}

// Deps wires a Server
type Deps struct {
	Agent *agent.Agent
	Log   *eventlog.Log
	Bus   *bus.Bus
	Audit *audit.Recorder
	Txns  *txn.Manager
	Port  int
}

// NewServer creates the HTTP server and registers routes
func NewServer(deps Deps) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		agent:     deps.Agent,
		log:       deps.Log,
		bus:       deps.Bus,
		audit:     deps.Audit,
		txns:      deps.Txns,
		port:      deps.Port,
		startTime: time.Now(),
	}
	s.hub = NewHub(deps.Bus)
	s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/message", s.handleMessage).Methods("POST")
	api.HandleFunc("/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/events", s.handleEventHistory).Methods("GET")
	api.HandleFunc("/events/export", s.handleEventExport).Methods("GET")
	api.HandleFunc("/projections/{taskId}", s.handleProjection).Methods("GET")
	api.HandleFunc("/transactions", s.handleTransactions).Methods("GET")
	api.HandleFunc("/notifications/{target}", s.handleNotifications).Methods("GET")
	api.HandleFunc("/notifications/ack", s.handleNotificationAck).Methods("POST")
	api.HandleFunc("/audit/verify", s.handleAuditVerify).Methods("GET")
	api.HandleFunc("/audit/report/{standard}", s.handleAuditReport).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.HandleWS)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Start runs the HTTP server and the websocket hub
func (s *Server) Start() error {
	s.hub.Start()
	log.Printf("[SERVER] listening on :%d", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server and the hub
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// handleMessage accepts any §6 message and routes it through the agent
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg agent.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode message: %w", err))
		return
	}

	result, err := s.agent.Handle(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resolveRequest struct {
	Tasks                       []types.TaskSpec `json:"tasks"`
	AnalyzeSemanticDependencies bool             `json:"analyzeSemanticDependencies"`
}

// handleResolve runs the dependency resolver over a task set
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode tasks: %w", err))
		return
	}

	result, err := resolver.Resolve(r.Context(), req.Tasks, resolver.Options{
		AnalyzeSemanticDependencies: req.AnalyzeSemanticDependencies,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	filter := eventlog.Filter{TaskID: r.URL.Query().Get("taskId")}
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, eventlog.EventType(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.log.History(filter),
		"stats":  s.log.Stats(),
	})
}

func (s *Server) handleEventExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.log.Export())
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	writeJSON(w, http.StatusOK, s.log.Projection(taskID))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": s.txns.Metrics(),
		"history": s.txns.History(),
	})
}

// handleNotifications serves a session's unacked backlog so reconnecting
// clients can catch up on what they missed
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	var kinds []bus.Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, bus.Kind(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.bus.Pending(target, kinds),
		"stats":   s.bus.Stats(),
	})
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleNotificationAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode ack: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acked": s.bus.Ack(req.IDs...)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.VerifyIntegrity())
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	standard := types.Standard(mux.Vars(r)["standard"])
	report, err := s.audit.GenerateComplianceReport(standard)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"events": s.log.Stats().TotalEvents,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[SERVER] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// statusFor maps taxonomy errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case isAny(err, recovery.ErrInvalidInput, recovery.ErrInvariantViolation, recovery.ErrInvalidRange):
		return http.StatusBadRequest
	case isAny(err, recovery.ErrUnsupportedStandard):
		return http.StatusNotFound
	case isAny(err, recovery.ErrTransactionBusy):
		return http.StatusConflict
	case isAny(err, recovery.ErrDeadline, recovery.ErrCancelled):
		return http.StatusRequestTimeout
	}
	var cycleErr *recovery.CircularDependencyError
	if errors.As(err, &cycleErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func isAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
