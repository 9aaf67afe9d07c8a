// internal/nats/handler.go
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/AGENTCORE/internal/agent"
	"github.com/AGENTCORE/internal/bus"
	nc "github.com/nats-io/nats.go"
)

// Handler routes the engine subjects onto an agent and mirrors bus
// notifications outward
type Handler struct {
	client *Client
	agent  *agent.Agent
	bus    *bus.Bus

	subs   []*nc.Subscription
	subsMu sync.Mutex

	running    bool
	stopCh     chan struct{}
	feed       <-chan bus.Notification
	cancelFeed func()
}

// NewHandler creates a NATS message handler
func NewHandler(client *Client, a *agent.Agent, b *bus.Bus) *Handler {
	return &Handler{
		client: client,
		agent:  a,
		bus:    b,
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to every engine subject
func (h *Handler) Start() error {
	if h.running {
		return fmt.Errorf("handler already running")
	}
	h.running = true

	subjects := map[string]string{
		SubjectExecute:  agent.MsgExecuteBT,
		SubjectState:    agent.MsgStateUpdate,
		SubjectQuery:    agent.MsgQuery,
		SubjectChat:     agent.MsgChat,
		SubjectExport:   agent.MsgExportState,
		SubjectShutdown: agent.MsgShutdown,
	}
	for subject, msgType := range subjects {
		sub, err := h.client.Subscribe(subject, h.boundaryHandler(msgType))
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		h.addSub(sub)
	}

	// Tool requests load-balance across engine instances
	sub, err := h.client.QueueSubscribe(SubjectTool, "tool-workers", h.boundaryHandler(agent.MsgToolRequest))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectTool, err)
	}
	h.addSub(sub)

	if h.bus != nil {
		h.feed, h.cancelFeed = h.bus.Subscribe("all", bus.SubscribeOptions{
			Kinds: []bus.Kind{bus.KindTaskEvent, bus.KindAuditViolation},
		})
		go h.mirror()
	}

	log.Printf("[NATS-HANDLER] Started, subscribed to %d subjects", len(h.subs))
	return nil
}

// Stop terminates message processing
func (h *Handler) Stop() {
	if !h.running {
		return
	}
	close(h.stopCh)
	if h.cancelFeed != nil {
		h.cancelFeed()
	}

	h.subsMu.Lock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
	h.subsMu.Unlock()

	h.running = false
	log.Printf("[NATS-HANDLER] Stopped")
}

// boundaryHandler decodes a request, forces the subject's message type,
// and replies with the agent's structured result
func (h *Handler) boundaryHandler(msgType string) func(*Message) {
	return func(msg *Message) {
		var req agent.Message
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				h.replyError(msg.Reply, fmt.Errorf("decode request: %w", err))
				return
			}
		}
		req.Type = msgType

		result, err := h.agent.Handle(context.Background(), req)
		if err != nil {
			h.replyError(msg.Reply, err)
			return
		}
		if msg.Reply != "" {
			if err := h.client.Respond(msg.Reply, result); err != nil {
				log.Printf("[NATS-HANDLER] reply failed on %s: %v", msg.Subject, err)
			}
		}
	}
}

func (h *Handler) replyError(reply string, err error) {
	if reply == "" {
		log.Printf("[NATS-HANDLER] request failed with no reply subject: %v", err)
		return
	}
	if sendErr := h.client.Respond(reply, errorReply{Error: err.Error()}); sendErr != nil {
		log.Printf("[NATS-HANDLER] error reply failed: %v", sendErr)
	}
}

// mirror republishes bus notifications on the outbound subjects
func (h *Handler) mirror() {
	for {
		select {
		case <-h.stopCh:
			return
		case n, ok := <-h.feed:
			if !ok {
				return
			}
			subject := SubjectTaskEvents
			if n.Kind == bus.KindAuditViolation {
				subject = SubjectAuditViolations
			}
			if err := h.client.PublishJSON(subject, n); err != nil {
				log.Printf("[NATS-HANDLER] mirror publish failed: %v", err)
			}
		}
	}
}

func (h *Handler) addSub(sub *nc.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}
