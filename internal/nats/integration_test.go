package nats

import (
	"testing"
	"time"

	"github.com/AGENTCORE/internal/agent"
	"github.com/AGENTCORE/internal/bus"
	"github.com/AGENTCORE/internal/eventlog"
	"github.com/AGENTCORE/internal/tools"
	"github.com/AGENTCORE/internal/types"
)

func TestEmbeddedServerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded broker test in short mode")
	}

	srv, err := NewEmbeddedServer(EmbeddedServerConfig{Port: 42431})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Shutdown()

	client, err := NewClient(srv.URL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	a := agent.New(agent.Deps{
		Config: types.DefaultEngineConfig(),
		Log:    eventlog.NewLog(),
		Bus:    bus.NewBus(bus.Options{}),
		Tools:  tools.NewRegistry(),
	})
	handler := NewHandler(client, a, nil)
	if err := handler.Start(); err != nil {
		t.Fatalf("handler start: %v", err)
	}
	defer handler.Stop()

	// state_update then query over request/reply
	var ack map[string]any
	err = client.RequestJSON(SubjectState, agent.Message{
		SessionID: "s1",
		Updates:   map[string]any{"phase": "ready"},
	}, &ack, 2*time.Second)
	if err != nil {
		t.Fatalf("state request: %v", err)
	}
	if ack["success"] != true {
		t.Errorf("ack = %v", ack)
	}

	var queryResp map[string]any
	err = client.RequestJSON(SubjectQuery, agent.Message{
		SessionID: "s1", Query: "phase", QueryType: "state",
	}, &queryResp, 2*time.Second)
	if err != nil {
		t.Fatalf("query request: %v", err)
	}
	data := queryResp["data"].(map[string]any)
	if data["phase"] != "ready" {
		t.Errorf("query data = %v", data)
	}
}
