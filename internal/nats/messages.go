// internal/nats/messages.go
package nats

// Subject constants for the engine message surface. Request subjects use
// NATS request/reply; the result is the same structured object the HTTP
// surface returns.
const (
	// SubjectExecute carries execute_bt requests
	SubjectExecute = "engine.execute"

	// SubjectState carries state_update requests
	SubjectState = "engine.state"

	// SubjectTool carries tool_request messages (queue group balanced)
	SubjectTool = "engine.tool"

	// SubjectQuery carries query requests
	SubjectQuery = "engine.query"

	// SubjectChat carries chat messages
	SubjectChat = "engine.chat"

	// SubjectExport carries export_state requests
	SubjectExport = "engine.export"

	// SubjectShutdown carries shutdown requests
	SubjectShutdown = "engine.shutdown"

	// SubjectTaskEvents is where journal events are mirrored for
	// external observers
	SubjectTaskEvents = "engine.events.task"

	// SubjectAuditViolations is where compliance violations broadcast
	SubjectAuditViolations = "engine.events.violation"
)

// errorReply is the JSON shape sent back on a failed request
type errorReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
