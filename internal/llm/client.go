// internal/llm/client.go
package llm

import "context"

// Message is one turn of a model conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendOptions tunes a single SendMessage call
type SendOptions struct {
	Temperature    float64
	ResponseFormat string // "" or "json"
}

// Client is the language-model contract consumed by the engine. The model
// itself is an external collaborator; the engine never depends on a
// concrete provider.
type Client interface {
	// Complete sends a conversation and returns the reply content
	Complete(ctx context.Context, messages []Message) (string, error)

	// SendMessage sends a single prompt
	SendMessage(ctx context.Context, prompt string, opts SendOptions) (string, error)

	// CompleteWithStructuredResponse asks for structured output. The reply
	// is the decoded value when the model returned parseable JSON, or the
	// raw string otherwise.
	CompleteWithStructuredResponse(ctx context.Context, prompt string) (any, error)
}
