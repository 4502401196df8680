package platform

import "context"

// StreamEventType defines the type of streaming event
type StreamEventType string

const (
	EventTypeText  StreamEventType = "text"
	EventTypeError StreamEventType = "error"
	EventTypeDone  StreamEventType = "done"
)

// StreamEvent represents a streaming response event
type StreamEvent struct {
	Type  StreamEventType `json:"type"`
	Text  string          `json:"text,omitempty"`
	Error error           `json:"-"`
}

// Message is one turn of conversation history forwarded to the destination.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Request carries everything a destination call needs: the resolved prompt,
// the formatted page content (may be empty after a failed-open extraction),
// prior conversation turns, and generation parameters.
type Request struct {
	Prompt           string    `json:"prompt"`
	FormattedContent string    `json:"formatted_content,omitempty"`
	History          []Message `json:"history,omitempty"`
	ModelID          string    `json:"model_id"`
	Temperature      float64   `json:"temperature,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
}

// UserText returns the user-turn text: the prompt, with the formatted page
// content appended when present.
func (r *Request) UserText() string {
	if r.FormattedContent == "" {
		return r.Prompt
	}
	return r.Prompt + "\n\n" + r.FormattedContent
}

// Provider is a streaming AI destination.
type Provider interface {
	// ID returns the platform identifier (e.g. "anthropic", "openai")
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Chunk is one incremental delivery to a session's chunk callback.
// Done is true exactly once per stream, possibly carrying a final error.
type Chunk struct {
	Text  string
	Done  bool
	Err   error
	Model string
}

// ChunkFunc receives stream chunks in arrival order.
type ChunkFunc func(Chunk)
