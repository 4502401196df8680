package platform

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultMaxTokens = 8192

// AnthropicProvider implements the Anthropic Claude API using the official SDK
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// ID returns the platform identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Stream sends a request and returns streaming events
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	messages := p.buildMessages(req)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var system string
	for _, msg := range req.History {
		if msg.Role == "system" {
			system = msg.Content
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)
	go p.handleStream(stream, events)
	return events, nil
}

// buildMessages converts history plus the current prompt to Anthropic format
func (p *AnthropicProvider) buildMessages(req *Request) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, msg := range req.History {
		switch msg.Role {
		case "user":
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
		// system handled via params.System
	}
	result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserText())))
	return result
}

// handleStream processes the streaming response
func (p *AnthropicProvider) handleStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			if d, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
				events <- StreamEvent{Type: EventTypeText, Text: d.Text}
			}

		case "message_stop":
			events <- StreamEvent{Type: EventTypeDone}
			return

		case "error":
			events <- StreamEvent{
				Type:  EventTypeError,
				Error: fmt.Errorf("stream error: %s", event.RawJSON()),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventTypeError, Error: err}
		return
	}
	events <- StreamEvent{Type: EventTypeDone}
}
