package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaProvider implements the Provider interface for Ollama (local models)
type OllamaProvider struct {
	client *api.Client
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	return &OllamaProvider{
		client: api.NewClient(base, http.DefaultClient),
	}, nil
}

// ID returns the platform identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Stream sends a request to Ollama and streams the response
func (p *OllamaProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	messages := make([]api.Message, 0, len(req.History)+1)
	for _, msg := range req.History {
		switch msg.Role {
		case "user", "assistant", "system":
			messages = append(messages, api.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	messages = append(messages, api.Message{Role: "user", Content: req.UserText()})

	stream := true
	chatReq := &api.ChatRequest{
		Model:    req.ModelID,
		Messages: messages,
		Stream:   &stream,
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		chatReq.Options = options
	}

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)

		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				events <- StreamEvent{Type: EventTypeText, Text: resp.Message.Content}
			}
			return nil
		})
		if err != nil {
			events <- StreamEvent{Type: EventTypeError, Error: err}
			return
		}
		events <- StreamEvent{Type: EventTypeDone}
	}()

	return events, nil
}
