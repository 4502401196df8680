package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiProvider implements the Google Gemini API using the official SDK
type GeminiProvider struct {
	apiKey string
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey}
}

// ID returns the platform identifier
func (p *GeminiProvider) ID() string {
	return "gemini"
}

// Stream sends a request and streams the response
func (p *GeminiProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	model := client.GenerativeModel(req.ModelID)
	if req.Temperature > 0 {
		model.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	chat := model.StartChat()
	for _, msg := range req.History {
		switch msg.Role {
		case "user":
			chat.History = append(chat.History, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		case "assistant":
			chat.History = append(chat.History, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		case "system":
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(msg.Content)},
			}
		}
	}

	iter := chat.SendMessageStream(ctx, genai.Text(req.UserText()))

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)
		defer client.Close()

		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				events <- StreamEvent{Type: EventTypeDone}
				return
			}
			if err != nil {
				events <- StreamEvent{Type: EventTypeError, Error: err}
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if text, ok := part.(genai.Text); ok && text != "" {
						events <- StreamEvent{Type: EventTypeText, Text: string(text)}
					}
				}
			}
		}
	}()

	return events, nil
}
