package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/pagerelay/pagerelay/internal/keyring"
	"github.com/pagerelay/pagerelay/internal/logging"
)

// Registry maps platform ids to providers. Providers are constructed lazily
// on first use so a missing API key for one platform doesn't block others.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider

	// OllamaBaseURL overrides the local Ollama endpoint when set.
	OllamaBaseURL string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs a pre-built provider, replacing any lazy construction
// for its id. Used by tests and custom endpoints.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Provider returns the provider for a platform id, constructing it on first
// use from stored credentials.
func (r *Registry) Provider(platformID string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[platformID]; ok {
		return p, nil
	}

	p, err := r.build(platformID)
	if err != nil {
		return nil, err
	}
	r.providers[platformID] = p
	return p, nil
}

func (r *Registry) build(platformID string) (Provider, error) {
	switch platformID {
	case "anthropic":
		key, err := keyring.GetAPIKey(platformID)
		if err != nil {
			return nil, err
		}
		return NewAnthropicProvider(key), nil
	case "openai":
		key, err := keyring.GetAPIKey(platformID)
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(key), nil
	case "gemini":
		key, err := keyring.GetAPIKey(platformID)
		if err != nil {
			return nil, err
		}
		return NewGeminiProvider(key), nil
	case "ollama":
		return NewOllamaProvider(r.OllamaBaseURL)
	default:
		return nil, fmt.Errorf("unknown platform %q", platformID)
	}
}

// Send opens one streaming call to the destination platform and drains it
// into onChunk, preserving arrival order. onChunk is invoked zero or more
// times with text, then exactly once with Done=true (possibly carrying the
// stream's error). Send returns an error only when the call could not be
// opened at all, in which case onChunk was never invoked.
func (r *Registry) Send(ctx context.Context, platformID string, req *Request, onChunk ChunkFunc) error {
	provider, err := r.Provider(platformID)
	if err != nil {
		return fmt.Errorf("destination unavailable: %w", err)
	}

	events, err := provider.Stream(ctx, req)
	if err != nil {
		return fmt.Errorf("destination open failed: %w", err)
	}

	for evt := range events {
		switch evt.Type {
		case EventTypeText:
			if evt.Text != "" {
				onChunk(Chunk{Text: evt.Text, Model: req.ModelID})
			}
		case EventTypeError:
			onChunk(Chunk{Done: true, Err: evt.Error, Model: req.ModelID})
			return nil
		case EventTypeDone:
			onChunk(Chunk{Done: true, Model: req.ModelID})
			return nil
		}
	}

	// Channel closed without a terminal event; treat as done so the
	// session can never hang in streaming.
	logging.Warnf("platform %s: stream closed without terminal event", platformID)
	onChunk(Chunk{Done: true, Model: req.ModelID})
	return nil
}
