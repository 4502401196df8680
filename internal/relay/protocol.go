package relay

import (
	"encoding/json"
	"fmt"

	"github.com/pagerelay/pagerelay/internal/extract"
)

// Envelope is the wire frame for every relay message in both directions.
// Action selects the payload type; ID correlates request/response pairs.
type Envelope struct {
	ID     int             `json:"id,omitempty"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Actions sent by UI surfaces.
const (
	ActionProcessContent = "processContent"
	ActionCancelStream   = "cancelStream"
	ActionGetState       = "getState"
	ActionGetSnapshot    = "getSnapshot"
	ActionSetPrefs       = "setPrefs"
	ActionListPrompts    = "listPrompts"
)

// Actions sent by the extension.
const (
	ActionExtractionComplete = "extractionComplete"
	ActionExtractionFailed   = "extractionFailed"
	ActionTabRemoved         = "tabRemoved"
	ActionTabsSnapshot       = "tabsSnapshot"
	ActionPong               = "pong"
	ActionResponse           = "response"
)

// Actions sent by the relay.
const (
	ActionStreamChunk       = "streamChunk"
	ActionPing              = "ping"
	ActionInjectStrategy    = "injectStrategy"
	ActionRequestExtraction = "requestExtraction"
	ActionListTabs          = "listTabs"
)

// HistoryMessage is one prior conversation turn supplied by the UI.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProcessContentRequest starts a session on a tab.
type ProcessContentRequest struct {
	TabID          int64            `json:"tabId"`
	URL            string           `json:"url"`
	SelectedText   string           `json:"selectedText,omitempty"`
	PromptID       string           `json:"promptId,omitempty"`
	CustomPrompt   string           `json:"customPrompt,omitempty"`
	PlatformID     string           `json:"platformId,omitempty"`
	ModelID        string           `json:"modelId,omitempty"`
	SkipExtraction bool             `json:"skipExtraction,omitempty"`
	History        []HistoryMessage `json:"conversationHistory,omitempty"`
}

// ProcessContentResponse answers a processContent request.
type ProcessContentResponse struct {
	Success     bool   `json:"success"`
	StreamID    string `json:"streamId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

// CancelStreamRequest cancels a stream by id.
type CancelStreamRequest struct {
	StreamID string `json:"streamId"`
}

// GetStateRequest reads a tab's session record.
type GetStateRequest struct {
	TabID int64 `json:"tabId"`
}

// SetPrefsRequest stores per-tab preferences.
type SetPrefsRequest struct {
	TabID             int64  `json:"tabId"`
	ExtractionEnabled bool   `json:"extractionEnabled"`
	PlatformID        string `json:"platformId,omitempty"`
	ModelID           string `json:"modelId,omitempty"`
}

// ChunkData is the streaming payload inside a streamChunk push.
type ChunkData struct {
	Chunk       string `json:"chunk,omitempty"`
	Done        bool   `json:"done"`
	Model       string `json:"model,omitempty"`
	FullContent string `json:"fullContent,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StreamChunkPush is the per-tab streaming push to UI surfaces.
type StreamChunkPush struct {
	StreamID  string    `json:"streamId"`
	ChunkData ChunkData `json:"chunkData"`
}

// ExtractionCompleteEvent reports finished page extraction.
type ExtractionCompleteEvent struct {
	TabID   int64           `json:"tabId"`
	Payload extract.Payload `json:"payload"`
}

// ExtractionFailedEvent reports a failed page extraction.
type ExtractionFailedEvent struct {
	TabID  int64  `json:"tabId"`
	Reason string `json:"reason"`
}

// TabRemovedEvent reports a closed tab. IsWindowClosing marks removals that
// are part of a whole-window teardown.
type TabRemovedEvent struct {
	TabID           int64 `json:"tabId"`
	IsWindowClosing bool  `json:"isWindowClosing"`
}

// TabsSnapshotEvent carries the extension's current open-tab set.
type TabsSnapshotEvent struct {
	TabIDs []int64 `json:"tabIds"`
}

// InjectStrategyCommand loads an extraction strategy into a tab.
type InjectStrategyCommand struct {
	TabID       int64  `json:"tabId"`
	ContentType string `json:"contentType"`
}

// RequestExtractionCommand runs the loaded strategy.
type RequestExtractionCommand struct {
	TabID       int64  `json:"tabId"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

func encode(action string, id int, data any) (*Envelope, error) {
	env := &Envelope{ID: id, Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", action, err)
		}
		env.Data = raw
	}
	return env, nil
}

func decode[T any](env *Envelope) (*T, error) {
	var v T
	if len(env.Data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Action, err)
	}
	return &v, nil
}
