package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/platform"
	"github.com/pagerelay/pagerelay/internal/resolve"
	"github.com/pagerelay/pagerelay/internal/session"
	"github.com/pagerelay/pagerelay/internal/store"
)

// handleExtensionMessage dispatches one frame from the extension socket.
// Every action is matched explicitly; unknown actions are logged, never
// silently swallowed.
func (r *Relay) handleExtensionMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Warnf("relay: malformed extension message: %v", err)
		return
	}

	switch env.Action {
	case ActionResponse:
		r.resolvePending(&env)

	case ActionExtractionComplete:
		evt, err := decode[ExtractionCompleteEvent](&env)
		if err != nil {
			logging.Warnf("relay: %v", err)
			return
		}
		r.gateway.Complete(evt.TabID, &evt.Payload)

	case ActionExtractionFailed:
		evt, err := decode[ExtractionFailedEvent](&env)
		if err != nil {
			logging.Warnf("relay: %v", err)
			return
		}
		r.gateway.Fail(evt.TabID, evt.Reason)

	case ActionTabRemoved:
		evt, err := decode[TabRemovedEvent](&env)
		if err != nil {
			logging.Warnf("relay: %v", err)
			return
		}
		r.janitor.OnTabRemoved(evt.TabID, evt.IsWindowClosing)

	case ActionTabsSnapshot:
		evt, err := decode[TabsSnapshotEvent](&env)
		if err != nil {
			logging.Warnf("relay: %v", err)
			return
		}
		r.janitor.Reconcile(evt.TabIDs)

	case ActionPong:
		// keepalive only

	default:
		logging.Warnf("relay: unhandled extension action %q", env.Action)
	}
}

func (r *Relay) resolvePending(env *Envelope) {
	r.mu.Lock()
	pending := r.pendingRequests[env.ID]
	delete(r.pendingRequests, env.ID)
	r.mu.Unlock()

	if pending == nil {
		return
	}
	pending.timer.Stop()
	if env.Error != "" {
		pending.reject <- errors.New(env.Error)
		return
	}
	pending.resolve <- env.Data
}

// sendToExtension writes one request frame and waits for the matching
// response, bounded by the context and a hard timeout.
func (r *Relay) sendToExtension(ctx context.Context, action string, data any) (json.RawMessage, error) {
	r.mu.Lock()
	ws := r.extensionWS
	id := r.nextRequestID
	r.nextRequestID++
	r.mu.Unlock()

	if ws == nil {
		return nil, fmt.Errorf("extension not connected")
	}

	env, err := encode(action, id, data)
	if err != nil {
		return nil, err
	}

	resolve := make(chan json.RawMessage, 1)
	reject := make(chan error, 1)
	timer := time.AfterFunc(extensionRequestTimeout, func() {
		r.mu.Lock()
		delete(r.pendingRequests, id)
		r.mu.Unlock()
		reject <- fmt.Errorf("extension request %s timed out", action)
	})

	r.mu.Lock()
	r.pendingRequests[id] = &pendingRequest{resolve: resolve, reject: reject, timer: timer}
	r.mu.Unlock()

	r.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteJSON(env)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pendingRequests, id)
		r.mu.Unlock()
		timer.Stop()
		return nil, err
	}

	select {
	case result := <-resolve:
		return result, nil
	case err := <-reject:
		return nil, err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pendingRequests, id)
		r.mu.Unlock()
		timer.Stop()
		return nil, ctx.Err()
	}
}

// InjectStrategy implements extract.Bridge.
func (r *Relay) InjectStrategy(ctx context.Context, tabID int64, contentType string) error {
	_, err := r.sendToExtension(ctx, ActionInjectStrategy, &InjectStrategyCommand{
		TabID:       tabID,
		ContentType: contentType,
	})
	return err
}

// RequestExtraction implements extract.Bridge. The command is acknowledged
// here; the extracted content itself arrives later as extractionComplete.
func (r *Relay) RequestExtraction(ctx context.Context, tabID int64, contentType, url string) error {
	_, err := r.sendToExtension(ctx, ActionRequestExtraction, &RequestExtractionCommand{
		TabID:       tabID,
		ContentType: contentType,
		URL:         url,
	})
	return err
}

// OpenTabs asks the extension for its current open-tab set. Used by the
// janitor's scheduled reconcile.
func (r *Relay) OpenTabs(ctx context.Context) ([]int64, error) {
	raw, err := r.sendToExtension(ctx, ActionListTabs, nil)
	if err != nil {
		return nil, err
	}
	var evt TabsSnapshotEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode tab list: %w", err)
	}
	return evt.TabIDs, nil
}

// StateResponse is the getState reply: the tab's session record plus
// whether the extension is connected.
type StateResponse struct {
	TabID              int64  `json:"tabId"`
	StreamID           string `json:"streamId,omitempty"`
	Status             string `json:"status"`
	PlatformID         string `json:"platformId,omitempty"`
	ModelID            string `json:"modelId,omitempty"`
	ContentType        string `json:"contentType,omitempty"`
	AccumulatedContent string `json:"accumulatedContent,omitempty"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	ExtensionConnected bool   `json:"extensionConnected"`
}

// SnapshotResponse is the getSnapshot reply.
type SnapshotResponse struct {
	TabID       int64  `json:"tabId"`
	ModelID     string `json:"modelId,omitempty"`
	Content     string `json:"content,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`
}

// PromptInfo is one listPrompts entry.
type PromptInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// handleUIMessage dispatches one frame from a UI surface. Request/response
// actions answer on the same socket with the request's id.
func (r *Relay) handleUIMessage(c *uiClient, env *Envelope) {
	switch env.Action {
	case ActionProcessContent:
		req, err := decode[ProcessContentRequest](env)
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		// Start blocks on extraction, so it runs off the read loop.
		go r.startSession(c, env.ID, req)

	case ActionCancelStream:
		req, err := decode[CancelStreamRequest](env)
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		r.coordinator.Cancel(req.StreamID)
		r.respond(c, env.ID, map[string]bool{"success": true})

	case ActionGetState:
		req, err := decode[GetStateRequest](env)
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		rec, err := r.store.GetSession(req.TabID)
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		resp := &StateResponse{TabID: req.TabID, Status: string(store.StatusIdle), ExtensionConnected: r.ExtensionConnected()}
		if rec != nil {
			resp.StreamID = rec.StreamID
			resp.Status = string(rec.Status)
			resp.PlatformID = rec.PlatformID
			resp.ModelID = rec.ModelID
			resp.ContentType = rec.ContentType
			resp.AccumulatedContent = rec.Accumulated
			resp.ErrorMessage = rec.ErrorMessage
		}
		r.respond(c, env.ID, resp)

	case ActionGetSnapshot:
		snap, err := r.store.GetSnapshot()
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		resp := &SnapshotResponse{}
		if snap != nil {
			resp.TabID = snap.TabID
			resp.ModelID = snap.ModelID
			resp.Content = snap.Content
			resp.CompletedAt = snap.CompletedAt.Unix()
		}
		r.respond(c, env.ID, resp)

	case ActionSetPrefs:
		req, err := decode[SetPrefsRequest](env)
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		err = r.store.SetPrefs(store.TabPrefs{
			TabID:             req.TabID,
			ExtractionEnabled: req.ExtractionEnabled,
			PlatformID:        req.PlatformID,
			ModelID:           req.ModelID,
		})
		if err != nil {
			r.respondError(c, env, err.Error())
			return
		}
		r.respond(c, env.ID, map[string]bool{"success": true})

	case ActionListPrompts:
		prompts := resolve.Prompts()
		list := make([]PromptInfo, 0, len(prompts))
		for _, p := range prompts {
			list = append(list, PromptInfo{ID: p.ID, Title: p.Title})
		}
		r.respond(c, env.ID, list)

	default:
		r.respondError(c, env, fmt.Sprintf("unknown action %q", env.Action))
	}
}

func (r *Relay) startSession(c *uiClient, id int, req *ProcessContentRequest) {
	history := make([]platform.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, platform.Message{Role: m.Role, Content: m.Content})
	}

	handle, sessErr := r.coordinator.Start(context.Background(), req.TabID, session.RequestSpec{
		URL:            req.URL,
		SelectedText:   req.SelectedText,
		CustomPrompt:   req.CustomPrompt,
		PromptID:       req.PromptID,
		PlatformID:     req.PlatformID,
		ModelID:        req.ModelID,
		SkipExtraction: req.SkipExtraction,
		History:        history,
	})
	if sessErr != nil {
		r.respond(c, id, &ProcessContentResponse{
			Success: false,
			Error:   sessErr.Err.Error(),
			Code:    string(sessErr.Code),
		})
		return
	}
	r.respond(c, id, &ProcessContentResponse{
		Success:     true,
		StreamID:    handle.StreamID,
		ContentType: handle.ContentType,
	})
}

func (r *Relay) respond(c *uiClient, id int, data any) {
	env, err := encode(ActionResponse, id, data)
	if err != nil {
		logging.Warnf("relay: %v", err)
		return
	}
	if err := c.writeJSON(env); err != nil {
		logging.Debugf("relay: ui write failed: %v", err)
	}
}

func (r *Relay) respondError(c *uiClient, req *Envelope, msg string) {
	env := &Envelope{ID: req.ID, Action: ActionResponse, Error: msg}
	if err := c.writeJSON(env); err != nil {
		logging.Debugf("relay: ui write failed: %v", err)
	}
}
