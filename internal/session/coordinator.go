package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/pagerelay/pagerelay/internal/extract"
	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/platform"
	"github.com/pagerelay/pagerelay/internal/resolve"
	"github.com/pagerelay/pagerelay/internal/store"
	"github.com/pagerelay/pagerelay/internal/stream"
)

// RequestSpec is everything a UI surface supplies to start a session.
type RequestSpec struct {
	URL            string
	SelectedText   string
	CustomPrompt   string
	PromptID       string
	PlatformID     string
	ModelID        string
	SkipExtraction bool
	History        []platform.Message
}

// Handle correlates a started session for the caller.
type Handle struct {
	StreamID    string
	ContentType string
}

// Sender opens one streaming destination call. Implemented by the platform
// registry; faked in tests.
type Sender interface {
	Send(ctx context.Context, platformID string, req *platform.Request, onChunk platform.ChunkFunc) error
}

// Gateway runs extractions. Implemented by extract.Gateway; faked in tests.
type Gateway interface {
	Extract(ctx context.Context, tabID int64, url, selectedText string) *extract.Result
}

// Coordinator orchestrates the full session lifecycle for each tab:
// reset, extract (or reuse cache), resolve, stream, finalize. It is the
// only writer of status transitions and owns the one-live-session-per-tab
// invariant.
type Coordinator struct {
	store    *store.Store
	gateway  Gateway
	resolver *resolve.Resolver
	sender   Sender
	agg      *stream.Aggregator
}

// NewCoordinator wires the coordinator's collaborators.
func NewCoordinator(st *store.Store, gw Gateway, res *resolve.Resolver, sender Sender, agg *stream.Aggregator) *Coordinator {
	return &Coordinator{
		store:    st,
		gateway:  gw,
		resolver: res,
		sender:   sender,
		agg:      agg,
	}
}

// Start begins a new session for the tab, superseding any non-terminal one.
// It runs extraction and resolution inline, then opens the destination call
// in the background and returns the handle; chunks flow to the aggregator.
// Fatal failures return a structured error after the record is finalized.
func (c *Coordinator) Start(ctx context.Context, tabID int64, spec RequestSpec) (*Handle, *SessionError) {
	streamID := uuid.NewString()

	if err := c.reset(tabID, streamID); err != nil {
		return nil, &SessionError{Code: CodeDestinationCallFailed, Err: err}
	}

	formatted, contentType := c.obtainContent(ctx, tabID, spec)

	if err := c.store.SetStatus(tabID, streamID, store.StatusResolving); err != nil {
		logging.Warnf("session tab %d: status write: %v", tabID, err)
	}

	res, err := c.resolver.Resolve(tabID, resolve.Request{
		CustomPrompt: spec.CustomPrompt,
		PromptID:     spec.PromptID,
		PlatformID:   spec.PlatformID,
		ModelID:      spec.ModelID,
		ContentType:  contentType,
	})
	if err != nil {
		sessErr := classifyResolveErr(err)
		c.fail(streamID, sessErr)
		return nil, sessErr
	}

	if err := c.store.SetDestination(tabID, streamID, res.PlatformID, res.ModelID, contentType); err != nil {
		logging.Warnf("session tab %d: destination write: %v", tabID, err)
	}
	if err := c.store.SetStatus(tabID, streamID, store.StatusProcessing); err != nil {
		logging.Warnf("session tab %d: status write: %v", tabID, err)
	}

	req := &platform.Request{
		Prompt:           res.PromptText,
		FormattedContent: formatted,
		History:          spec.History,
		ModelID:          res.ModelID,
		Temperature:      res.Temperature,
		MaxTokens:        res.MaxTokens,
	}

	if err := c.store.SetStatus(tabID, streamID, store.StatusStreaming); err != nil {
		logging.Warnf("session tab %d: status write: %v", tabID, err)
	}

	go func() {
		err := c.sender.Send(context.Background(), res.PlatformID, req, func(ch platform.Chunk) {
			c.agg.OnChunk(streamID, ch)
		})
		if err != nil {
			// Open failure: the aggregator never saw a chunk, so route the
			// terminal through it to keep the one-Done guarantee.
			sessErr := &SessionError{Code: CodeDestinationCallFailed, Err: err}
			logging.Errorf("session tab %d: %v", tabID, sessErr)
			c.agg.OnChunk(streamID, platform.Chunk{Done: true, Err: sessErr, Model: res.ModelID})
		}
	}()

	return &Handle{StreamID: streamID, ContentType: contentType}, nil
}

// Cancel invalidates a stream so further chunks are ignored and resets the
// owning record to idle. Advisory only; the in-flight destination call runs
// to its own completion. Idempotent after the first call.
func (c *Coordinator) Cancel(streamID string) {
	rec, err := c.store.GetSessionByStream(streamID)
	if err != nil {
		logging.Warnf("session: cancel lookup %s: %v", streamID, err)
		return
	}
	if rec == nil {
		return
	}

	lock := c.store.TabLock(rec.TabID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a Start for the same tab may have rebound the
	// record between the lookup and the lock, and its session must survive.
	rec, err = c.store.GetSession(rec.TabID)
	if err != nil {
		logging.Warnf("session: cancel re-read %s: %v", streamID, err)
		return
	}
	if rec == nil || rec.StreamID != streamID {
		return
	}

	c.agg.Drop(streamID)
	if err := c.store.ResetSession(rec.TabID, streamID); err != nil {
		logging.Warnf("session tab %d: cancel reset: %v", rec.TabID, err)
	}
	logging.Infof("session tab %d: stream %s cancelled", rec.TabID, streamID)
}

// reset forces any prior session for the tab to terminal state, writes the
// fresh record, and registers the new stream's arena, all under the tab lock
// so two rapid starts serialize and neither sees a half-switched stream.
func (c *Coordinator) reset(tabID int64, streamID string) error {
	lock := c.store.TabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := c.store.GetSession(tabID)
	if err != nil {
		return err
	}
	if prior != nil && !prior.Status.Terminal() {
		logging.Infof("session tab %d: superseding live stream %s", tabID, prior.StreamID)
		c.agg.Drop(prior.StreamID)
	}
	if err := c.store.BeginSession(tabID, streamID); err != nil {
		return err
	}
	c.agg.Begin(tabID, streamID)
	return nil
}

// obtainContent implements the cache-or-skip contract: cached content is
// reused when present; otherwise extraction runs unless the caller skipped
// it or the tab disabled it. Extraction failure degrades to no content.
func (c *Coordinator) obtainContent(ctx context.Context, tabID int64, spec RequestSpec) (formatted, contentType string) {
	contentType = extract.ClassifyURL(spec.URL, spec.SelectedText)

	cached, err := c.store.GetContent(tabID)
	if err != nil {
		logging.Warnf("session tab %d: content cache read: %v", tabID, err)
	}
	if cached != nil {
		// Cache presence suppresses re-extraction outright. The formatted
		// text itself is only resent on the first turn; follow-ups already
		// carry it in history.
		if len(spec.History) == 0 {
			logging.Debugf("session tab %d: reusing cached %s content", tabID, cached.ContentType)
			return cached.Formatted, cached.ContentType
		}
		return "", cached.ContentType
	}

	if spec.SkipExtraction {
		return "", contentType
	}
	if prefs, err := c.store.GetPrefs(tabID); err == nil && prefs != nil && !prefs.ExtractionEnabled {
		return "", contentType
	}

	res := c.gateway.Extract(ctx, tabID, spec.URL, spec.SelectedText)
	if res == nil {
		logging.Warnf("session tab %d: no extracted content, proceeding prompt-only", tabID)
		return "", contentType
	}
	return res.Formatted, res.ContentType
}

// fail finalizes a session that never reached the destination. The terminal
// flows through the aggregator so the record and any attached UI see the
// same single Done message.
func (c *Coordinator) fail(streamID string, sessErr *SessionError) {
	c.agg.OnChunk(streamID, platform.Chunk{Done: true, Err: sessErr})
}
