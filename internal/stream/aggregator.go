package stream

import (
	"strings"
	"sync"

	"github.com/pagerelay/pagerelay/internal/events"
	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/platform"
	"github.com/pagerelay/pagerelay/internal/store"
)

// Update is the per-tab push sent to attached UI surfaces. Incremental
// updates carry Chunk with Done=false; exactly one terminal update per
// stream carries Done=true with the full transcript (and the error, if any).
type Update struct {
	StreamID    string `json:"streamId"`
	Chunk       string `json:"chunk,omitempty"`
	Done        bool   `json:"done"`
	Model       string `json:"model,omitempty"`
	FullContent string `json:"fullContent,omitempty"`
	Error       string `json:"error,omitempty"`
}

// arena is the in-memory accumulation state for one stream attempt. The
// builder is the working copy; the store row is the durable one. Keeping
// the working copy here lets accumulation survive a failed intermediate
// persist, with the terminal write reconciling the two.
type arena struct {
	tabID     int64
	model     string
	content   strings.Builder
	finalized bool
}

// Aggregator accumulates stream chunks per streamId, persists progress, and
// fans updates out on the owning tab's event topic.
type Aggregator struct {
	store *store.Store
	bus   *events.Subject

	mu     sync.Mutex
	arenas map[string]*arena
}

// NewAggregator creates an aggregator publishing on bus.
func NewAggregator(st *store.Store, bus *events.Subject) *Aggregator {
	return &Aggregator{
		store:  st,
		bus:    bus,
		arenas: make(map[string]*arena),
	}
}

// Begin registers a stream before its first chunk can arrive. Chunks for
// unregistered streams are treated as stale and dropped.
func (a *Aggregator) Begin(tabID int64, streamID string) {
	a.mu.Lock()
	a.arenas[streamID] = &arena{tabID: tabID}
	a.mu.Unlock()
}

// Drop invalidates a stream so any chunks still in flight are ignored.
// Idempotent; used by cancel and by session reset.
func (a *Aggregator) Drop(streamID string) {
	a.mu.Lock()
	delete(a.arenas, streamID)
	a.mu.Unlock()
}

// Live reports whether the stream is still accepting chunks.
func (a *Aggregator) Live(streamID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ar, ok := a.arenas[streamID]
	return ok && !ar.finalized
}

// OnChunk processes one destination chunk for streamID. Chunks for unknown
// or finalized streams are dropped silently. Terminal chunks finalize the
// store record and emit exactly one Done update.
func (a *Aggregator) OnChunk(streamID string, c platform.Chunk) {
	a.mu.Lock()
	ar, ok := a.arenas[streamID]
	if !ok || ar.finalized {
		a.mu.Unlock()
		logging.Debugf("stream %s: dropping stale chunk", streamID)
		return
	}
	if c.Model != "" {
		ar.model = c.Model
	}
	if c.Done {
		ar.finalized = true
		delete(a.arenas, streamID)
		a.mu.Unlock()
		a.finalize(streamID, ar, c)
		return
	}
	ar.content.WriteString(c.Text)
	full := ar.content.Len()
	a.mu.Unlock()

	if err := a.store.AppendContent(ar.tabID, streamID, c.Text); err != nil {
		// The guarded append fails both when storage is unhappy and when
		// the record was rebound to a newer stream. Only the latter stops
		// forwarding.
		rec, recErr := a.store.GetSessionByStream(streamID)
		if recErr == nil && (rec == nil || rec.Status != store.StatusStreaming) {
			logging.Debugf("stream %s: record gone, dropping stream", streamID)
			a.Drop(streamID)
			return
		}
		logging.Warnf("stream %s: persist chunk failed (%d bytes in memory): %v", streamID, full, err)
	}

	a.publish(ar.tabID, Update{
		StreamID: streamID,
		Chunk:    c.Text,
		Model:    ar.model,
	})
}

// finalize writes the terminal record and emits the one Done update. Runs
// outside the aggregator lock; the arena is already unreachable.
func (a *Aggregator) finalize(streamID string, ar *arena, c platform.Chunk) {
	full := ar.content.String()

	status := store.StatusCompleted
	errMsg := ""
	if c.Err != nil {
		status = store.StatusError
		errMsg = c.Err.Error()
	}

	landed, err := a.store.FinalizeSession(ar.tabID, streamID, status, full, errMsg)
	if err != nil {
		logging.Errorf("stream %s: terminal write failed: %v", streamID, err)
	} else if !landed {
		// The record was rebound to a newer stream. A superseded stream
		// must not reach the UI, terminal included.
		logging.Debugf("stream %s: record rebound before terminal, dropping", streamID)
		return
	}

	if status == store.StatusCompleted && full != "" {
		if err := a.store.SaveSnapshot(ar.tabID, ar.model, full); err != nil {
			logging.Warnf("stream %s: snapshot write failed: %v", streamID, err)
		}
	}

	a.publish(ar.tabID, Update{
		StreamID:    streamID,
		Done:        true,
		Model:       ar.model,
		FullContent: full,
		Error:       errMsg,
	})
}

func (a *Aggregator) publish(tabID int64, u Update) {
	if err := events.Emit(a.bus, events.TabChannelTopic(tabID), u); err != nil {
		logging.Debugf("stream %s: publish skipped: %v", u.StreamID, err)
	}
}
