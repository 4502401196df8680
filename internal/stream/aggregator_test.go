package stream

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pagerelay/pagerelay/internal/events"
	"github.com/pagerelay/pagerelay/internal/platform"
	"github.com/pagerelay/pagerelay/internal/store"
)

type updateSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *updateSink) record(_ context.Context, u Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return nil
}

func (s *updateSink) snapshot() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *updateSink) waitFor(t *testing.T, cond func([]Update) bool) []Update {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); cond(got) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met, updates: %+v", s.snapshot())
	return nil
}

func setup(t *testing.T) (*store.Store, *events.Subject, *Aggregator, *updateSink) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewSubject(events.WithSyncDelivery())
	t.Cleanup(func() { events.Complete(bus) })

	agg := NewAggregator(st, bus)
	sink := &updateSink{}
	events.Subscribe(bus, events.TabChannelTopic(1), sink.record)
	return st, bus, agg, sink
}

func startStreaming(t *testing.T, st *store.Store, tabID int64, streamID string) {
	t.Helper()
	if err := st.BeginSession(tabID, streamID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := st.SetStatus(tabID, streamID, store.StatusStreaming); err != nil {
		t.Fatalf("set streaming: %v", err)
	}
}

func TestChunksAccumulateAndFanOut(t *testing.T) {
	st, _, agg, sink := setup(t)
	startStreaming(t, st, 1, "s1")
	agg.Begin(1, "s1")

	agg.OnChunk("s1", platform.Chunk{Text: "Hello, ", Model: "m"})
	agg.OnChunk("s1", platform.Chunk{Text: "world.", Model: "m"})
	agg.OnChunk("s1", platform.Chunk{Done: true, Model: "m"})

	got := sink.waitFor(t, func(us []Update) bool { return len(us) == 3 })

	if got[0].Chunk != "Hello, " || got[1].Chunk != "world." {
		t.Errorf("chunks out of order: %+v", got)
	}
	last := got[2]
	if !last.Done {
		t.Error("last update should be terminal")
	}
	if last.FullContent != "Hello, world." {
		t.Errorf("fullContent = %q", last.FullContent)
	}

	rec, _ := st.GetSession(1)
	if rec.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.Accumulated != "Hello, world." {
		t.Errorf("accumulated = %q", rec.Accumulated)
	}

	snap, _ := st.GetSnapshot()
	if snap == nil || snap.Content != "Hello, world." {
		t.Errorf("snapshot = %+v, want completed transcript", snap)
	}
}

func TestTerminalEmittedExactlyOnce(t *testing.T) {
	st, _, agg, sink := setup(t)
	startStreaming(t, st, 1, "s1")
	agg.Begin(1, "s1")

	agg.OnChunk("s1", platform.Chunk{Done: true})
	agg.OnChunk("s1", platform.Chunk{Done: true})
	agg.OnChunk("s1", platform.Chunk{Text: "late"})

	got := sink.waitFor(t, func(us []Update) bool { return len(us) >= 1 })
	time.Sleep(50 * time.Millisecond)
	got = sink.snapshot()

	if len(got) != 1 || !got[0].Done {
		t.Errorf("want exactly one terminal update, got %+v", got)
	}
}

func TestErrorChunkFinalizesWithError(t *testing.T) {
	st, _, agg, sink := setup(t)
	startStreaming(t, st, 1, "s1")
	agg.Begin(1, "s1")

	agg.OnChunk("s1", platform.Chunk{Text: "partial"})
	agg.OnChunk("s1", platform.Chunk{Done: true, Err: errors.New("rate limited")})

	got := sink.waitFor(t, func(us []Update) bool { return len(us) == 2 })
	last := got[1]
	if !last.Done || last.Error != "rate limited" {
		t.Errorf("terminal = %+v, want error payload", last)
	}

	rec, _ := st.GetSession(1)
	if rec.Status != store.StatusError {
		t.Errorf("status = %s, want error", rec.Status)
	}
	if rec.ErrorMessage != "rate limited" {
		t.Errorf("errorMessage = %q", rec.ErrorMessage)
	}

	// Errors never overwrite the last-completed snapshot.
	if snap, _ := st.GetSnapshot(); snap != nil {
		t.Error("error stream must not write a snapshot")
	}
}

func TestStaleStreamIgnored(t *testing.T) {
	st, _, agg, sink := setup(t)
	startStreaming(t, st, 1, "old")
	agg.Begin(1, "old")

	// A new session supersedes the old stream.
	agg.Drop("old")
	startStreaming(t, st, 1, "new")
	agg.Begin(1, "new")

	agg.OnChunk("old", platform.Chunk{Text: "stale text"})
	agg.OnChunk("old", platform.Chunk{Done: true})
	agg.OnChunk("new", platform.Chunk{Text: "fresh"})
	agg.OnChunk("new", platform.Chunk{Done: true})

	got := sink.waitFor(t, func(us []Update) bool {
		return len(us) == 2
	})
	for _, u := range got {
		if u.StreamID != "new" {
			t.Errorf("update from stale stream delivered: %+v", u)
		}
	}

	rec, _ := st.GetSession(1)
	if rec.Accumulated != "fresh" {
		t.Errorf("accumulated = %q, stale chunk must not land", rec.Accumulated)
	}
}

func TestSupersededStreamTerminalNotPublished(t *testing.T) {
	st, _, agg, sink := setup(t)

	// The record is already bound to the newer stream, but the older
	// stream's arena is still registered and its first delivery is the
	// terminal chunk (an empty stream or an open failure).
	startStreaming(t, st, 1, "newer")
	agg.Begin(1, "older")

	agg.OnChunk("older", platform.Chunk{Done: true, Model: "m"})

	time.Sleep(50 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Errorf("terminal for superseded stream reached the UI: %+v", got)
	}

	rec, _ := st.GetSession(1)
	if rec.Status != store.StatusStreaming || rec.StreamID != "newer" {
		t.Errorf("newer session was touched: %+v", rec)
	}
	if snap, _ := st.GetSnapshot(); snap != nil {
		t.Error("superseded stream must not write a snapshot")
	}
}

func TestUnknownStreamDropped(t *testing.T) {
	_, _, agg, sink := setup(t)

	agg.OnChunk("never-registered", platform.Chunk{Text: "x"})
	agg.OnChunk("never-registered", platform.Chunk{Done: true})

	time.Sleep(50 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Errorf("expected no updates, got %+v", got)
	}
}
