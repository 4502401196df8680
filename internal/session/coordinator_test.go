package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pagerelay/pagerelay/internal/events"
	"github.com/pagerelay/pagerelay/internal/extract"
	"github.com/pagerelay/pagerelay/internal/platform"
	"github.com/pagerelay/pagerelay/internal/resolve"
	"github.com/pagerelay/pagerelay/internal/store"
	"github.com/pagerelay/pagerelay/internal/stream"
)

type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	result *extract.Result
}

func (g *fakeGateway) Extract(_ context.Context, _ int64, _, _ string) *extract.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.result
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// fakeSender scripts the destination stream. If gate is non-nil, Send blocks
// until the gate closes, simulating a slow destination.
type fakeSender struct {
	mu        sync.Mutex
	calls     int
	requests  []*platform.Request
	chunks    []platform.Chunk
	openErr   error
	gate      chan struct{}
	firstGate chan struct{}
}

func (s *fakeSender) Send(_ context.Context, _ string, req *platform.Request, onChunk platform.ChunkFunc) error {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	chunks := s.chunks
	gate := s.gate
	if gate != nil && s.firstGate == nil {
		s.firstGate = gate
	}
	err := s.openErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if gate != nil {
		<-gate
	}
	for _, c := range chunks {
		onChunk(c)
	}
	return nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type env struct {
	store   *store.Store
	gateway *fakeGateway
	sender  *fakeSender
	coord   *Coordinator
	agg     *stream.Aggregator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewSubject(events.WithSyncDelivery())
	t.Cleanup(func() { events.Complete(bus) })

	resolver := resolve.NewResolver(st, resolve.LoadPolicy(t.TempDir()), "anthropic")
	resolver.SetCredentialCheck(func(string) bool { return true })

	gw := &fakeGateway{result: &extract.Result{ContentType: "general", Formatted: "page text"}}
	sender := &fakeSender{chunks: []platform.Chunk{
		{Text: "answer ", Model: "test-model"},
		{Text: "text", Model: "test-model"},
		{Done: true, Model: "test-model"},
	}}
	agg := stream.NewAggregator(st, bus)

	return &env{
		store:   st,
		gateway: gw,
		sender:  sender,
		coord:   NewCoordinator(st, gw, resolver, sender, agg),
		agg:     agg,
	}
}

func waitStatus(t *testing.T, st *store.Store, tabID int64, want store.Status) *store.SessionRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.GetSession(tabID)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if rec != nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := st.GetSession(tabID)
	t.Fatalf("status never reached %s, record: %+v", want, rec)
	return nil
}

func baseSpec() RequestSpec {
	return RequestSpec{
		URL:      "https://example.com/article",
		PromptID: "summarize",
		ModelID:  "test-model",
	}
}

func TestFullLifecycle(t *testing.T) {
	e := newEnv(t)

	handle, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("start: %v", sessErr)
	}
	if handle.StreamID == "" {
		t.Fatal("expected a stream id")
	}
	if handle.ContentType != "general" {
		t.Errorf("contentType = %s, want general", handle.ContentType)
	}

	rec := waitStatus(t, e.store, 1, store.StatusCompleted)
	if rec.Accumulated != "answer text" {
		t.Errorf("accumulated = %q", rec.Accumulated)
	}
	if rec.PlatformID != "anthropic" || rec.ModelID != "test-model" {
		t.Errorf("destination = %s/%s", rec.PlatformID, rec.ModelID)
	}

	if e.gateway.callCount() != 1 {
		t.Errorf("extraction ran %d times, want 1", e.gateway.callCount())
	}
	if e.sender.callCount() != 1 {
		t.Errorf("destination opened %d times, want 1", e.sender.callCount())
	}

	e.sender.mu.Lock()
	req := e.sender.requests[0]
	e.sender.mu.Unlock()
	if req.FormattedContent != "page text" {
		t.Errorf("formatted content = %q", req.FormattedContent)
	}
	if req.Prompt == "" {
		t.Error("prompt text missing")
	}
}

func TestCredentialsMissingIsTerminalBeforeSend(t *testing.T) {
	e := newEnv(t)
	resolver := resolve.NewResolver(e.store, resolve.LoadPolicy(t.TempDir()), "anthropic")
	resolver.SetCredentialCheck(func(string) bool { return false })
	e.coord.resolver = resolver

	_, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr == nil {
		t.Fatal("expected a session error")
	}
	if sessErr.Code != CodeCredentialsMissing {
		t.Errorf("code = %s, want CredentialsMissing", sessErr.Code)
	}

	rec := waitStatus(t, e.store, 1, store.StatusError)
	if rec.ErrorMessage == "" {
		t.Error("errorMessage not persisted")
	}
	if e.sender.callCount() != 0 {
		t.Error("destination must not be called")
	}
}

func TestPromptNotFoundIsTerminal(t *testing.T) {
	e := newEnv(t)

	spec := baseSpec()
	spec.PromptID = "no-such-prompt"
	_, sessErr := e.coord.Start(context.Background(), 1, spec)
	if sessErr == nil || sessErr.Code != CodePromptNotFound {
		t.Fatalf("err = %v, want PromptNotFound", sessErr)
	}
	waitStatus(t, e.store, 1, store.StatusError)
}

func TestDestinationOpenFailure(t *testing.T) {
	e := newEnv(t)
	e.sender.openErr = errors.New("connection refused")

	_, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("start itself should succeed, got %v", sessErr)
	}

	rec := waitStatus(t, e.store, 1, store.StatusError)
	if rec.ErrorMessage == "" {
		t.Error("open failure not persisted")
	}
}

func TestRapidRestartSupersedesFirstStream(t *testing.T) {
	e := newEnv(t)

	// First session's destination stalls until released.
	e.sender.gate = make(chan struct{})
	first, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("first start: %v", sessErr)
	}

	// Second request for the same tab supersedes the first.
	e.sender.mu.Lock()
	e.sender.gate = nil
	e.sender.chunks = []platform.Chunk{
		{Text: "second answer", Model: "test-model"},
		{Done: true, Model: "test-model"},
	}
	e.sender.mu.Unlock()

	second, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("second start: %v", sessErr)
	}
	if second.StreamID == first.StreamID {
		t.Fatal("stream id reused")
	}

	rec := waitStatus(t, e.store, 1, store.StatusCompleted)
	if rec.StreamID != second.StreamID {
		t.Errorf("record bound to %s, want %s", rec.StreamID, second.StreamID)
	}

	// Release the first stream; its chunks must not land anywhere.
	close(findGate(e))

	time.Sleep(50 * time.Millisecond)
	rec, _ = e.store.GetSession(1)
	if rec.Accumulated != "second answer" {
		t.Errorf("accumulated = %q, stale chunks leaked", rec.Accumulated)
	}
}

// findGate returns the gate the first Send is blocked on.
func findGate(e *env) chan struct{} {
	e.sender.mu.Lock()
	defer e.sender.mu.Unlock()
	return e.sender.firstGate
}

func TestCancelIsIdempotentAdvisory(t *testing.T) {
	e := newEnv(t)
	e.sender.gate = make(chan struct{})

	handle, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("start: %v", sessErr)
	}

	e.coord.Cancel(handle.StreamID)
	e.coord.Cancel(handle.StreamID) // second cancel is a no-op

	rec, _ := e.store.GetSession(1)
	if rec.Status != store.StatusIdle {
		t.Errorf("status = %s, want idle after cancel", rec.Status)
	}

	// Let the destination finish; its chunks are stale now.
	close(findGate(e))
	time.Sleep(50 * time.Millisecond)

	rec, _ = e.store.GetSession(1)
	if rec.Status != store.StatusIdle || rec.Accumulated != "" {
		t.Errorf("cancelled session mutated: %+v", rec)
	}
}

func TestCancelRacingRestartKeepsNewSession(t *testing.T) {
	e := newEnv(t)

	if err := e.store.BeginSession(1, "first"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	e.agg.Begin(1, "first")

	// Hold the tab lock so Cancel looks up "first" and then blocks. While
	// it waits, a new session rebinds the record.
	lock := e.store.TabLock(1)
	lock.Lock()

	done := make(chan struct{})
	go func() {
		e.coord.Cancel("first")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := e.store.BeginSession(1, "second"); err != nil {
		t.Fatalf("begin second: %v", err)
	}
	e.agg.Begin(1, "second")
	lock.Unlock()
	<-done

	rec, _ := e.store.GetSession(1)
	if rec.StreamID != "second" {
		t.Errorf("streamID = %q, cancel wiped the new session", rec.StreamID)
	}
	if rec.Status != store.StatusExtracting {
		t.Errorf("status = %s, want extracting", rec.Status)
	}
	if !e.agg.Live("second") {
		t.Error("new session's stream was dropped")
	}
}

func TestSkipExtraction(t *testing.T) {
	e := newEnv(t)

	spec := baseSpec()
	spec.SkipExtraction = true
	_, sessErr := e.coord.Start(context.Background(), 1, spec)
	if sessErr != nil {
		t.Fatalf("start: %v", sessErr)
	}
	waitStatus(t, e.store, 1, store.StatusCompleted)

	if e.gateway.callCount() != 0 {
		t.Error("extraction must not run when skipped")
	}
}

func TestCachedContentSuppressesExtraction(t *testing.T) {
	e := newEnv(t)
	e.store.PutContent(1, "youtube", "cached transcript")

	handle, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("start: %v", sessErr)
	}
	if handle.ContentType != "youtube" {
		t.Errorf("contentType = %s, want cached youtube", handle.ContentType)
	}
	waitStatus(t, e.store, 1, store.StatusCompleted)

	if e.gateway.callCount() != 0 {
		t.Error("extraction must not run with cached content")
	}

	e.sender.mu.Lock()
	req := e.sender.requests[0]
	e.sender.mu.Unlock()
	if req.FormattedContent != "cached transcript" {
		t.Errorf("formatted = %q, want cached transcript", req.FormattedContent)
	}
}

func TestExtractionFailureDegradesToPromptOnly(t *testing.T) {
	e := newEnv(t)
	e.gateway.result = nil

	_, sessErr := e.coord.Start(context.Background(), 1, baseSpec())
	if sessErr != nil {
		t.Fatalf("start: %v", sessErr)
	}
	waitStatus(t, e.store, 1, store.StatusCompleted)

	e.sender.mu.Lock()
	req := e.sender.requests[0]
	e.sender.mu.Unlock()
	if req.FormattedContent != "" {
		t.Errorf("formatted = %q, want empty on failed extraction", req.FormattedContent)
	}
}
