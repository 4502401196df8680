package platform

import (
	"context"
	"errors"
	"testing"
)

type scriptedProvider struct {
	id     string
	events []StreamEvent
	err    error
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) Stream(_ context.Context, _ *Request) (<-chan StreamEvent, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan StreamEvent, len(p.events))
	for _, e := range p.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func TestSendDrainsInOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedProvider{id: "test", events: []StreamEvent{
		{Type: EventTypeText, Text: "a"},
		{Type: EventTypeText, Text: "b"},
		{Type: EventTypeDone},
	}})

	var chunks []Chunk
	err := r.Send(context.Background(), "test", &Request{ModelID: "m"}, func(c Chunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Text != "a" || chunks[1].Text != "b" {
		t.Errorf("text order wrong: %+v", chunks)
	}
	if !chunks[2].Done || chunks[2].Err != nil {
		t.Errorf("terminal = %+v", chunks[2])
	}
}

func TestSendStreamErrorReachesTerminal(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedProvider{id: "test", events: []StreamEvent{
		{Type: EventTypeText, Text: "partial"},
		{Type: EventTypeError, Error: errors.New("quota exceeded")},
	}})

	var last Chunk
	terminal := 0
	err := r.Send(context.Background(), "test", &Request{}, func(c Chunk) {
		if c.Done {
			terminal++
			last = c
		}
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if terminal != 1 {
		t.Errorf("terminal count = %d, want 1", terminal)
	}
	if last.Err == nil {
		t.Error("terminal chunk should carry the stream error")
	}
}

func TestSendClosedWithoutTerminalStillDone(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedProvider{id: "test", events: []StreamEvent{
		{Type: EventTypeText, Text: "a"},
	}})

	sawDone := false
	err := r.Send(context.Background(), "test", &Request{}, func(c Chunk) {
		if c.Done {
			sawDone = true
		}
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sawDone {
		t.Error("channel close without terminal must still emit Done")
	}
}

func TestSendOpenFailureNeverInvokesCallback(t *testing.T) {
	r := NewRegistry()
	r.Register(&scriptedProvider{id: "test", err: errors.New("bad key")})

	called := false
	err := r.Send(context.Background(), "test", &Request{}, func(Chunk) { called = true })
	if err == nil {
		t.Fatal("expected open error")
	}
	if called {
		t.Error("onChunk must not fire when the call never opened")
	}
}

func TestUnknownPlatform(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Provider("nope"); err == nil {
		t.Error("expected error for unknown platform")
	}
}

func TestRequestUserText(t *testing.T) {
	req := &Request{Prompt: "Summarize this.", FormattedContent: "Page content\n\nbody"}
	got := req.UserText()
	if got != "Summarize this.\n\nPage content\n\nbody" {
		t.Errorf("userText = %q", got)
	}

	promptOnly := &Request{Prompt: "Just answer."}
	if promptOnly.UserText() != "Just answer." {
		t.Errorf("prompt-only userText = %q", promptOnly.UserText())
	}
}
