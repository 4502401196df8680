package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEmitAndSubscribe(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	var got []string
	Subscribe(s, "topic.a", func(_ context.Context, msg string) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	})

	Emit(s, "topic.a", "one")
	Emit(s, "topic.a", "two")
	Emit(s, "topic.b", "other topic")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("got %v, want [one two] in order", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewSubject(WithSyncDelivery())
	defer Complete(s)

	var mu sync.Mutex
	count := 0
	sub := Subscribe(s, "topic", func(_ context.Context, _ int) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	Emit(s, "topic", 1)
	time.Sleep(50 * time.Millisecond)
	sub.Unsubscribe()
	Emit(s, "topic", 2)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestEmitAfterComplete(t *testing.T) {
	s := NewSubject()
	Complete(s)
	if err := Emit(s, "topic", "x"); err == nil {
		t.Error("expected error emitting on a completed subject")
	}
}

func TestTabChannelTopic(t *testing.T) {
	if got := TabChannelTopic(42); got != "tab.channel.42" {
		t.Errorf("topic = %s", got)
	}
}
