package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is the function called when an event is emitted.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
}

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithSyncDelivery forces synchronous (inline) event delivery. This
// serializes all handler calls within the single eventLoop goroutine, which
// matters when handlers must not run concurrently (e.g. WebSocket writes)
// and when per-topic ordering must be preserved.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// Emit emits an event to the given topic.
func Emit[T any](subject *Subject, topic string, value T) error {
	evt := event{topic: topic, message: value}
	select {
	case subject.events <- evt:
		return nil
	case <-subject.shutdown:
		return fmt.Errorf("subject closed")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emit timed out on topic %s", topic)
	}
}

// Subscribe subscribes a typed handler to the given topic. The returned
// Subscription unsubscribes from the topic.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("type assertion failed for %T", data)
		}
		return handler(ctx, typed)
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)
	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, subID),
		Handler: wrapped,
	}
	subject.addSubscription(sub)
	sub.Unsubscribe = func() {
		subject.removeSubscription(sub.ID)
	}
	return sub
}

// Complete shuts down the event system. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

type event struct {
	topic   string
	message any
}

// Subscription represents a handler subscribed to a specific topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Subject is a topic-based fan-out bus. Subscribers are stored behind an
// atomic pointer with copy-on-write updates so the event loop reads them
// lock-free.
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64

	events   chan event
	shutdown chan struct{}

	config subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a new Subject with optional configuration.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}
	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	s.wg.Add(1)
	go s.eventLoop()
	return s
}

func (s *Subject) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			subs := s.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range topicSubs {
					s.deliver(sub, evt)
				}
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sub.Handler(ctx, evt.message)
	}
	if s.config.syncDelivery {
		run()
	} else {
		go run()
	}
}

func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)
		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func (s *Subject) removeSubscription(subID string) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := copySubscribers(*oldSubs)

		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}
