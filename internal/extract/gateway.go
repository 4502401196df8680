package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/store"
)

// Bridge is the extension-side transport the gateway drives. Implemented by
// the websocket relay; faked in tests.
type Bridge interface {
	// InjectStrategy loads the extraction strategy for contentType into the
	// tab's page context. Safe to call when already loaded.
	InjectStrategy(ctx context.Context, tabID int64, contentType string) error
	// RequestExtraction commands the loaded strategy to run. The result
	// arrives asynchronously via Gateway.Complete.
	RequestExtraction(ctx context.Context, tabID int64, contentType, url string) error
}

// Result is one finished extraction, formatted for prompt inclusion.
type Result struct {
	ContentType string
	Formatted   string
}

// Payload is the raw extraction output reported by the page context.
type Payload struct {
	ContentType string `json:"contentType"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Text        string `json:"text"`
}

// Gateway runs extractions against browser tabs. Each call injects the
// strategy if needed, issues the command, and waits for the completion
// signal under a hard timeout. Timeouts and failures resolve to nil rather
// than an error so callers can proceed prompt-only.
type Gateway struct {
	bridge  Bridge
	store   *store.Store
	timeout time.Duration

	mu       sync.Mutex
	waiters  map[int64]chan *Result
	injected map[int64]string
}

// NewGateway creates a gateway with the given completion timeout.
func NewGateway(bridge Bridge, st *store.Store, timeout time.Duration) *Gateway {
	return &Gateway{
		bridge:   bridge,
		store:    st,
		timeout:  timeout,
		waiters:  make(map[int64]chan *Result),
		injected: make(map[int64]string),
	}
}

// Extract runs one extraction for the tab and returns the formatted result,
// or nil if the page did not produce content in time. The tab's cached
// content row is cleared up front so a stale cache can never satisfy a
// fresh request.
func (g *Gateway) Extract(ctx context.Context, tabID int64, url, selectedText string) *Result {
	contentType := ClassifyURL(url, selectedText)

	if err := g.store.DeleteContent(tabID); err != nil {
		logging.Warnf("extract: clear cache for tab %d: %v", tabID, err)
	}

	// Selected text never round-trips through the page; format it directly.
	if contentType == TypeSelectedText {
		res := &Result{
			ContentType: TypeSelectedText,
			Formatted:   FormatPayload(&Payload{ContentType: TypeSelectedText, URL: url, Text: selectedText}),
		}
		g.cache(tabID, res)
		return res
	}

	if err := g.ensureInjected(ctx, tabID, contentType); err != nil {
		logging.Warnf("extract: inject %s strategy into tab %d: %v", contentType, tabID, err)
		return nil
	}

	waiter := g.registerWaiter(tabID)
	defer g.dropWaiter(tabID, waiter)

	if err := g.bridge.RequestExtraction(ctx, tabID, contentType, url); err != nil {
		logging.Warnf("extract: request for tab %d: %v", tabID, err)
		return nil
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if res == nil {
			return nil
		}
		g.cache(tabID, res)
		return res
	case <-timer.C:
		logging.Warnf("extract: tab %d timed out after %s, proceeding without content", tabID, g.timeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Complete delivers a finished extraction reported by the page context. A
// missing waiter means the session moved on (timeout or cancel); the result
// is still cached for the next request.
func (g *Gateway) Complete(tabID int64, payload *Payload) {
	res := &Result{
		ContentType: payload.ContentType,
		Formatted:   FormatPayload(payload),
	}

	g.mu.Lock()
	waiter := g.waiters[tabID]
	delete(g.waiters, tabID)
	g.mu.Unlock()

	if waiter != nil {
		waiter <- res
		return
	}
	g.cache(tabID, res)
}

// Fail resolves a pending wait without content, letting the session proceed
// prompt-only instead of riding out the full timeout.
func (g *Gateway) Fail(tabID int64, reason string) {
	g.mu.Lock()
	waiter := g.waiters[tabID]
	delete(g.waiters, tabID)
	g.mu.Unlock()

	if waiter != nil {
		logging.Warnf("extract: tab %d reported failure: %s", tabID, reason)
		waiter <- nil
	}
}

// ForgetTab drops the tab's injection mark and any pending waiter. Called by
// the janitor when the tab closes.
func (g *Gateway) ForgetTab(tabID int64) {
	g.mu.Lock()
	delete(g.injected, tabID)
	waiter := g.waiters[tabID]
	delete(g.waiters, tabID)
	g.mu.Unlock()

	if waiter != nil {
		waiter <- nil
	}
}

func (g *Gateway) ensureInjected(ctx context.Context, tabID int64, contentType string) error {
	g.mu.Lock()
	loaded := g.injected[tabID] == contentType
	g.mu.Unlock()
	if loaded {
		return nil
	}

	if err := g.bridge.InjectStrategy(ctx, tabID, contentType); err != nil {
		return err
	}

	g.mu.Lock()
	g.injected[tabID] = contentType
	g.mu.Unlock()
	return nil
}

// registerWaiter installs a fresh buffered completion channel for the tab,
// displacing any stale one from an abandoned attempt. The old channel is
// simply dropped; its buffer slot means a racing Complete never blocks.
func (g *Gateway) registerWaiter(tabID int64) chan *Result {
	ch := make(chan *Result, 1)
	g.mu.Lock()
	g.waiters[tabID] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gateway) dropWaiter(tabID int64, ch chan *Result) {
	g.mu.Lock()
	if g.waiters[tabID] == ch {
		delete(g.waiters, tabID)
	}
	g.mu.Unlock()
}

func (g *Gateway) cache(tabID int64, res *Result) {
	if err := g.store.PutContent(tabID, res.ContentType, res.Formatted); err != nil {
		logging.Warnf("extract: cache content for tab %d: %v", tabID, err)
	}
}

// FormatPayload renders raw extraction output as prompt-ready text.
func FormatPayload(p *Payload) string {
	var b strings.Builder
	switch p.ContentType {
	case TypeYouTube:
		b.WriteString("Video transcript")
	case TypeReddit:
		b.WriteString("Discussion thread")
	case TypePDF:
		b.WriteString("Document")
	case TypeSelectedText:
		b.WriteString("Selected text")
	default:
		b.WriteString("Page content")
	}
	if p.Title != "" {
		fmt.Fprintf(&b, ": %s", p.Title)
	}
	b.WriteString("\n")
	if p.URL != "" {
		fmt.Fprintf(&b, "Source: %s\n", p.URL)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(p.Text))
	return b.String()
}
