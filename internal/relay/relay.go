package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pagerelay/pagerelay/internal/events"
	"github.com/pagerelay/pagerelay/internal/extract"
	"github.com/pagerelay/pagerelay/internal/janitor"
	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/session"
	"github.com/pagerelay/pagerelay/internal/store"
	"github.com/pagerelay/pagerelay/internal/stream"
)

// AuthHeader carries the relay token for non-loopback requests.
const AuthHeader = "x-pagerelay-token"

const extensionRequestTimeout = 10 * time.Second

// Socket keepalive budget. A peer that answers no ping within pongWait is
// presumed gone and its connection torn down, so one hung socket cannot
// stall fan-out for everyone else.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 5 * time.Second
)

type pendingRequest struct {
	resolve chan json.RawMessage
	reject  chan error
	timer   *time.Timer
}

// uiClient is one connected UI surface bound to a tab.
type uiClient struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	tabID        int64
	subscription events.Subscription
}

func (c *uiClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *uiClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Relay is the websocket hub bridging the extension (one connection) and UI
// surfaces (one per tab view) to the session machinery. It is also the
// extraction gateway's transport into the page context.
type Relay struct {
	store *store.Store
	bus   *events.Subject

	coordinator *session.Coordinator
	gateway     *extract.Gateway
	janitor     *janitor.Janitor

	authToken string
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	writeMu sync.Mutex // serializes writes to extensionWS

	extensionWS *websocket.Conn
	uiClients   map[string]*uiClient

	pendingRequests map[int]*pendingRequest
	nextRequestID   int
}

// New creates a relay over the store and event bus. Session collaborators
// are wired afterward via Attach because the gateway needs the relay as its
// transport.
func New(st *store.Store, bus *events.Subject) (*Relay, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}

	return &Relay{
		store:           st,
		bus:             bus,
		authToken:       base64.URLEncoding.EncodeToString(tokenBytes),
		uiClients:       make(map[string]*uiClient),
		pendingRequests: make(map[int]*pendingRequest),
		nextRequestID:   1,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if strings.HasPrefix(origin, "chrome-extension://") {
					return true
				}
				if origin == "" {
					return true
				}
				return strings.Contains(origin, "127.0.0.1") || strings.Contains(origin, "localhost")
			},
		},
	}, nil
}

// Attach wires the session collaborators after construction.
func (r *Relay) Attach(coord *session.Coordinator, gw *extract.Gateway, jan *janitor.Janitor) {
	r.coordinator = coord
	r.gateway = gw
	r.janitor = jan
}

// AuthToken returns the token non-loopback clients must present.
func (r *Relay) AuthToken() string {
	return r.authToken
}

// ExtensionConnected reports whether the extension socket is up.
func (r *Relay) ExtensionConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensionWS != nil
}

// Handler returns the websocket routes for mounting on the main server.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.HandleFunc("/extension", r.HandleExtensionWS)
	router.HandleFunc("/ui", r.HandleUIWS)
	return router
}

// HandleExtensionWS accepts the single extension connection.
func (r *Relay) HandleExtensionWS(w http.ResponseWriter, req *http.Request) {
	if !r.allow(w, req) {
		return
	}

	r.mu.Lock()
	if r.extensionWS != nil {
		r.mu.Unlock()
		http.Error(w, "extension already connected", http.StatusConflict)
		return
	}
	r.mu.Unlock()

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Warnf("relay: extension upgrade failed: %v", err)
		return
	}

	logging.Infof("relay: extension connected from %s", req.RemoteAddr)
	r.mu.Lock()
	r.extensionWS = ws
	r.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	pingTicker := time.NewTicker(pingPeriod)
	go func() {
		defer pingTicker.Stop()
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				r.writeMu.Lock()
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				err := ws.WriteJSON(&Envelope{Action: ActionPing})
				r.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			logging.Infof("relay: extension disconnected: %v", err)
			break
		}
		// Any frame counts as liveness; the extension answers the JSON
		// ping with a pong action rather than a control frame.
		ws.SetReadDeadline(time.Now().Add(pongWait))
		r.handleExtensionMessage(message)
	}
	close(done)

	r.mu.Lock()
	if r.extensionWS == ws {
		r.extensionWS = nil
	}
	for id, p := range r.pendingRequests {
		p.timer.Stop()
		p.reject <- fmt.Errorf("extension disconnected")
		delete(r.pendingRequests, id)
	}
	r.mu.Unlock()
}

// HandleUIWS accepts a UI surface connection bound to one tab (via the
// tabId query parameter) and subscribes it to that tab's stream pushes.
func (r *Relay) HandleUIWS(w http.ResponseWriter, req *http.Request) {
	if !r.allow(w, req) {
		return
	}

	var tabID int64
	if _, err := fmt.Sscanf(req.URL.Query().Get("tabId"), "%d", &tabID); err != nil {
		http.Error(w, "tabId query parameter required", http.StatusBadRequest)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	clientID := uuid.NewString()
	client := &uiClient{ws: ws, tabID: tabID}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	client.subscription = events.Subscribe(r.bus, events.TabChannelTopic(tabID),
		func(_ context.Context, u stream.Update) error {
			env, err := encode(ActionStreamChunk, 0, &StreamChunkPush{
				StreamID: u.StreamID,
				ChunkData: ChunkData{
					Chunk:       u.Chunk,
					Done:        u.Done,
					Model:       u.Model,
					FullContent: u.FullContent,
					Error:       u.Error,
				},
			})
			if err != nil {
				return err
			}
			return client.writeJSON(env)
		})

	r.mu.Lock()
	r.uiClients[clientID] = client
	r.mu.Unlock()

	logging.Debugf("relay: ui surface attached to tab %d", tabID)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logging.Warnf("relay: malformed ui message: %v", err)
			continue
		}
		r.handleUIMessage(client, &env)
	}
	close(done)

	r.mu.Lock()
	delete(r.uiClients, clientID)
	r.mu.Unlock()
	client.subscription.Unsubscribe()
	logging.Debugf("relay: ui surface for tab %d detached", tabID)
}

// allow enforces loopback-or-token access.
func (r *Relay) allow(w http.ResponseWriter, req *http.Request) bool {
	remoteIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	if isLoopbackIP(remoteIP) {
		token := req.Header.Get(AuthHeader)
		if token == "" || token == r.authToken {
			return true
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if req.Header.Get(AuthHeader) != r.authToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func isLoopbackIP(ip string) bool {
	if ip == "127.0.0.1" || strings.HasPrefix(ip, "127.") {
		return true
	}
	return ip == "::1" || strings.HasPrefix(ip, "::ffff:127.")
}
