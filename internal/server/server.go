package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pagerelay/pagerelay/internal/config"
	"github.com/pagerelay/pagerelay/internal/events"
	"github.com/pagerelay/pagerelay/internal/extract"
	"github.com/pagerelay/pagerelay/internal/janitor"
	"github.com/pagerelay/pagerelay/internal/logging"
	"github.com/pagerelay/pagerelay/internal/platform"
	"github.com/pagerelay/pagerelay/internal/relay"
	"github.com/pagerelay/pagerelay/internal/resolve"
	"github.com/pagerelay/pagerelay/internal/session"
	"github.com/pagerelay/pagerelay/internal/store"
	"github.com/pagerelay/pagerelay/internal/stream"
)

// Run wires every component and serves until the context is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := checkAddrAvailable(cfg.ListenAddr()); err != nil {
		return fmt.Errorf("%s is already in use, is another instance running?", cfg.ListenAddr())
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Sync delivery keeps per-tab chunk pushes ordered and serializes the
	// websocket writes done from subscription handlers.
	bus := events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(256))
	defer events.Complete(bus)

	policy := resolve.LoadPolicy(config.DataDir())
	if err := policy.StartWatcher(); err != nil {
		logging.Warnf("server: models.yaml watcher unavailable: %v", err)
	}
	defer policy.StopWatcher()

	hub, err := relay.New(st, bus)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	registry := platform.NewRegistry()
	registry.OllamaBaseURL = cfg.Platforms.OllamaBaseURL

	gateway := extract.NewGateway(hub, st, cfg.ExtractionTimeout())
	resolver := resolve.NewResolver(st, policy, cfg.Defaults.PlatformID)
	agg := stream.NewAggregator(st, bus)
	coord := session.NewCoordinator(st, gateway, resolver, registry, agg)
	jan := janitor.New(st, gateway, agg)
	hub.Attach(coord, gateway, jan)

	if err := jan.StartSchedule(cfg.Janitor.ReconcileSchedule, hub.OpenTabs); err != nil {
		logging.Warnf("server: reconcile schedule invalid: %v", err)
	}
	defer jan.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"status":             "ok",
			"extensionConnected": hub.ExtensionConnected(),
		})
	})
	r.Get("/api/session/{tabId}", func(w http.ResponseWriter, req *http.Request) {
		tabID, err := strconv.ParseInt(chi.URLParam(req, "tabId"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tabId", http.StatusBadRequest)
			return
		}
		rec, err := st.GetSession(tabID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	})
	r.Get("/api/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		snap, err := st.GetSnapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, "no snapshot", http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
	})
	r.Get("/api/prompts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, resolve.Prompts())
	})
	r.Mount("/ws", hub.Handler())

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("server: listening on http://%s", cfg.ListenAddr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// checkAddrAvailable checks that the configured listen address can be bound.
// It probes the exact host:port the server will use, so a listener on some
// other interface's same port does not count as a conflict.
func checkAddrAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
