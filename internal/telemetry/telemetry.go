// Package telemetry exposes the log bus over HTTP: JSON snapshots of
// run sessions and buffered events, plus a Server-Sent Events stream
// carrying `runs`, `log` and `ping` events for live subscribers.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowtestlabs/flowtest/internal/logbus"
)

const pingInterval = 15 * time.Second

// Start binds to the requested port (0 = OS-assigned), registers the
// telemetry routes, and begins serving in a background goroutine.
// Returns the actual bound port and a shutdown function that drains the
// server gracefully.
func Start(bus *logbus.Bus, logger *zap.Logger, port int) (actualPort int, shutdown func(), err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, nil, fmt.Errorf("telemetry: failed to bind port: %w", err)
	}
	actualPort = ln.Addr().(*net.TCPAddr).Port

	h := &handlers{bus: bus, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", h.getRuns)
	mux.HandleFunc("GET /api/events", h.getEvents)
	mux.HandleFunc("GET /api/stream", h.stream)

	srv := &http.Server{
		Handler:     corsMiddleware(mux),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /api/stream holds its connection open for the
		// lifetime of the subscription.
	}

	go func() { _ = srv.Serve(ln) }()
	logger.Info("telemetry listening", zap.Int("port", actualPort))

	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		logger.Info("telemetry stopped")
	}

	return actualPort, shutdown, nil
}

// corsMiddleware adds permissive CORS headers suitable for localhost-only use.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type handlers struct {
	bus    *logbus.Bus
	logger *zap.Logger
}

// writeJSON serializes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// filterFromQuery parses the shared runId/levels/limit query params.
func filterFromQuery(r *http.Request) (logbus.Filter, int) {
	f := logbus.Filter{RunID: r.URL.Query().Get("runId")}
	if raw := r.URL.Query().Get("levels"); raw != "" {
		for _, lv := range strings.Split(raw, ",") {
			if lv = strings.TrimSpace(lv); lv != "" {
				f.Levels = append(f.Levels, logbus.Level(lv))
			}
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return f, limit
}

func (h *handlers) getRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.ListSessions())
}

func (h *handlers) getEvents(w http.ResponseWriter, r *http.Request) {
	filter, limit := filterFromQuery(r)
	writeJSON(w, http.StatusOK, h.bus.GetBufferedEvents(filter, limit))
}

// stream is the SSE endpoint: an initial `runs` snapshot, a replay of
// buffered `log` events matching the filter, then live delivery with a
// `ping` keepalive every 15 seconds.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	filter, limit := filterFromQuery(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying the buffer so no event published in
	// between is lost; the subscriber queue absorbs the overlap.
	sub := h.bus.Subscribe(filter)
	defer sub.Unsubscribe()

	writeSSE(w, "runs", "", h.bus.ListSessions())
	for _, ev := range h.bus.GetBufferedEvents(filter, limit) {
		writeSSE(w, "log", ev.ID, ev)
	}
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			writeSSE(w, "ping", "", map[string]interface{}{"ts": time.Now().UnixMilli()})
			flusher.Flush()
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			writeSSE(w, "log", ev.ID, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event, id string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
