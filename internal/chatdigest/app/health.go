package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/chatdigest/common/version"
)

// HealthServer exposes /health, /status and any additionally registered
// endpoints (e.g. /metrics). It is optional; chatdigest runs without it when
// HTTPAddr is empty.
type HealthServer struct {
	addr      string
	store     statusProvider
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// statusProvider is the minimal interface the health server needs from the
// store.
type statusProvider interface {
	Ping(ctx context.Context) error
	ConversationCount(ctx context.Context) (int, error)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	Commit            string    `json:"commit"`
	BuildTime         string    `json:"build_time"`
	StartedAt         time.Time `json:"started_at"`
	UptimeSecs        float64   `json:"uptime_seconds"`
	ConversationCount int       `json:"conversation_count"`
}

// NewHealthServer creates the HTTP server without starting it.
func NewHealthServer(addr string, sp statusProvider) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		store:     sp,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest.NewRecorder.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Handle registers an extra route. Call it before Start.
func (h *HealthServer) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

// Start listens in the background. It returns once the listener is open.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

// handleHealth reports ok while the database answers.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	count := 0
	if h.store != nil {
		if n, err := h.store.ConversationCount(r.Context()); err == nil {
			count = n
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:            "ok",
		Version:           version.Version,
		Commit:            version.GitCommit,
		BuildTime:         version.BuildTime,
		StartedAt:         h.startedAt,
		UptimeSecs:        time.Since(h.startedAt).Seconds(),
		ConversationCount: count,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
