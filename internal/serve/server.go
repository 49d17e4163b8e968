// Package serve exposes the respawn manager over HTTP: a REST API for
// per-session control and config, plus an SSE stream of the broadcast feed.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/deckhand/internal/history"
	"github.com/Dicklesworthstone/deckhand/internal/manager"
	"github.com/Dicklesworthstone/deckhand/internal/respawn"
)

const defaultPort = 7717

// SessionResolver turns a session id into a live session handle. The
// server calls it on enable requests; the CLI wires a tmux-backed one.
type SessionResolver func(id string) (respawn.Session, error)

// Config holds server configuration. The default bind is loopback only.
type Config struct {
	Host    string
	Port    int
	Manager *manager.Manager
	Resolve SessionResolver
	History *history.Store
	Logger  *slog.Logger
	Version string
}

// Server serves the respawn REST API and event stream.
type Server struct {
	host    string
	port    int
	mgr     *manager.Manager
	resolve SessionResolver
	hist    *history.Store
	logger  *slog.Logger
	version string
	router  chi.Router

	mu     sync.Mutex
	server *http.Server
}

// New builds a server. The manager is required.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("serve: manager is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		host:    cfg.Host,
		port:    cfg.Port,
		mgr:     cfg.Manager,
		resolve: cfg.Resolve,
		hist:    cfg.History,
		logger:  cfg.Logger,
		version: cfg.Version,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured bind address.
func (s *Server) Addr() string { return net.JoinHostPort(s.host, strconv.Itoa(s.port)) }

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived SSE streams at /events
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("[Serve] listening", "addr", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.recovererMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEventStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/events", s.handleEventStream)
		r.Get("/sessions", s.handleSessions)

		r.Route("/sessions/{id}/respawn", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Get("/status", s.handleStatus)
			r.Get("/config", s.handleGetConfig)
			r.Patch("/config", s.handlePatchConfig)
		})
		r.Post("/sessions/{id}/hook-events", s.handleHookEvent)
		r.Post("/sessions/{id}/output", s.handleOutput)

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/aggregate", s.handleAggregate)
			r.Get("/recent", s.handleRecent)
		})
		r.Get("/history", s.handleHistory)
	})

	return r
}

func (s *Server) recovererMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("[Serve] panic_recovered", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("[Serve] request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func writeSuccess(w http.ResponseWriter, status int, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["success"] = true
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	writeJSON(w, status, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{"version": s.version})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids := s.mgr.Sessions()
	sessions := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		st, err := s.mgr.Status(id)
		if err != nil {
			continue
		}
		sessions = append(sessions, map[string]any{
			"id":               id,
			"state":            st.State,
			"question_pending": st.QuestionPending,
			"last_output_at":   st.LastOutputAt.UTC().Format(time.RFC3339),
		})
	}
	writeSuccess(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.resolve == nil {
		writeError(w, http.StatusServiceUnavailable, "session resolver not configured")
		return
	}
	session, err := s.resolve(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("resolve session %s: %v", id, err))
		return
	}
	if err := s.mgr.Enable(session); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"session": id, "enabled": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.Disable(id); err != nil {
		if errors.Is(err, manager.ErrSessionNotManaged) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"session": id, "enabled": false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.mgr.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"status": st})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.mgr.Config(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"config": cfg})
}

// handlePatchConfig merges a partial config into the running controller.
// Durations are JSON numbers in nanoseconds.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch respawn.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode patch: %v", err))
		return
	}
	if err := s.mgr.UpdateConfig(id, patch); err != nil {
		if errors.Is(err, manager.ErrSessionNotManaged) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, _ := s.mgr.Config(id)
	writeSuccess(w, http.StatusOK, map[string]any{"config": cfg})
}

type hookEventRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req hookEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode hook event: %v", err))
		return
	}
	if err := s.mgr.HandleHookEvent(id, req.Event); err != nil {
		if errors.Is(err, manager.ErrSessionNotManaged) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"session": id, "event": req.Event})
}

type outputRequest struct {
	Chunk string `json:"chunk"`
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req outputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode output: %v", err))
		return
	}
	s.mgr.HandleOutput(id, req.Chunk)
	writeSuccess(w, http.StatusAccepted, nil)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{"aggregate": s.mgr.Aggregate()})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20)
	writeSuccess(w, http.StatusOK, map[string]any{"cycles": s.mgr.RecentCycles(limit)})
}

// handleHistory reads from the durable archive rather than the rolling
// window, so it can reach back past the last hundred cycles.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	limit := parseLimit(r, 50)
	cycles, err := s.hist.Recent(r.URL.Query().Get("session"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// handleEventStream streams the manager's broadcast feed as SSE.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	feed, cancel := s.mgr.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"time\":\"%s\"}\n\n",
		time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-feed:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
