// Package api implements the HTTP surface: the streaming chat endpoint
// plus health, stats, and registry introspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/halide-studio/assistant/internal/buildinfo"
	"github.com/halide-studio/assistant/internal/convo"
	"github.com/halide-studio/assistant/internal/kb"
	"github.com/halide-studio/assistant/internal/llm"
	"github.com/halide-studio/assistant/internal/metrics"
	"github.com/halide-studio/assistant/internal/tools"
	"github.com/halide-studio/assistant/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	orchestrator *convo.Orchestrator
	registry     *tools.Registry
	collector    *metrics.Collector
	client       llm.Client
	kbStore      *kb.Store
	usageStore   *usage.Store
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates the API server. kbStore and usageStore may be nil;
// the corresponding endpoints degrade gracefully.
func NewServer(
	address string,
	port int,
	orchestrator *convo.Orchestrator,
	registry *tools.Registry,
	collector *metrics.Collector,
	client llm.Client,
	logger *slog.Logger,
) *Server {
	return &Server{
		address:      address,
		port:         port,
		orchestrator: orchestrator,
		registry:     registry,
		collector:    collector,
		client:       client,
		logger:       logger,
	}
}

// SetKBStore configures the knowledge base store for health reporting.
func (s *Server) SetKBStore(store *kb.Store) {
	s.kbStore = store
}

// SetUsageStore configures the usage store for the stats endpoint.
func (s *Server) SetUsageStore(store *usage.Store) {
	s.usageStore = store
}

// Register adds the API routes to mux. Exposed separately so the voice
// surface can share the listener.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/tools/{id}/metrics", s.handleToolMetrics)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)
}

// Start begins serving HTTP requests. Additional surfaces (the voice
// websocket) register through extra so they share the listener. Blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context, extra ...func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	s.Register(mux)
	for _, register := range extra {
		register(mux)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "halide-assistant",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":          "healthy",
		"uptime_sec":      int(buildinfo.Uptime().Seconds()),
		"registry_locked": s.registry.Locked(),
		"tools":           len(s.registry.Snapshot().ToolIDs),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx); err != nil {
		health["provider"] = "unreachable"
	} else {
		health["provider"] = "ok"
	}

	if s.kbStore != nil {
		if n, err := s.kbStore.Count(r.Context()); err == nil {
			health["kb_documents"] = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, health, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{"build": buildinfo.Info()}

	if s.usageStore != nil {
		end := time.Now()
		start := end.Add(-24 * time.Hour)
		if sum, err := s.usageStore.Summary(start, end); err == nil {
			stats["usage_24h"] = sum
		}
		if byModel, err := s.usageStore.SummaryByModel(start, end); err == nil {
			stats["usage_24h_by_model"] = byModel
		}
	}

	toolStats := make(map[string]metrics.ToolSummary)
	for _, id := range s.collector.ToolIDs() {
		if sum, ok := s.collector.Summary(id); ok {
			toolStats[id] = sum
		}
	}
	stats["tools"] = toolStats

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"registry_version": snap.Version,
		"commit":           snap.Commit,
		"tools":            snap.ToolIDs,
	}, s.logger)
}

func (s *Server) handleToolMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, ok := s.collector.Summary(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no metrics for tool "+id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sum, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}, s.logger)
}
