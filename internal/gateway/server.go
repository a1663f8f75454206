// Package gateway is the HTTP surface: chat (one-shot, SSE, WebSocket),
// conversation management, tool passthrough, health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/tools"
)

// Server hosts the API.
type Server struct {
	agent    *agent.Agent
	repo     conversations.Repository
	registry *tools.Registry
	client   llm.Client
	logger   *observability.Logger
	metrics  *observability.Metrics

	httpServer      *http.Server
	listenAddr      string
	shutdownTimeout time.Duration
}

// Config configures the server.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// New assembles the server and its routes.
func New(cfg Config, ag *agent.Agent, repo conversations.Repository, registry *tools.Registry, client llm.Client, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		agent:           ag,
		repo:            repo,
		registry:        registry,
		client:          client,
		logger:          logger,
		metrics:         metrics,
		listenAddr:      cfg.ListenAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.listenAddr == "" {
		s.listenAddr = ":8080"
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}", s.handleRenameConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/export", s.handleExportConversation)
	mux.HandleFunc("POST /api/conversations/import", s.handleImportConversation)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools/execute", s.handleExecuteTool)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withObservability(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "http server listening", "addr", s.listenAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(shutdownCtx, "http server shutdown error", "error", err)
		return err
	}
	s.logger.Info(shutdownCtx, "http server stopped")
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	LLM    bool   `json:"llm"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", LLM: true}
	status := http.StatusOK
	if s.client != nil && !s.client.HealthCheck(r.Context()) {
		resp.Status = "degraded"
		resp.LLM = false
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
