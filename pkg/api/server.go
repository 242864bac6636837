// Package api provides the HTTP surface: the /ask query endpoint with SSE
// streaming, the /mcp function-call endpoint, and diagnostics.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/core"
	"github.com/nlweb-community/nlweb/pkg/llm"
	"github.com/nlweb-community/nlweb/pkg/prompts"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config
	llmClient  llm.Client
	prompts    *prompts.Store
}

// NewServer creates the API server over Echo v5.
func NewServer(cfg *config.Config, llmClient llm.Client, store *prompts.Store) *Server {
	e := echo.New()

	s := &Server{
		echo:      e,
		cfg:       cfg,
		llmClient: llmClient,
		prompts:   store,
	}
	s.setupRoutes()
	return s
}

// setupRoutes registers all routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(1 * 1024 * 1024))
	s.echo.Use(requestMetrics())

	s.echo.GET("/ask", s.askHandler)
	s.echo.POST("/ask", s.askHandler)
	s.echo.GET("/mcp", s.mcpHandler)
	s.echo.POST("/mcp", s.mcpHandler)
	s.echo.GET("/mcp/health", s.mcpHealthHandler)
	s.echo.GET("/who", s.whoHandler)
	s.echo.GET("/sites", s.sitesHandler)
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", metricsHandler)

	if dir := s.cfg.Server.StaticDir; dir != "" {
		s.echo.Static("/", dir)
	}
}

// retriever resolves the retrieval client for a request, honoring the
// development-mode ?db= override.
func (s *Server) retriever(endpointOverride string) (retrieval.Client, error) {
	name := ""
	if s.cfg.IsDevelopmentMode() && endpointOverride != "" {
		name = endpointOverride
	}
	return retrieval.Get(s.cfg, name)
}

// deps bundles the collaborators handed to every query handler.
func (s *Server) deps(retriever retrieval.Client) core.Deps {
	return core.Deps{
		LLM:       s.llmClient,
		Retriever: retriever,
		Prompts:   s.prompts,
		Config:    s.cfg,
	}
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
