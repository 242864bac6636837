package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nlweb-community/nlweb/pkg/version"
)

// healthHandler handles GET /health. Only local readiness is reported;
// external providers are excluded so an upstream outage does not get this
// process restarted.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": version.Full(),
		"configuration": map[string]int{
			"llm_providers":       len(s.cfg.LLM.Providers),
			"retrieval_endpoints": len(s.cfg.Retrieval.Endpoints),
			"sites":               len(s.cfg.NLWeb.Sites),
		},
	})
}

// mcpHealthHandler handles GET /mcp/health.
func (s *Server) mcpHealthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
