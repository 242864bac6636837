package api

import (
	"log/slog"
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"
	"github.com/samber/lo"

	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

// whoHandler handles GET /who: a diagnostic listing of which sites hold the
// best matches for a query.
func (s *Server) whoHandler(c *echo.Context) error {
	query := c.QueryParam("query")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter is required")
	}

	retriever, err := s.retriever(c.QueryParam("db"))
	if err != nil {
		slog.Error("Failed to resolve retrieval endpoint", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "retrieval backend unavailable")
	}

	items, err := retriever.Search(c.Request().Context(), query, s.cfg.NLWeb.Sites, 50)
	if err != nil {
		slog.Error("Who lookup failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	counts := lo.CountValuesBy(items, func(item retrieval.Item) string { return item.Site })
	type siteHits struct {
		Site string `json:"site"`
		Hits int    `json:"hits"`
	}
	ranked := lo.MapToSlice(counts, func(site string, hits int) siteHits {
		return siteHits{Site: site, Hits: hits}
	})
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Hits > ranked[j].Hits })

	return c.JSON(http.StatusOK, map[string]any{
		"query": query,
		"sites": ranked,
	})
}

// sitesHandler handles GET /sites: the configured allowlist.
func (s *Server) sitesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sites": s.cfg.NLWeb.Sites})
}
