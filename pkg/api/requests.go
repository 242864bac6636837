package api

import (
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"github.com/spf13/cast"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/core"
)

// param reads a request parameter from the query string, falling back to
// form values on POST.
func param(c *echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}
	return c.FormValue(name)
}

// parseAskRequest builds a normalized core.Request from HTTP parameters.
// Site values outside the allowlist are silently replaced by the allowed
// set; a missing query_id gets a generated one.
func parseAskRequest(c *echo.Context, cfg *config.Config) core.Request {
	values := map[string]string{}
	for _, name := range []string{
		"query", "site", "prev", "decontextualized_query", "context_url",
		"context_description", "query_id", "streaming", "generate_mode",
		"model", "db",
	} {
		values[name] = param(c, name)
	}
	return buildRequest(values, cfg)
}

// buildRequest normalizes raw string parameters into a core.Request.
// Shared by /ask and the /mcp function-call path.
func buildRequest(values map[string]string, cfg *config.Config) core.Request {
	req := core.Request{
		Query:                 values["query"],
		Site:                  values["site"],
		DecontextualizedQuery: values["decontextualized_query"],
		ContextURL:            values["context_url"],
		ContextDescription:    values["context_description"],
		QueryID:               values["query_id"],
		Model:                 values["model"],
		RetrievalEndpoint:     values["db"],
	}

	if req.Site == "" {
		req.Site = "all"
	}
	req.Sites = cfg.NormalizeSites(values["site"])

	req.PrevQueries = splitListParam(values["prev"])

	if req.QueryID == "" {
		req.QueryID = uuid.NewString()
	}

	req.Streaming = true
	if v := values["streaming"]; v != "" {
		req.Streaming = cast.ToBool(v)
	}

	switch values["generate_mode"] {
	case string(core.ModeSummarize):
		req.GenerateMode = core.ModeSummarize
	case string(core.ModeGenerate):
		req.GenerateMode = core.ModeGenerate
	default:
		req.GenerateMode = core.ModeNone
	}
	return req
}

// splitListParam parses "[a, b]" or "a,b" into a list.
func splitListParam(raw string) []string {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
