package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/spf13/cast"

	"github.com/nlweb-community/nlweb/pkg/core"
)

// mcpRequest is the /mcp request envelope.
type mcpRequest struct {
	FunctionCall struct {
		Name string `json:"name"`
		// Arguments is either a JSON-encoded string or an inline object.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function_call"`
}

// mcpHandler handles GET|POST /mcp: a function-call protocol wrapping the
// ask flow plus introspection functions.
func (s *Server) mcpHandler(c *echo.Context) error {
	req, err := parseMCPRequest(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, mcpError(err.Error()))
	}

	switch req.FunctionCall.Name {
	case "ask", "ask_nlw", "query", "search":
		return s.mcpAsk(c, req)
	case "list_tools":
		return c.JSON(http.StatusOK, mcpSuccess(mcpTools()))
	case "list_prompts":
		return c.JSON(http.StatusOK, mcpSuccess(s.prompts.List()))
	case "get_prompt":
		return s.mcpGetPrompt(c, req)
	case "get_sites":
		return c.JSON(http.StatusOK, mcpSuccess(s.cfg.NLWeb.Sites))
	default:
		return c.JSON(http.StatusOK, mcpError(fmt.Sprintf("unknown function %q", req.FunctionCall.Name)))
	}
}

func parseMCPRequest(c *echo.Context) (*mcpRequest, error) {
	var req mcpRequest

	switch c.Request().Method {
	case http.MethodGet:
		// GET carries the envelope in the body too, but tolerate the bare
		// function name as a query parameter.
		if name := c.QueryParam("function"); name != "" {
			req.FunctionCall.Name = name
			return &req, nil
		}
		fallthrough
	default:
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body")
		}
		if len(body) == 0 {
			return nil, fmt.Errorf("missing function_call")
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid function_call envelope")
		}
	}
	if req.FunctionCall.Name == "" {
		return nil, fmt.Errorf("missing function name")
	}
	return &req, nil
}

// mcpArguments decodes the arguments field, which clients send either as an
// object or as a JSON-encoded string.
func mcpArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &obj); err == nil {
			return obj
		}
	}
	return map[string]any{}
}

// mcpAsk runs the ask flow behind the function-call protocol.
func (s *Server) mcpAsk(c *echo.Context, mreq *mcpRequest) error {
	args := mcpArguments(mreq.FunctionCall.Arguments)

	values := map[string]string{}
	for key, v := range args {
		values[key] = cast.ToString(v)
	}
	// ask_nlw is the synthesis-mode alias.
	if mreq.FunctionCall.Name == "ask_nlw" && values["generate_mode"] == "" {
		values["generate_mode"] = string(core.ModeGenerate)
	}

	req := buildRequest(values, s.cfg)
	if req.Query == "" {
		return c.JSON(http.StatusBadRequest, mcpError("query argument is required"))
	}

	retriever, err := s.retriever(req.RetrievalEndpoint)
	if err != nil {
		slog.Error("Failed to resolve retrieval endpoint", "error", err)
		return c.JSON(http.StatusInternalServerError, mcpError("retrieval backend unavailable"))
	}

	queriesTotal.WithLabelValues(string(req.GenerateMode)).Inc()

	if !req.Streaming {
		alive := core.NewFlag(true)
		h := core.NewHandler(req, s.deps(retriever), core.NewCollectSink(req.QueryID, alive), alive)
		result, err := h.RunQuery(c.Request().Context())
		if err != nil {
			slog.Error("MCP query failed", "query_id", req.QueryID, "error", err)
			return c.JSON(http.StatusOK, mcpError("query failed"))
		}
		return c.JSON(http.StatusOK, mcpSuccess(result))
	}

	// Streaming: each pipeline message becomes a function_stream_event
	// frame, terminated by function_stream_end.
	w := c.Response()
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	alive := core.NewFlag(true)
	sink := core.NewStreamSink(&mcpStreamer{sse: sse}, req.QueryID, alive)
	h := core.NewHandler(req, s.deps(retriever), sink, alive)

	if _, err := h.RunQuery(c.Request().Context()); err != nil {
		slog.Error("MCP query failed", "query_id", req.QueryID, "error", err)
	}

	if alive.IsSet() {
		_ = sse.WriteMessage(core.Message{"type": "function_stream_end", "status": "success"})
	}
	return nil
}

// mcpStreamer wraps pipeline messages in the function-stream envelope.
type mcpStreamer struct {
	sse *sseWriter
}

func (m *mcpStreamer) WriteMessage(msg core.Message) error {
	return m.sse.WriteMessage(core.Message{
		"type":    "function_stream_event",
		"content": map[string]any{"partial_response": msg},
	})
}

func (s *Server) mcpGetPrompt(c *echo.Context, mreq *mcpRequest) error {
	args := mcpArguments(mreq.FunctionCall.Arguments)
	promptID := cast.ToString(args["prompt_id"])
	if promptID == "" {
		return c.JSON(http.StatusBadRequest, mcpError("prompt_id argument is required"))
	}

	for _, info := range s.prompts.List() {
		if info.Name != promptID {
			continue
		}
		p := s.prompts.Find(info.Site, info.ItemType, info.Name)
		if p == nil {
			continue
		}
		return c.JSON(http.StatusOK, mcpSuccess(map[string]any{
			"id":           info.Name,
			"site":         info.Site,
			"item_type":    info.ItemType,
			"template":     p.Template,
			"return_struc": p.AnswerSchema,
		}))
	}
	return c.JSON(http.StatusOK, mcpError(fmt.Sprintf("prompt %q not found", promptID)))
}

// mcpTools describes the callable functions.
func mcpTools() []map[string]any {
	askParams := map[string]any{
		"query":         "natural language question (required)",
		"site":          "site id, list, or 'all'",
		"prev":          "prior queries, comma separated",
		"context_url":   "url of the item being looked at",
		"generate_mode": "none | summarize | generate",
		"streaming":     "true | false",
	}
	return []map[string]any{
		{"name": "ask", "description": "Ask a question over the indexed sites", "parameters": askParams},
		{"name": "ask_nlw", "description": "Ask and synthesize a prose answer", "parameters": askParams},
		{"name": "query", "description": "Alias of ask", "parameters": askParams},
		{"name": "search", "description": "Alias of ask", "parameters": askParams},
		{"name": "list_prompts", "description": "List configured prompts", "parameters": map[string]any{}},
		{"name": "get_prompt", "description": "Fetch one prompt by id", "parameters": map[string]any{"prompt_id": "prompt name (required)"}},
		{"name": "get_sites", "description": "List allowed sites", "parameters": map[string]any{}},
	}
}

func mcpSuccess(response any) map[string]any {
	return map[string]any{
		"type":     "function_response",
		"status":   "success",
		"response": response,
	}
}

func mcpError(message string) map[string]any {
	return map[string]any{
		"type":     "function_response",
		"status":   "error",
		"response": message,
	}
}
