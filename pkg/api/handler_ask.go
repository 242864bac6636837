package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nlweb-community/nlweb/pkg/core"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

// askHandler handles GET|POST /ask: the main query endpoint. Streaming
// responses are SSE frames terminated by a complete message; non-streaming
// responses are one aggregated JSON body.
func (s *Server) askHandler(c *echo.Context) error {
	req := parseAskRequest(c, s.cfg)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter is required")
	}

	retriever, err := s.retriever(req.RetrievalEndpoint)
	if err != nil {
		slog.Error("Failed to resolve retrieval endpoint", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "retrieval backend unavailable")
	}

	queriesTotal.WithLabelValues(string(req.GenerateMode)).Inc()

	if !req.Streaming {
		alive := core.NewFlag(true)
		h := core.NewHandler(req, s.deps(retriever), core.NewCollectSink(req.QueryID, alive), alive)
		result, err := h.RunQuery(c.Request().Context())
		if err != nil {
			slog.Error("Query failed", "query_id", req.QueryID, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
		}
		return c.JSON(http.StatusOK, result)
	}

	return s.streamQuery(c, req, retriever)
}

// streamQuery runs the query over an SSE stream.
func (s *Server) streamQuery(c *echo.Context, req core.Request, retriever retrieval.Client) error {
	w := c.Response()
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	if err := sse.comment("keep-alive"); err != nil {
		return nil
	}

	alive := core.NewFlag(true)
	sink := core.NewStreamSink(sse, req.QueryID, alive)
	h := core.NewHandler(req, s.deps(retriever), sink, alive)

	if _, err := h.RunQuery(c.Request().Context()); err != nil {
		slog.Error("Query failed", "query_id", req.QueryID, "error", err)
	}

	// Exactly one terminal frame per streaming response, connection
	// permitting.
	if alive.IsSet() {
		_ = sse.WriteMessage(core.Message{"message_type": core.MsgComplete})
	}
	return nil
}

// sseWriter frames messages as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

// WriteMessage implements core.Streamer.
func (s *sseWriter) WriteMessage(msg core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
