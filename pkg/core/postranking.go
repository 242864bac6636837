package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cast"

	"github.com/nlweb-community/nlweb/pkg/llm"
)

// summaryTimeout bounds the one-shot summary LLM call.
const summaryTimeout = 20 * time.Second

// summarizeResults runs the summarize post-processing: the top three ranked
// answers are condensed into one summary message.
type summarizeResults struct{ h *Handler }

func (s *summarizeResults) do(ctx context.Context) error {
	s.h.truncateFinalRankedAnswers(3)

	resp, err := s.h.runPrompt(ctx, "SummarizeResultsPrompt", llm.LevelHigh, summaryTimeout)
	if err != nil {
		slog.Warn("Summary prompt failed", "query_id", s.h.req.QueryID, "error", err)
		return nil
	}
	if resp == nil {
		return nil
	}

	s.h.sink.Send(Message{
		"message_type": MsgSummary,
		"message":      cast.ToString(resp["summary"]),
	})
	return nil
}
