package core

import (
	"context"
	"log/slog"

	"github.com/spf13/cast"

	"github.com/nlweb-community/nlweb/pkg/llm"
)

// precheckStep is one pre-retrieval analyzer. Every step must reach DONE on
// every code path, including errors, or the barrier deadlocks.
type precheckStep interface {
	stepName() string
	do(ctx context.Context)
}

// answerBool interprets the bool-strings LLM answers use ("True"/"False"),
// tolerating providers that return real booleans.
func answerBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return cast.ToString(v) == "True"
}

// detectItemType overrides the item type derived from the site when the
// query clearly seeks something else.
type detectItemType struct{ h *Handler }

func (s *detectItemType) stepName() string { return "DetectItemType" }

func (s *detectItemType) do(ctx context.Context) {
	defer s.h.state.StepDone(s.stepName())

	resp, err := s.h.runPrompt(ctx, "DetectItemTypePrompt", llm.LevelLow, llm.DefaultTimeout)
	if err != nil {
		slog.Debug("Item type detection failed", "query_id", s.h.req.QueryID, "error", err)
		return
	}
	if resp == nil {
		return
	}
	if itemType := cast.ToString(resp["item_type"]); itemType != "" {
		s.h.SetItemType(itemType)
	}
}

// detectMultiItemType and detectQueryType are informational; their answers
// feed logging and future routing but have no state effect.
type detectMultiItemType struct{ h *Handler }

func (s *detectMultiItemType) stepName() string { return "DetectMultiItemTypeQuery" }

func (s *detectMultiItemType) do(ctx context.Context) {
	defer s.h.state.StepDone(s.stepName())
	if _, err := s.h.runPrompt(ctx, "DetectMultiItemTypeQueryPrompt", llm.LevelLow, llm.DefaultTimeout); err != nil {
		slog.Debug("Multi item type detection failed", "query_id", s.h.req.QueryID, "error", err)
	}
}

type detectQueryType struct{ h *Handler }

func (s *detectQueryType) stepName() string { return "DetectQueryType" }

func (s *detectQueryType) do(ctx context.Context) {
	defer s.h.state.StepDone(s.stepName())
	if _, err := s.h.runPrompt(ctx, "DetectQueryTypePrompt", llm.LevelLow, llm.DefaultTimeout); err != nil {
		slog.Debug("Query type detection failed", "query_id", s.h.req.QueryID, "error", err)
	}
}

// relevanceDetection flags queries the site cannot possibly answer. Off by
// default; even when enabled it never applies to the "all"/"nlws"
// pseudo-sites.
type relevanceDetection struct{ h *Handler }

func (s *relevanceDetection) stepName() string { return "Relevance" }

func (s *relevanceDetection) do(ctx context.Context) {
	defer s.h.state.StepDone(s.stepName())

	if !s.h.deps.Config.NLWeb.RelevanceDetection {
		return
	}
	if s.h.req.Site == "all" || s.h.req.Site == "nlws" {
		return
	}

	resp, err := s.h.runPrompt(ctx, "DetectIrrelevantQueryPrompt", llm.LevelHigh, llm.DefaultTimeout)
	if err != nil {
		slog.Debug("Relevance detection failed", "query_id", s.h.req.QueryID, "error", err)
		return
	}
	if resp == nil {
		return
	}

	if answerBool(resp["site_is_irrelevant_to_query"]) {
		explanation := cast.ToString(resp["explanation_for_irrelevance"])
		slog.Info("Query is irrelevant to site", "query_id", s.h.req.QueryID, "site", s.h.req.Site)
		s.h.setQueryIrrelevant()
		s.h.sink.Send(Message{
			"message_type": MsgSiteIrrelevant,
			"message":      explanation,
		})
	}
}

// memoryAnalyzer detects statements worth remembering and acknowledges
// them. The core does not persist; persistence is a future hook.
type memoryAnalyzer struct{ h *Handler }

func (s *memoryAnalyzer) stepName() string { return "Memory" }

func (s *memoryAnalyzer) do(ctx context.Context) {
	defer s.h.state.StepDone(s.stepName())

	resp, err := s.h.runPrompt(ctx, "DetectMemoryRequestPrompt", llm.LevelHigh, llm.DefaultTimeout)
	if err != nil {
		slog.Debug("Memory detection failed", "query_id", s.h.req.QueryID, "error", err)
		return
	}
	if resp == nil {
		return
	}

	if answerBool(resp["is_memory_request"]) {
		s.h.sink.Send(Message{
			"message_type":     MsgRemember,
			"item_to_remember": cast.ToString(resp["memory_request"]),
			"message":          "I'll remember that",
		})
	}
}

// requiredInfo checks that the query carries enough information to act on;
// if not, the query ends with a clarifying question.
type requiredInfo struct{ h *Handler }

func (s *requiredInfo) stepName() string { return "RequiredInfo" }

func (s *requiredInfo) do(ctx context.Context) {
	defer s.h.state.StepDone(s.stepName())

	resp, err := s.h.runPrompt(ctx, "RequiredInfoPrompt", llm.LevelHigh, llm.DefaultTimeout)
	if err != nil {
		slog.Debug("Required info check failed", "query_id", s.h.req.QueryID, "error", err)
		return
	}
	if resp == nil {
		return
	}

	if !answerBool(resp["required_info_found"]) {
		slog.Info("Required information missing", "query_id", s.h.req.QueryID)
		s.h.setRequiredInfoMissing()
		s.h.sink.Send(Message{
			"message_type": MsgAskUser,
			"message":      cast.ToString(resp["user_question"]),
		})
	}
}
