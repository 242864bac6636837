package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/nlweb-community/nlweb/pkg/llm"
	"github.com/nlweb-community/nlweb/pkg/prompts"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
	"github.com/nlweb-community/nlweb/pkg/schemaorg"
)

// Generate-mode prompt names and thresholds.
const (
	generateRankingPromptName     = "RankingPromptForGenerate"
	generateSynthesizePromptName  = "SynthesizePromptForGenerate"
	generateDescriptionPromptName = "DescriptionPromptForGenerate"

	// GenerateGatherThreshold: items scoring above this join the synthesis
	// working set.
	GenerateGatherThreshold = 55
)

// synthesisTimeout bounds the one-shot RAG synthesis call.
const synthesisTimeout = 100 * time.Second

const generateFallbackAnswer = "I couldn't find relevant information to answer your question."
const generateErrorAnswer = "I encountered an error while generating your answer. Please try again."

// runGenerate is the RAG-style path: a smaller precheck set, ranking as a
// gather filter, then one synthesis call whose answer is emitted twice —
// first bare, then enriched with per-item descriptions.
func (h *Handler) runGenerate(ctx context.Context) (map[string]any, error) {
	if err := h.prepareGenerate(ctx); err != nil {
		return nil, err
	}
	if h.queryDone.Load() {
		slog.Info("Query done during prechecks", "query_id", h.req.QueryID)
		return h.sink.ReturnValue(), nil
	}

	items, err := h.deps.Retriever.Search(ctx, h.DecontextualizedQuery(), h.req.Sites, h.numResults())
	if err != nil {
		return nil, err
	}
	h.SetFinalRetrievedItems(items)

	h.gatherRankedItems(ctx, items)

	if err := h.synthesizeAnswer(ctx, items); err != nil {
		return nil, err
	}

	h.sink.SetReturnField("query_id", h.req.QueryID)
	return h.sink.ReturnValue(), nil
}

// prepareGenerate runs the generate-path precheck set. The fast track does
// not participate in this mode.
func (h *Handler) prepareGenerate(ctx context.Context) error {
	steps := []precheckStep{
		&detectItemType{h: h},
		h.decontextualizer(),
		&relevanceDetection{h: h},
		&memoryAnalyzer{h: h},
		&requiredInfo{h: h},
	}
	for _, s := range steps {
		h.state.StartStep(s.stepName())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range steps {
		s := s
		g.Go(func() error {
			s.do(gctx)
			return nil
		})
	}
	_ = g.Wait()
	h.preChecksDone.Set()
	return nil
}

// gatherRankedItems scores every retrieved item and keeps the ones above
// the gather threshold as the synthesis working set.
func (h *Handler) gatherRankedItems(ctx context.Context, items []retrieval.Item) {
	prompt := h.deps.Prompts.Find(h.req.Site, h.ItemType(), generateRankingPromptName)
	if prompt == nil {
		prompt = &prompts.Prompt{Template: defaultRankingPrompt, AnswerSchema: defaultRankingSchema}
	}

	var mu sync.Mutex
	var kept []*RankedAnswer

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if !h.connAlive.IsSet() {
				return nil
			}

			description := schemaorg.TrimHard(item.Schema)
			filled := prompts.Fill(prompt.Template, func(name string) string {
				if name == "item.description" {
					encoded, err := json.Marshal(description)
					if err != nil {
						return ""
					}
					return string(encoded)
				}
				return h.promptVar(name)
			})

			resp, err := h.deps.LLM.Ask(gctx, filled, prompt.AnswerSchema, llm.LevelLow, llm.DefaultTimeout)
			if err != nil {
				slog.Debug("Generate ranking failed", "query_id", h.req.QueryID, "url", item.URL, "error", err)
				return nil
			}
			score := cast.ToInt(resp["score"])
			if score <= GenerateGatherThreshold {
				return nil
			}

			name := item.Name
			if name == "" {
				name = schemaorg.DeriveName(item.URL, item.Schema)
			}
			mu.Lock()
			kept = append(kept, &RankedAnswer{
				URL:          item.URL,
				Site:         item.Site,
				Name:         name,
				Score:        score,
				Description:  cast.ToString(resp["description"]),
				SchemaObject: schemaorg.Parse(item.Schema),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	h.setFinalRankedAnswers(kept)
}

// synthesizeAnswer runs the synthesis prompt and emits the nlws messages.
func (h *Handler) synthesizeAnswer(ctx context.Context, retrieved []retrieval.Item) error {
	if !h.connAlive.IsSet() {
		return nil
	}

	if len(h.FinalRankedAnswers()) == 0 {
		h.sink.Send(Message{
			"message_type": MsgNLWS,
			"answer":       generateFallbackAnswer,
			"items":        []Message{},
		})
		return nil
	}

	resp, err := h.runSynthesisPrompt(ctx)
	if err != nil || resp == nil {
		if err != nil {
			slog.Error("Answer synthesis failed", "query_id", h.req.QueryID, "error", err)
		}
		if h.connAlive.IsSet() {
			h.sink.Send(Message{
				"message_type": MsgNLWS,
				"answer":       generateErrorAnswer,
				"items":        []Message{},
			})
		}
		return nil
	}

	answer := cast.ToString(resp["answer"])
	h.sink.Send(Message{
		"message_type": MsgNLWS,
		"answer":       answer,
		"items":        []Message{},
	})

	urls := cast.ToStringSlice(resp["urls"])
	if len(urls) == 0 {
		return nil
	}

	byURL := make(map[string]retrieval.Item, len(retrieved))
	for _, item := range retrieved {
		byURL[item.URL] = item
	}

	var mu sync.Mutex
	var enriched []Message

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		item, ok := byURL[u]
		if !ok {
			slog.Debug("Synthesis referenced unknown URL", "query_id", h.req.QueryID, "url", u)
			continue
		}
		g.Go(func() error {
			description, derr := h.describeItem(gctx, item)
			if derr != nil {
				slog.Debug("Item description failed", "query_id", h.req.QueryID, "url", item.URL, "error", derr)
				return nil
			}
			name := item.Name
			if name == "" {
				name = schemaorg.DeriveName(item.URL, item.Schema)
			}
			mu.Lock()
			enriched = append(enriched, Message{
				"url":           item.URL,
				"name":          name,
				"description":   description,
				"site":          item.Site,
				"schema_object": schemaorg.Parse(item.Schema),
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(enriched) > 0 {
		h.sink.Send(Message{
			"message_type": MsgNLWS,
			"answer":       answer,
			"items":        enriched,
		})
	}
	return nil
}

// runSynthesisPrompt runs the synthesis prompt with the deployment's
// chatbot instructions prepended.
func (h *Handler) runSynthesisPrompt(ctx context.Context) (map[string]any, error) {
	p := h.deps.Prompts.Find(h.req.Site, h.ItemType(), generateSynthesizePromptName)
	if p == nil {
		return nil, nil
	}
	filled := prompts.Fill(p.Template, h.promptVar)
	if instructions := h.deps.Config.NLWeb.ChatbotInstructions; instructions != "" {
		filled = instructions + "\n\n" + filled
	}
	return h.deps.LLM.Ask(ctx, filled, p.AnswerSchema, llm.LevelHigh, synthesisTimeout)
}

// describeItem asks for a one-line description of an item in the context of
// the synthesized answer.
func (h *Handler) describeItem(ctx context.Context, item retrieval.Item) (string, error) {
	p := h.deps.Prompts.Find(h.req.Site, h.ItemType(), generateDescriptionPromptName)
	if p == nil {
		return "", nil
	}
	filled := prompts.Fill(p.Template, func(name string) string {
		if name == "item.description" {
			encoded, err := json.Marshal(schemaorg.TrimHard(item.Schema))
			if err != nil {
				return ""
			}
			return string(encoded)
		}
		return h.promptVar(name)
	})
	resp, err := h.deps.LLM.Ask(ctx, filled, p.AnswerSchema, llm.LevelLow, llm.DefaultTimeout)
	if err != nil {
		return "", err
	}
	return cast.ToString(resp["description"]), nil
}
