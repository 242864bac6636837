package core

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/spf13/cast"

	"github.com/nlweb-community/nlweb/pkg/llm"
	"github.com/nlweb-community/nlweb/pkg/schemaorg"
)

// noOpDecontextualizer handles self-contained queries: no prior turns, no
// context page, or a client-supplied rewrite.
type noOpDecontextualizer struct{ h *Handler }

func (d *noOpDecontextualizer) stepName() string { return StepDecon }

func (d *noOpDecontextualizer) do(ctx context.Context) {
	d.h.setDecontextualizedQuery(d.h.DecontextualizedQuery(), false)
	d.h.state.StepDone(StepDecon)
}

// prevQueryDecontextualizer rewrites a follow-up query using only the prior
// turns.
type prevQueryDecontextualizer struct{ h *Handler }

func (d *prevQueryDecontextualizer) stepName() string { return StepDecon }

func (d *prevQueryDecontextualizer) do(ctx context.Context) {
	resp, err := d.h.runPrompt(ctx, "PrevQueryDecontextualizer", llm.LevelHigh, llm.DefaultTimeout)
	if err != nil || resp == nil {
		if err != nil {
			slog.Debug("Decontextualization failed", "query_id", d.h.req.QueryID, "error", err)
		}
		d.h.setDecontextualizedQuery(d.h.req.Query, false)
		d.h.state.StepDone(StepDecon)
		return
	}

	if answerBool(resp["requires_decontextualization"]) {
		rewritten := cast.ToString(resp["decontextualized_query"])
		d.h.setDecontextualizedQuery(rewritten, true)
		d.h.abortFastTrack.Set()
		d.h.state.StepDone(StepDecon)
		slog.Info("Query decontextualized", "query_id", d.h.req.QueryID, "rewritten", rewritten)
		d.h.sink.Send(Message{
			"message_type":           MsgDecontextualized,
			"decontextualized_query": rewritten,
		})
		return
	}

	d.h.setDecontextualizedQuery(d.h.req.Query, false)
	d.h.state.StepDone(StepDecon)
}

// contextURLDecontextualizer rewrites using the item the user is looking
// at; with promptName FullDecontextualizePrompt the prompt also sees the
// prior turns.
type contextURLDecontextualizer struct {
	h          *Handler
	promptName string
}

func (d *contextURLDecontextualizer) stepName() string { return StepDecon }

func (d *contextURLDecontextualizer) do(ctx context.Context) {
	item, err := d.h.deps.Retriever.SearchByURL(ctx, d.h.req.ContextURL)
	if err != nil {
		slog.Debug("Context item lookup failed",
			"query_id", d.h.req.QueryID, "context_url", d.h.req.ContextURL, "error", err)
	}
	if item == nil {
		d.h.setDecontextualizedQuery(d.h.req.Query, false)
		d.h.state.StepDone(StepDecon)
		return
	}

	trimmed, merr := json.Marshal(schemaorg.Trim(item.Schema))
	if merr == nil {
		d.h.setContextDescription(string(trimmed))
	}

	resp, err := d.h.runPrompt(ctx, d.promptName, llm.LevelHigh, llm.DefaultTimeout)
	if err != nil || resp == nil {
		if err != nil {
			slog.Debug("Decontextualization failed", "query_id", d.h.req.QueryID, "error", err)
		}
		d.h.setDecontextualizedQuery(d.h.req.Query, false)
		d.h.state.StepDone(StepDecon)
		return
	}

	rewritten := cast.ToString(resp["decontextualized_query"])
	if rewritten == "" {
		rewritten = d.h.req.Query
	}
	d.h.setDecontextualizedQuery(rewritten, true)
	d.h.abortFastTrack.Set()
	d.h.state.StepDone(StepDecon)
}
