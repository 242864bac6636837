package core

import (
	"context"
	"log/slog"
)

// fastTrack is the speculative path: assume the query is self-contained and
// retrieve+rank while the prechecks run. If any precheck decides otherwise
// it fires abortFastTrack and nothing leaks to the client, because every
// emission waits behind the precheck barrier.
type fastTrack struct{ h *Handler }

// eligible reports whether the speculative path may run: nothing to
// decontextualize against.
func (f *fastTrack) eligible() bool {
	return f.h.req.ContextURL == "" && len(f.h.req.PrevQueries) == 0
}

func (f *fastTrack) do(ctx context.Context) {
	if !f.eligible() {
		slog.Debug("Fast track not eligible", "query_id", f.h.req.QueryID)
		return
	}

	// Commit to producing the retrieval before it happens so prepare() does
	// not start a duplicate search.
	f.h.retrievalDone.Set()

	items, err := f.h.deps.Retriever.Search(ctx, f.h.req.Query, f.h.req.Sites, f.h.numResults())
	if err != nil {
		slog.Warn("Fast track retrieval failed", "query_id", f.h.req.QueryID, "error", err)
		return
	}
	f.h.SetFinalRetrievedItems(items)
	slog.Debug("Fast track retrieved items", "query_id", f.h.req.QueryID, "items", len(items))

	if !f.h.state.WaitForDecontextualization(ctx, deconTimeout) {
		// Timed out or cancelled; abandon silently.
		slog.Warn("Decontextualization timed out in fast track", "query_id", f.h.req.QueryID)
		return
	}

	if f.h.RequiresDecontextualization() {
		slog.Info("Fast track aborted: decontextualization required", "query_id", f.h.req.QueryID)
		f.h.abortFastTrack.Set()
		return
	}

	if f.h.queryDone.Load() || f.h.abortFastTrack.IsSet() {
		return
	}

	if err := newRanker(f.h, items, fastTrackMode).do(ctx); err != nil {
		slog.Warn("Fast track ranking failed", "query_id", f.h.req.QueryID, "error", err)
	}
}
