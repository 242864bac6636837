package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/llm"
	"github.com/nlweb-community/nlweb/pkg/prompts"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

// GenerateMode selects what happens after ranking.
type GenerateMode string

const (
	ModeNone      GenerateMode = "none"
	ModeSummarize GenerateMode = "summarize"
	ModeGenerate  GenerateMode = "generate"
)

// deconTimeout bounds how long the fast track waits for the
// decontextualization verdict before abandoning silently.
const deconTimeout = 5 * time.Second

// Request is one query as seen by the orchestrator, already normalized by
// the transport: Sites only contains allowed sites.
type Request struct {
	// Site is the raw requested site value ("all", a site id, or a list
	// rendering); used for prompt variables and pseudo-site checks.
	Site string
	// Sites is the normalized list used as the retrieval filter.
	Sites []string
	Query string
	// PrevQueries are prior user turns, oldest first.
	PrevQueries []string
	// DecontextualizedQuery, when provided by the client, skips rewriting.
	DecontextualizedQuery string
	ContextURL            string
	ContextDescription    string
	QueryID               string
	Streaming             bool
	GenerateMode          GenerateMode
	// Model is carried on the request but does not select the model; LLM
	// calls always use the configured tier models.
	Model string
	// RetrievalEndpoint overrides the preferred endpoint (development mode).
	RetrievalEndpoint string
}

// Deps are the collaborators a handler orchestrates over.
type Deps struct {
	LLM       llm.Client
	Retriever retrieval.Client
	Prompts   *prompts.Store
	Config    *config.Config
}

// Handler owns the state of one query from arrival to the last message.
// Created per request, mutated only by its orchestrator and the tasks it
// spawns.
type Handler struct {
	req  Request
	deps Deps
	sink *Sink

	// mu guards the fields below plus the precheck step map.
	mu                    sync.Mutex
	stepState             map[string]int
	itemType              string
	decontextualizedQuery string
	contextDescription    string
	requiresDecon         bool
	queryIsIrrelevant     bool
	requiredInfoFound     bool
	finalRetrievedItems   []retrieval.Item
	finalRankedAnswers    []*RankedAnswer
	finalAnswersStored    bool

	queryDone       atomic.Bool
	fastTrackWorked atomic.Bool
	sitesMsgSent    atomic.Bool

	preChecksDone  *Event
	retrievalDone  *Event
	abortFastTrack *Event
	connAlive      *Flag

	state *State
}

// NewHandler builds a handler for one request. alive is the connection
// liveness flag shared with the transport; sink must have been built over
// the same flag.
func NewHandler(req Request, deps Deps, sink *Sink, alive *Flag) *Handler {
	if req.GenerateMode == "" {
		req.GenerateMode = ModeNone
	}
	h := &Handler{
		req:                   req,
		deps:                  deps,
		sink:                  sink,
		stepState:             make(map[string]int),
		itemType:              config.SiteToItemType(req.Site),
		decontextualizedQuery: req.DecontextualizedQuery,
		contextDescription:    req.ContextDescription,
		requiredInfoFound:     true,
		preChecksDone:         NewEvent(),
		retrievalDone:         NewEvent(),
		abortFastTrack:        NewEvent(),
		connAlive:             alive,
	}
	h.state = newState(h)
	return h
}

// RunQuery executes the full pipeline and returns the aggregated
// non-streaming response. In streaming mode the returned map holds only
// query_id.
func (h *Handler) RunQuery(ctx context.Context) (map[string]any, error) {
	slog.Info("Starting query execution",
		"query_id", h.req.QueryID, "site", h.req.Site, "mode", h.req.GenerateMode)

	if h.req.GenerateMode == ModeGenerate {
		return h.runGenerate(ctx)
	}

	if err := h.prepare(ctx); err != nil {
		return nil, err
	}
	if h.queryDone.Load() {
		slog.Info("Query done during prechecks", "query_id", h.req.QueryID)
		return h.sink.ReturnValue(), nil
	}

	if !h.fastTrackWorked.Load() {
		ranker := newRanker(h, h.FinalRetrievedItems(), regularTrack)
		if err := ranker.do(ctx); err != nil {
			return nil, fmt.Errorf("ranking failed: %w", err)
		}
	}

	if err := h.postRanking(ctx); err != nil {
		return nil, err
	}

	h.sink.SetReturnField("query_id", h.req.QueryID)
	slog.Info("Query execution completed", "query_id", h.req.QueryID)
	return h.sink.ReturnValue(), nil
}

// prepare launches the fast track and every precheck analyzer together,
// waits for all of them, and performs the regular retrieval if the fast
// track did not commit to one. Analyzer errors are logged and swallowed;
// the barrier always fires.
func (h *Handler) prepare(ctx context.Context) error {
	steps := []precheckStep{
		&detectItemType{h: h},
		&detectMultiItemType{h: h},
		&detectQueryType{h: h},
		h.decontextualizer(),
		&relevanceDetection{h: h},
		&memoryAnalyzer{h: h},
		&requiredInfo{h: h},
	}
	for _, s := range steps {
		h.state.StartStep(s.stepName())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		(&fastTrack{h: h}).do(gctx)
		return nil
	})
	for _, s := range steps {
		s := s
		g.Go(func() error {
			s.do(gctx)
			return nil
		})
	}
	_ = g.Wait()

	// The barrier must never stay closed past this point, whatever the
	// steps did.
	h.preChecksDone.Set()

	if !h.retrievalDone.IsSet() {
		items, err := h.deps.Retriever.Search(ctx, h.DecontextualizedQuery(), h.req.Sites, h.numResults())
		if err != nil {
			return fmt.Errorf("retrieval failed: %w", err)
		}
		h.SetFinalRetrievedItems(items)
		h.retrievalDone.Set()
		slog.Debug("Regular retrieval completed", "query_id", h.req.QueryID, "items", len(items))
	}
	return nil
}

// decontextualizer picks the variant for this request. The choice happens
// once, at prepare time.
func (h *Handler) decontextualizer() precheckStep {
	switch {
	case len(h.req.PrevQueries) < 1 && h.req.ContextURL == "":
		return &noOpDecontextualizer{h: h}
	case h.req.DecontextualizedQuery != "":
		return &noOpDecontextualizer{h: h}
	case len(h.req.PrevQueries) > 0 && h.req.ContextURL == "":
		return &prevQueryDecontextualizer{h: h}
	case h.req.ContextURL != "" && len(h.req.PrevQueries) == 0:
		return &contextURLDecontextualizer{h: h, promptName: "DecontextualizeContextPrompt"}
	default:
		return &contextURLDecontextualizer{h: h, promptName: "FullDecontextualizePrompt"}
	}
}

// postRanking runs the optional post-processing for the current mode.
func (h *Handler) postRanking(ctx context.Context) error {
	if !h.connAlive.IsSet() {
		h.queryDone.Store(true)
		return nil
	}
	if h.req.GenerateMode != ModeSummarize {
		return nil
	}
	return (&summarizeResults{h: h}).do(ctx)
}

// numResults is the retrieval depth for this request's endpoint.
func (h *Handler) numResults() int {
	if ep, ok := h.deps.Config.RetrievalEndpoint(h.req.RetrievalEndpoint); ok && ep.NumResults > 0 {
		return ep.NumResults
	}
	return config.DefaultNumResults
}

// runPrompt resolves and runs a named prompt for this request. A prompt
// miss returns (nil, nil) and the caller must treat it as a no-op.
func (h *Handler) runPrompt(ctx context.Context, name string, level llm.Level, timeout time.Duration) (map[string]any, error) {
	p := h.deps.Prompts.Find(h.req.Site, h.ItemType(), name)
	if p == nil {
		return nil, nil
	}
	filled := prompts.Fill(p.Template, h.promptVar)
	return h.deps.LLM.Ask(ctx, filled, p.AnswerSchema, level, timeout)
}

// promptVar resolves one template variable from handler state.
func (h *Handler) promptVar(name string) string {
	switch name {
	case "request.site":
		return h.req.Site
	case "site.itemType", "request.itemType":
		return h.ItemType()
	case "request.query":
		if h.state.DeconDone() {
			return h.DecontextualizedQuery()
		}
		if len(h.req.PrevQueries) > 0 {
			return h.req.Query + " previous queries: " + strings.Join(h.req.PrevQueries, "; ")
		}
		return h.req.Query
	case "request.rawQuery":
		return h.req.Query
	case "request.previousQueries":
		return strings.Join(h.req.PrevQueries, "; ")
	case "request.contextUrl":
		return h.req.ContextURL
	case "request.contextDescription":
		return h.ContextDescription()
	case "request.answers":
		return h.renderAnswers()
	default:
		slog.Debug("Unknown prompt variable", "variable", name)
		return ""
	}
}

// renderAnswers serializes the ranked answers for summary and synthesis
// prompts.
func (h *Handler) renderAnswers() string {
	type answerView struct {
		URL         string `json:"url"`
		Name        string `json:"name"`
		Score       int    `json:"score"`
		Description string `json:"description"`
	}
	var views []answerView
	for _, a := range h.FinalRankedAnswers() {
		views = append(views, answerView{URL: a.URL, Name: a.Name, Score: a.Score, Description: a.Description})
	}
	encoded, err := json.Marshal(views)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// Accessors below exist because analyzers, the fast track, and ranking
// workers read and write these fields concurrently.

func (h *Handler) ItemType() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.itemType
}

func (h *Handler) SetItemType(t string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.itemType = t
}

func (h *Handler) DecontextualizedQuery() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.decontextualizedQuery == "" {
		return h.req.Query
	}
	return h.decontextualizedQuery
}

func (h *Handler) setDecontextualizedQuery(q string, required bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.decontextualizedQuery = q
	h.requiresDecon = required
}

// RequiresDecontextualization reports the decontextualization verdict.
func (h *Handler) RequiresDecontextualization() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requiresDecon
}

func (h *Handler) ContextDescription() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contextDescription
}

func (h *Handler) setContextDescription(d string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contextDescription = d
}

// QueryIsIrrelevant reports the relevance verdict.
func (h *Handler) QueryIsIrrelevant() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryIsIrrelevant
}

func (h *Handler) setQueryIrrelevant() {
	h.mu.Lock()
	h.queryIsIrrelevant = true
	h.mu.Unlock()
	h.queryDone.Store(true)
	h.abortFastTrack.Set()
}

// RequiredInfoFound reports whether the query carried enough information.
func (h *Handler) RequiredInfoFound() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requiredInfoFound
}

func (h *Handler) setRequiredInfoMissing() {
	h.mu.Lock()
	h.requiredInfoFound = false
	h.mu.Unlock()
	h.queryDone.Store(true)
	h.abortFastTrack.Set()
}

func (h *Handler) FinalRetrievedItems() []retrieval.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalRetrievedItems
}

func (h *Handler) SetFinalRetrievedItems(items []retrieval.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalRetrievedItems = items
}

func (h *Handler) FinalRankedAnswers() []*RankedAnswer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalRankedAnswers
}

// setFinalRankedAnswers stores the final ranked set exactly once per
// request; a committed fast track wins over the regular ranker.
func (h *Handler) setFinalRankedAnswers(answers []*RankedAnswer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finalAnswersStored {
		return
	}
	h.finalAnswersStored = true
	h.finalRankedAnswers = answers
}

func (h *Handler) truncateFinalRankedAnswers(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.finalRankedAnswers) > n {
		h.finalRankedAnswers = h.finalRankedAnswers[:n]
	}
}

// QueryDone reports whether the query terminated during prechecks.
func (h *Handler) QueryDone() bool { return h.queryDone.Load() }

// FastTrackWorked reports whether the speculative path committed.
func (h *Handler) FastTrackWorked() bool { return h.fastTrackWorked.Load() }
