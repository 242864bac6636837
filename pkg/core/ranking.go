package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/nlweb-community/nlweb/pkg/llm"
	"github.com/nlweb-community/nlweb/pkg/prompts"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
	"github.com/nlweb-community/nlweb/pkg/schemaorg"
)

// Ranking thresholds and budgets.
const (
	// EarlySendThreshold: items scoring above this are eligible to stream
	// before the full pass completes.
	EarlySendThreshold = 59
	// NumResultsToSend caps how many items one request may send.
	NumResultsToSend = 10
	// FinalFilterThreshold: items must score above this to survive the
	// final selection.
	FinalFilterThreshold = 51
)

type rankingMode int

const (
	fastTrackMode rankingMode = iota + 1
	regularTrack
)

func (m rankingMode) String() string {
	if m == fastTrackMode {
		return "FAST_TRACK"
	}
	return "REGULAR_TRACK"
}

// RankedAnswer is one retrieved item plus its LLM-assigned score. sent
// transitions false→true exactly once and is never reset.
type RankedAnswer struct {
	URL          string
	Site         string
	Name         string
	Score        int
	Description  string
	SchemaObject map[string]any
	sent         bool
}

// Sent reports whether the answer has been emitted to the client.
func (a *RankedAnswer) Sent() bool { return a.sent }

// RankingPromptName is the catalog key for per-site ranking prompts.
const RankingPromptName = "RankingPrompt"

// defaultRankingPrompt is used when the catalog has no ranking prompt for
// the (site, item type) pair.
const defaultRankingPrompt = `Assign a score between 0 and 100 to the following {site.itemType}
based on how relevant it is to the user's question. Use your knowledge from other sources, about the item, to make a judgement.
If the score is above 50, provide a short description of the item highlighting the relevance to the user's question, without mentioning the user's question.
Provide an explanation of the relevance of the item to the user's question, without mentioning the user's question or the score or explicitly mentioning the term relevance.
If the score is below 75, in the description, include the reason why it is still relevant.
The user's question is: {request.query}. The item's description is {item.description}`

var defaultRankingSchema = map[string]any{
	"score":       "integer between 0 and 100",
	"description": "short description of the item",
}

// ranker scores retrieved items concurrently and streams high scorers
// early, all behind the precheck barrier.
type ranker struct {
	h     *Handler
	items []retrieval.Item
	mode  rankingMode

	mu            sync.Mutex
	rankedAnswers []*RankedAnswer
	numSent       int
}

func newRanker(h *Handler, items []retrieval.Item, mode rankingMode) *ranker {
	return &ranker{h: h, items: items, mode: mode}
}

// rankingPrompt resolves the prompt for this request, falling back to the
// built-in default.
func (r *ranker) rankingPrompt(name string) *prompts.Prompt {
	if p := r.h.deps.Prompts.Find(r.h.req.Site, r.h.ItemType(), name); p != nil {
		return p
	}
	return &prompts.Prompt{Template: defaultRankingPrompt, AnswerSchema: defaultRankingSchema}
}

// fillRankingPrompt substitutes both handler variables and the item's
// trimmed description.
func (r *ranker) fillRankingPrompt(template string, description map[string]any) string {
	return prompts.Fill(template, func(name string) string {
		if name == "item.description" {
			encoded, err := json.Marshal(description)
			if err != nil {
				return ""
			}
			return string(encoded)
		}
		return r.h.promptVar(name)
	})
}

// rankItem scores one item and early-sends it when it clears the
// threshold.
func (r *ranker) rankItem(ctx context.Context, item retrieval.Item) {
	if !r.h.connAlive.IsSet() {
		return
	}
	if r.mode == fastTrackMode && r.h.abortFastTrack.IsSet() {
		return
	}

	p := r.rankingPrompt(RankingPromptName)
	description := schemaorg.Trim(item.Schema)
	prompt := r.fillRankingPrompt(p.Template, description)

	resp, err := r.h.deps.LLM.Ask(ctx, prompt, p.AnswerSchema, llm.LevelLow, llm.DefaultTimeout)
	if err != nil {
		slog.Debug("Item ranking failed", "query_id", r.h.req.QueryID, "url", item.URL, "error", err)
		return
	}
	score := cast.ToInt(resp["score"])

	name := item.Name
	if name == "" {
		name = schemaorg.DeriveName(item.URL, item.Schema)
	}
	answer := &RankedAnswer{
		URL:          item.URL,
		Site:         item.Site,
		Name:         name,
		Score:        score,
		Description:  cast.ToString(resp["description"]),
		SchemaObject: schemaorg.Parse(item.Schema),
	}

	if score > EarlySendThreshold {
		r.sendAnswers(ctx, []*RankedAnswer{answer}, false)
	}

	r.mu.Lock()
	r.rankedAnswers = append(r.rankedAnswers, answer)
	r.mu.Unlock()
}

// shouldSend implements the raise-the-bar early-send policy: free slots
// below the reserve go out immediately; afterwards an item only goes out if
// it beats something already sent, and never past the send budget. Caller
// holds r.mu.
func (r *ranker) shouldSend(answer *RankedAnswer) bool {
	if r.numSent >= NumResultsToSend {
		return false
	}
	if r.numSent < NumResultsToSend-5 {
		return true
	}
	for _, sent := range r.rankedAnswers {
		if sent.sent && sent.Score < answer.Score {
			return true
		}
	}
	return false
}

// sendAnswers emits the answers that pass shouldSend (or all of them when
// forced) as one result_batch, behind the precheck barrier.
func (r *ranker) sendAnswers(ctx context.Context, answers []*RankedAnswer, force bool) {
	if !r.h.connAlive.IsSet() {
		return
	}
	if r.mode == fastTrackMode && r.h.abortFastTrack.IsSet() {
		return
	}

	// Select and mark under the lock so concurrent workers cannot resend
	// the same item or overrun the budget. The budget is charged at mark
	// time: a marked answer counts as sent even if a later abort drops the
	// batch.
	r.mu.Lock()
	var selected []Message
	for _, answer := range answers {
		if answer.sent {
			continue
		}
		if (!force && !r.shouldSend(answer)) || r.numSent >= NumResultsToSend {
			continue
		}
		answer.sent = true
		r.numSent++
		selected = append(selected, Message{
			"url":           answer.URL,
			"name":          answer.Name,
			"site":          answer.Site,
			"siteUrl":       answer.Site,
			"score":         answer.Score,
			"description":   answer.Description,
			"schema_object": answer.SchemaObject,
		})
	}
	r.mu.Unlock()

	if len(selected) == 0 {
		return
	}

	// Barrier: nothing reaches the client until every precheck step is
	// DONE and had its chance to abort.
	if err := r.h.preChecksDone.Wait(ctx); err != nil {
		return
	}
	if r.mode == fastTrackMode {
		if r.h.abortFastTrack.IsSet() {
			return
		}
		r.h.fastTrackWorked.Store(true)
	}

	r.h.sink.Send(Message{
		"message_type": MsgResultBatch,
		"results":      selected,
	})
}

// sendAskingSites tells the client which corpora answer an "all" query,
// based on the three most common sites in the retrieved set.
func (r *ranker) sendAskingSites() {
	if r.h.req.Site != "all" && r.h.req.Site != "nlws" {
		return
	}
	if len(r.items) == 0 || !r.h.sitesMsgSent.CompareAndSwap(false, true) {
		return
	}

	counts := lo.CountValuesBy(r.items, func(item retrieval.Item) string { return item.Site })
	type siteCount struct {
		site  string
		count int
	}
	ranked := lo.MapToSlice(counts, func(site string, count int) siteCount {
		return siteCount{site, count}
	})
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].count > ranked[j].count })
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	names := lo.Map(ranked, func(sc siteCount, _ int) string { return prettySite(sc.site) })
	r.h.sink.Send(Message{
		"message_type": MsgAskingSites,
		"message":      "Asking " + strings.Join(names, ", "),
	})
}

// do runs the full ranking pass: score every item concurrently, then flush
// the best unsent items in descending score order up to the send budget.
func (r *ranker) do(ctx context.Context) error {
	slog.Info("Starting ranking", "query_id", r.h.req.QueryID, "items", len(r.items), "mode", r.mode.String())

	r.sendAskingSites()

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range r.items {
		if !r.h.connAlive.IsSet() {
			break
		}
		item := item
		g.Go(func() error {
			r.rankItem(gctx, item)
			return nil
		})
	}
	_ = g.Wait()

	if !r.h.connAlive.IsSet() {
		slog.Warn("Connection lost during ranking", "query_id", r.h.req.QueryID)
		return nil
	}

	if err := r.h.preChecksDone.Wait(ctx); err != nil {
		return err
	}
	if r.mode == fastTrackMode && r.h.abortFastTrack.IsSet() {
		slog.Info("Fast track aborted after ranking tasks", "query_id", r.h.req.QueryID)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	good := lo.Filter(r.rankedAnswers, func(a *RankedAnswer, _ int) bool {
		return a.Score > FinalFilterThreshold
	})
	sort.SliceStable(good, func(i, j int) bool { return good[i].Score > good[j].Score })

	final := good
	if len(final) > NumResultsToSend {
		final = final[:NumResultsToSend]
	}
	r.h.setFinalRankedAnswers(final)

	if r.numSent >= NumResultsToSend {
		return nil
	}

	var unsent []*RankedAnswer
	for _, a := range good {
		if !a.sent {
			unsent = append(unsent, a)
		}
	}
	budget := NumResultsToSend - r.numSent
	if len(unsent) > budget {
		unsent = unsent[:budget]
	}
	if len(unsent) == 0 {
		return nil
	}

	// sendAnswers takes r.mu; release for the final flush.
	r.mu.Unlock()
	r.sendAnswers(ctx, unsent, true)
	r.mu.Lock()
	return nil
}

func prettySite(site string) string {
	words := strings.Fields(strings.ReplaceAll(site, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
