package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

func recipeScoreRules() []mockRule {
	return []mockRule{
		scoreRule("Carbonara", 90, "rich roman pasta"),
		scoreRule("Cacio e Pepe", 75, "three ingredient pasta"),
		scoreRule("Plain Toast", 30, "just toast"),
	}
}

func listDeps(mock *mockLLM, items []retrieval.Item, cfg *config.Config) Deps {
	if cfg == nil {
		cfg = testConfig()
	}
	return Deps{
		LLM:       mock,
		Retriever: &mockRetriever{items: items},
		Prompts:   testPrompts(),
		Config:    cfg,
	}
}

// S1: simple list query against one site.
func TestSimpleListQuery(t *testing.T) {
	mock := &mockLLM{rules: recipeScoreRules()}
	h, rec := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta recipes",
		QueryID: "s1",
	}, listDeps(mock, recipeItems(), nil), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	assert.Empty(t, rec.ofType(MsgAskingSites), "single-site query must not announce sites")

	batches := rec.ofType(MsgResultBatch)
	require.NotEmpty(t, batches)
	for _, batch := range batches {
		for _, r := range batch["results"].([]Message) {
			assert.Equal(t, "seriouseats", r["site"])
			assert.Greater(t, r["score"].(int), FinalFilterThreshold)
		}
	}

	// Fast track was eligible and committed; the regular ranker never ran,
	// so each item was scored exactly once.
	assert.True(t, h.FastTrackWorked())
	rankCalls := 0
	for _, call := range mock.calls {
		if strings.Contains(call, "Assign a score") {
			rankCalls++
		}
	}
	assert.Equal(t, len(recipeItems()), rankCalls)
}

// S2: a follow-up query is rewritten; the fast track stays silent and the
// regular ranker works on the rewritten query.
func TestDecontextualizationRewrite(t *testing.T) {
	rewritten := "show me movies from 1999 and 2000"
	mock := &mockLLM{rules: append([]mockRule{
		{
			contains: "Decontextualize",
			resp: map[string]any{
				"requires_decontextualization": "True",
				"decontextualized_query":       rewritten,
			},
		},
	}, scoreRule("Matrix", 85, "1999 classic"))}

	retriever := &mockRetriever{items: []retrieval.Item{
		{URL: "https://imdb.example/matrix", Schema: `{"@type":"Movie","name":"Matrix"}`, Name: "Matrix", Site: "imdb"},
	}}
	h, rec := newTestHandler(Request{
		Site:        "imdb",
		Sites:       []string{"imdb"},
		Query:       "and 2000",
		PrevQueries: []string{"show me movies from 1999"},
		QueryID:     "s2",
	}, Deps{LLM: mock, Retriever: retriever, Prompts: testPrompts(), Config: testConfig()}, true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	decon := rec.ofType(MsgDecontextualized)
	require.Len(t, decon, 1)
	assert.Contains(t, decon[0]["decontextualized_query"], "1999")
	assert.Contains(t, decon[0]["decontextualized_query"], "2000")

	// Fast track never ran (previous queries make it ineligible).
	assert.False(t, h.FastTrackWorked())

	// The regular retrieval used the rewritten query.
	assert.Contains(t, retriever.searchQueries(), rewritten)

	require.NotEmpty(t, rec.ofType(MsgResultBatch))
}

// S3: relevance detection (enabled) kills an off-topic query.
func TestIrrelevantQuery(t *testing.T) {
	cfg := testConfig()
	cfg.NLWeb.RelevanceDetection = true

	mock := &mockLLM{rules: append([]mockRule{
		{
			contains: "Is irrelevant",
			resp: map[string]any{
				"site_is_irrelevant_to_query": "True",
				"explanation_for_irrelevance": "This site only knows about food.",
			},
		},
	}, recipeScoreRules()...)}

	h, rec := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "how many angels on a pinhead",
		QueryID: "s3",
	}, listDeps(mock, recipeItems(), cfg), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	irrelevant := rec.ofType(MsgSiteIrrelevant)
	require.Len(t, irrelevant, 1)
	assert.Contains(t, irrelevant[0]["message"], "food")
	assert.Empty(t, rec.ofType(MsgResultBatch))
	assert.True(t, h.QueryIsIrrelevant())
	assert.True(t, h.QueryDone())
}

// S4: a query missing required information yields a clarifying question.
func TestRequiredInfoMissing(t *testing.T) {
	mock := &mockLLM{rules: append([]mockRule{
		{
			contains: "Required info",
			resp: map[string]any{
				"required_info_found": "False",
				"user_question":       "Which city are you booking in?",
			},
		},
	}, recipeScoreRules()...)}

	h, rec := newTestHandler(Request{
		Site:    "tripadvisor",
		Sites:   []string{"tripadvisor"},
		Query:   "book a table",
		QueryID: "s4",
	}, listDeps(mock, nil, nil), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	asks := rec.ofType(MsgAskUser)
	require.Len(t, asks, 1)
	assert.Contains(t, asks[0]["message"], "city")
	assert.Empty(t, rec.ofType(MsgResultBatch))
	assert.False(t, h.RequiredInfoFound())
}

// S5: summarize mode caps the summary input at three answers and emits
// exactly one summary after the batches.
func TestSummarizeMode(t *testing.T) {
	mock := &mockLLM{rules: append([]mockRule{
		{
			contains: "Summarize these results",
			resp:     map[string]any{"summary": "Mostly roman pastas."},
		},
	}, recipeScoreRules()...)}

	h, rec := newTestHandler(Request{
		Site:         "seriouseats",
		Sites:        []string{"seriouseats"},
		Query:        "pasta recipes",
		QueryID:      "s5",
		GenerateMode: ModeSummarize,
	}, listDeps(mock, recipeItems(), nil), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	summaries := rec.ofType(MsgSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Mostly roman pastas.", summaries[0]["message"])
	assert.LessOrEqual(t, len(h.FinalRankedAnswers()), 3)

	// The summary is the last message on the stream.
	all := rec.all()
	assert.Equal(t, MsgSummary, all[len(all)-1]["message_type"])
}

// S6: generate mode emits the answer twice, first bare and then enriched
// with items drawn from the ranked set.
func TestGenerateMode(t *testing.T) {
	mock := &mockLLM{rules: append([]mockRule{
		{
			contains: "Describe item",
			resp:     map[string]any{"description": "a fifteen minute dinner"},
		},
		{
			contains: "Synthesize an answer",
			resp: map[string]any{
				"answer": "Carbonara is your quickest option.",
				"urls":   []any{"https://se.example/carbonara", "https://other.example/unknown"},
			},
		},
	}, recipeScoreRules()...)}

	h, rec := newTestHandler(Request{
		Site:         "seriouseats",
		Sites:        []string{"seriouseats"},
		Query:        "quick dinner ideas",
		QueryID:      "s6",
		GenerateMode: ModeGenerate,
	}, listDeps(mock, recipeItems(), nil), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	nlws := rec.ofType(MsgNLWS)
	require.Len(t, nlws, 2)

	first, second := nlws[0], nlws[1]
	assert.Equal(t, "Carbonara is your quickest option.", first["answer"])
	assert.Empty(t, first["items"])

	assert.Equal(t, first["answer"], second["answer"])
	items := second["items"].([]Message)
	require.Len(t, items, 1, "URLs outside the retrieved set are dropped")
	assert.Equal(t, "https://se.example/carbonara", items[0]["url"])
	assert.Equal(t, "a fifteen minute dinner", items[0]["description"])

	// No result batches in generate mode.
	assert.Empty(t, rec.ofType(MsgResultBatch))
}

func TestGenerateModeFallbackOnEmptyRankedSet(t *testing.T) {
	// Every item scores below the gather threshold. The catch-all rule also
	// answers the required-info prompt affirmatively.
	mock := &mockLLM{rules: []mockRule{{contains: "", resp: map[string]any{
		"score": 10, "description": "", "required_info_found": "True",
	}}}}

	h, rec := newTestHandler(Request{
		Site:         "seriouseats",
		Sites:        []string{"seriouseats"},
		Query:        "quick dinner ideas",
		QueryID:      "s6b",
		GenerateMode: ModeGenerate,
	}, listDeps(mock, recipeItems(), nil), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	nlws := rec.ofType(MsgNLWS)
	require.Len(t, nlws, 1)
	assert.Contains(t, nlws[0]["answer"], "couldn't find")
	assert.Empty(t, nlws[0]["items"])
}

func TestConnectionLossStopsWork(t *testing.T) {
	mock := &mockLLM{rules: recipeScoreRules()}
	alive := NewFlag(true)
	rec := &recordingStreamer{failAfter: 1} // api_version succeeds, next write fails
	sink := NewStreamSink(rec, "cl", alive)
	h := NewHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta recipes",
		QueryID: "cl",
	}, listDeps(mock, recipeItems(), nil), sink, alive)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	assert.False(t, alive.IsSet())
	assert.Len(t, rec.all(), 1, "no writes after the failure")
}

func TestNonStreamingAggregatesResults(t *testing.T) {
	mock := &mockLLM{rules: recipeScoreRules()}
	h, _ := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta recipes",
		QueryID: "ns",
	}, listDeps(mock, recipeItems(), nil), false)

	rv, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ns", rv["query_id"])
	results, ok := rv["results"].([]Message)
	require.True(t, ok)
	assert.NotEmpty(t, results)
	for _, r := range results {
		assert.Greater(t, r["score"].(int), FinalFilterThreshold)
	}
}

func TestFinalRankedAnswersSetOnce(t *testing.T) {
	h := bareHandler()
	a := []*RankedAnswer{{URL: "u1", Score: 80}}
	b := []*RankedAnswer{{URL: "u2", Score: 70}}

	h.setFinalRankedAnswers(a)
	h.setFinalRankedAnswers(b)

	got := h.FinalRankedAnswers()
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].URL)
}
