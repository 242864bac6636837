package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

func TestFastTrackIneligibleWithContextURL(t *testing.T) {
	h, _ := newTestHandler(Request{
		Site:       "seriouseats",
		Query:      "q",
		ContextURL: "https://se.example/carbonara",
	}, listDeps(&mockLLM{}, nil, nil), true)

	ft := &fastTrack{h: h}
	assert.False(t, ft.eligible())

	ft.do(context.Background())
	assert.False(t, h.retrievalDone.IsSet(), "ineligible fast track must have no side effects")
}

func TestFastTrackIneligibleWithPrevQueries(t *testing.T) {
	h, _ := newTestHandler(Request{
		Site:        "seriouseats",
		Query:       "q",
		PrevQueries: []string{"earlier"},
	}, listDeps(&mockLLM{}, nil, nil), true)

	assert.False(t, (&fastTrack{h: h}).eligible())
}

func TestFastTrackCommitsRetrievalImmediately(t *testing.T) {
	retriever := &mockRetriever{items: recipeItems()}
	mock := &mockLLM{rules: recipeScoreRules()}
	h, _ := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta",
		QueryID: "ft",
	}, Deps{LLM: mock, Retriever: retriever, Prompts: testPrompts(), Config: testConfig()}, true)

	// Open the barrier and complete decontextualization up front.
	h.state.StartStep(StepDecon)
	h.state.StepDone(StepDecon)

	(&fastTrack{h: h}).do(context.Background())

	assert.True(t, h.retrievalDone.IsSet())
	assert.Len(t, h.FinalRetrievedItems(), 3)
	assert.True(t, h.FastTrackWorked())
}

func TestFastTrackExitsWhenDecontextualizationRequired(t *testing.T) {
	retriever := &mockRetriever{items: recipeItems()}
	mock := &mockLLM{rules: recipeScoreRules()}
	h, rec := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta",
		QueryID: "ft2",
	}, Deps{LLM: mock, Retriever: retriever, Prompts: testPrompts(), Config: testConfig()}, true)

	h.state.StartStep(StepDecon)
	h.setDecontextualizedQuery("rewritten", true)
	h.state.StepDone(StepDecon)

	(&fastTrack{h: h}).do(context.Background())

	assert.True(t, h.abortFastTrack.IsSet())
	assert.False(t, h.FastTrackWorked())
	assert.Empty(t, rec.ofType(MsgResultBatch))
	// The retrieval commitment stands even though ranking was skipped.
	assert.True(t, h.retrievalDone.IsSet())
}

func TestFastTrackExitsWhenQueryDone(t *testing.T) {
	retriever := &mockRetriever{items: recipeItems()}
	h, rec := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta",
		QueryID: "ft3",
	}, Deps{LLM: &mockLLM{}, Retriever: retriever, Prompts: testPrompts(), Config: testConfig()}, true)

	h.state.StartStep(StepDecon)
	h.state.StepDone(StepDecon)
	h.queryDone.Store(true)

	(&fastTrack{h: h}).do(context.Background())

	assert.False(t, h.FastTrackWorked())
	assert.Empty(t, rec.ofType(MsgResultBatch))
}

func TestFastTrackSurvivesRetrievalError(t *testing.T) {
	h, rec := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta",
		QueryID: "ft4",
	}, Deps{LLM: &mockLLM{}, Retriever: failingRetriever{}, Prompts: testPrompts(), Config: testConfig()}, true)

	(&fastTrack{h: h}).do(context.Background())

	assert.True(t, h.retrievalDone.IsSet())
	assert.Empty(t, rec.all())
}

type failingRetriever struct{}

func (failingRetriever) Search(ctx context.Context, query string, sites []string, k int) ([]retrieval.Item, error) {
	return nil, assert.AnError
}

func (failingRetriever) SearchByURL(ctx context.Context, url string) (*retrieval.Item, error) {
	return nil, assert.AnError
}

func (failingRetriever) DeleteBySite(ctx context.Context, site string) (int, error) {
	return 0, assert.AnError
}

func (failingRetriever) Upload(ctx context.Context, docs []retrieval.Document) (int, error) {
	return 0, assert.AnError
}

func TestFastTrackIdempotence(t *testing.T) {
	// Full pipeline run: when the fast track commits, the regular ranker
	// must not run and the final answers are stored exactly once.
	mock := &mockLLM{rules: recipeScoreRules()}
	h, rec := newTestHandler(Request{
		Site:    "seriouseats",
		Sites:   []string{"seriouseats"},
		Query:   "pasta recipes",
		QueryID: "ft5",
	}, listDeps(mock, recipeItems(), nil), true)

	_, err := h.RunQuery(context.Background())
	require.NoError(t, err)

	require.True(t, h.FastTrackWorked())

	// Each rankable item was scored exactly once across the whole request.
	counts := map[string]int{}
	for _, call := range mock.calls {
		for _, name := range []string{"Carbonara", "Cacio e Pepe", "Plain Toast"} {
			if containsAll(call, "Assign a score", name) {
				counts[name]++
			}
		}
	}
	for name, n := range counts {
		assert.Equal(t, 1, n, "item %s ranked more than once", name)
	}
	require.NotEmpty(t, rec.ofType(MsgResultBatch))
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
