package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/llm"
	"github.com/nlweb-community/nlweb/pkg/prompts"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
)

// mockLLM answers by matching prompt substrings against ordered rules.
type mockRule struct {
	contains string
	resp     map[string]any
	err      error
	delay    time.Duration
}

type mockLLM struct {
	mu    sync.Mutex
	rules []mockRule
	calls []string
}

func (m *mockLLM) Ask(ctx context.Context, prompt string, schema map[string]any, level llm.Level, timeout time.Duration) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	rules := m.rules
	m.mu.Unlock()

	for _, r := range rules {
		if strings.Contains(prompt, r.contains) {
			if r.delay > 0 {
				select {
				case <-time.After(r.delay):
				case <-ctx.Done():
					return nil, llm.ErrTimeout
				}
			}
			return r.resp, r.err
		}
	}
	return nil, errors.New("mock llm: no rule matched")
}

// scoreRule answers the default ranking prompt for an item whose trimmed
// description contains marker.
func scoreRule(marker string, score int, description string) mockRule {
	return mockRule{
		contains: marker,
		resp:     map[string]any{"score": score, "description": description},
	}
}

// mockRetriever serves a fixed item set and records searches.
type mockRetriever struct {
	mu       sync.Mutex
	items    []retrieval.Item
	byURL    map[string]retrieval.Item
	searches []string
	delay    time.Duration
}

func (m *mockRetriever) Search(ctx context.Context, query string, sites []string, k int) ([]retrieval.Item, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	m.searches = append(m.searches, query)
	m.mu.Unlock()

	var out []retrieval.Item
	for _, it := range m.items {
		if siteMatchesList(it.Site, sites) {
			out = append(out, it)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *mockRetriever) SearchByURL(ctx context.Context, url string) (*retrieval.Item, error) {
	if it, ok := m.byURL[url]; ok {
		return &it, nil
	}
	return nil, nil
}

func (m *mockRetriever) DeleteBySite(ctx context.Context, site string) (int, error) { return 0, nil }

func (m *mockRetriever) Upload(ctx context.Context, docs []retrieval.Document) (int, error) {
	return len(docs), nil
}

func (m *mockRetriever) searchQueries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.searches...)
}

func siteMatchesList(site string, sites []string) bool {
	if len(sites) == 0 {
		return true
	}
	for _, s := range sites {
		if s == site {
			return true
		}
	}
	return false
}

// recordingStreamer collects streamed messages; failAfter > 0 makes writes
// fail once that many messages have been written.
type recordingStreamer struct {
	mu        sync.Mutex
	messages  []Message
	failAfter int
}

func (r *recordingStreamer) WriteMessage(msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.messages) >= r.failAfter {
		return errors.New("broken pipe")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingStreamer) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *recordingStreamer) ofType(messageType string) []Message {
	var out []Message
	for _, m := range r.all() {
		if m["message_type"] == messageType {
			out = append(out, m)
		}
	}
	return out
}

// testConfig returns a config with the standard test allowlist.
func testConfig() *config.Config {
	return &config.Config{
		Retrieval: config.RetrievalConfig{
			PreferredEndpoint: "mem",
			Endpoints:         map[string]config.EndpointConfig{"mem": {DBType: "memory"}},
		},
		NLWeb: config.NLWebConfig{
			Sites: []string{"seriouseats", "imdb", "tripadvisor"},
		},
	}
}

const testPromptCatalog = `<Prompts xmlns="http://nlweb.ai/base">
  <Thing>
    <Prompt ref="PrevQueryDecontextualizer">
      <promptString>Decontextualize {request.rawQuery} given {request.previousQueries}</promptString>
      <returnStruc>{"requires_decontextualization": "True or False", "decontextualized_query": "string"}</returnStruc>
    </Prompt>
    <Prompt ref="DetectIrrelevantQueryPrompt">
      <promptString>Is irrelevant to {request.site}: {request.rawQuery}</promptString>
      <returnStruc>{"site_is_irrelevant_to_query": "True or False", "explanation_for_irrelevance": "string"}</returnStruc>
    </Prompt>
    <Prompt ref="RequiredInfoPrompt">
      <promptString>Required info present in {request.rawQuery}?</promptString>
      <returnStruc>{"required_info_found": "True or False", "user_question": "string"}</returnStruc>
    </Prompt>
    <Prompt ref="DetectMemoryRequestPrompt">
      <promptString>Memory-worthy phrase in {request.rawQuery}?</promptString>
      <returnStruc>{"is_memory_request": "True or False", "memory_request": "string"}</returnStruc>
    </Prompt>
    <Prompt ref="SummarizeResultsPrompt">
      <promptString>Summarize these results: {request.answers}</promptString>
      <returnStruc>{"summary": "string"}</returnStruc>
    </Prompt>
    <Prompt ref="SynthesizePromptForGenerate">
      <promptString>Synthesize an answer to {request.query} from {request.answers}</promptString>
      <returnStruc>{"answer": "string", "urls": "list of urls"}</returnStruc>
    </Prompt>
    <Prompt ref="DescriptionPromptForGenerate">
      <promptString>Describe item {item.description} for {request.query}</promptString>
      <returnStruc>{"description": "string"}</returnStruc>
    </Prompt>
  </Thing>
</Prompts>`

func testPrompts() *prompts.Store {
	s, err := prompts.NewStore([]byte(testPromptCatalog))
	if err != nil {
		panic(err)
	}
	return s
}

// recipeItems is the standard retrieved set used across handler tests.
func recipeItems() []retrieval.Item {
	return []retrieval.Item{
		{URL: "https://se.example/carbonara", Schema: `{"@type":"Recipe","name":"Carbonara"}`, Name: "Carbonara", Site: "seriouseats"},
		{URL: "https://se.example/cacio", Schema: `{"@type":"Recipe","name":"Cacio e Pepe"}`, Name: "Cacio e Pepe", Site: "seriouseats"},
		{URL: "https://se.example/toast", Schema: `{"@type":"Recipe","name":"Plain Toast"}`, Name: "Plain Toast", Site: "seriouseats"},
	}
}
