package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
llm:
  preferred_provider: openai
  providers:
    openai:
      api_key_env: OPENAI_API_KEY
      models:
        high: gpt-4.1
        low: gpt-4.1-mini
embedding:
  preferred_provider: openai
  providers:
    openai:
      api_key_env: OPENAI_API_KEY
      model: text-embedding-3-small
      dimensions: 1536
retrieval:
  preferred_endpoint: qdrant_local
  endpoints:
    qdrant_local:
      db_type: qdrant
      api_endpoint_env: QDRANT_URL
      index_name: nlweb_items
nlweb:
  sites: [seriouseats, imdb, tripadvisor]
`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.PreferredProvider)
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.Providers["openai"].Models.Low)
	assert.Equal(t, 1536, cfg.Embedding.Providers["openai"].Dimensions)
	assert.Equal(t, "qdrant", cfg.Retrieval.Endpoints["qdrant_local"].DBType)
	assert.Equal(t, []string{"seriouseats", "imdb", "tripadvisor"}, cfg.NLWeb.Sites)

	// Defaults merged in.
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, []string{"site_type.xml"}, cfg.NLWeb.PromptFiles)
}

func TestParseExpandsEnvironment(t *testing.T) {
	os.Setenv("NLWEB_TEST_SITE", "seriouseats")
	defer os.Unsetenv("NLWEB_TEST_SITE")

	yaml := `
llm:
  providers:
    openai:
      api_key_env: OPENAI_API_KEY
      models: {high: a, low: b}
retrieval:
  preferred_endpoint: mem
  endpoints:
    mem: {db_type: memory}
nlweb:
  sites: ["${NLWEB_TEST_SITE}"]
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, []string{"seriouseats"}, cfg.NLWeb.Sites)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name:   "empty config",
			yaml:   `{}`,
			errMsg: "no providers configured",
		},
		{
			name: "unknown provider",
			yaml: `
llm:
  preferred_provider: openai
  providers:
    openai:
      models: {high: a, low: b}
    frobnicator:
      models: {high: a, low: b}
retrieval:
  preferred_endpoint: mem
  endpoints:
    mem: {db_type: memory}
nlweb:
  sites: [x]
`,
			errMsg: `unknown provider "frobnicator"`,
		},
		{
			name: "unknown db type",
			yaml: `
llm:
  preferred_provider: openai
  providers:
    openai:
      models: {high: a, low: b}
retrieval:
  preferred_endpoint: x
  endpoints:
    x: {db_type: hypertable, index_name: i}
nlweb:
  sites: [x]
`,
			errMsg: `unknown db_type "hypertable"`,
		},
		{
			name: "missing model tier",
			yaml: `
llm:
  preferred_provider: openai
  providers:
    openai:
      models: {high: a}
retrieval:
  preferred_endpoint: mem
  endpoints:
    mem: {db_type: memory}
nlweb:
  sites: [x]
`,
			errMsg: "both high and low models",
		},
		{
			name: "bad embedding dimensions",
			yaml: `
llm:
  preferred_provider: openai
  providers:
    openai:
      models: {high: a, low: b}
embedding:
  preferred_provider: openai
  providers:
    openai: {model: m, dimensions: 0}
retrieval:
  preferred_endpoint: mem
  endpoints:
    mem: {db_type: memory}
nlweb:
  sites: [x]
`,
			errMsg: "unsupported dimensions",
		},
		{
			name: "empty allowlist",
			yaml: `
llm:
  preferred_provider: openai
  providers:
    openai:
      models: {high: a, low: b}
retrieval:
  preferred_endpoint: mem
  endpoints:
    mem: {db_type: memory}
`,
			errMsg: "sites allowlist is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
