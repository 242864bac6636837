package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPListTools(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp", `{"function_call":{"name":"list_tools"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "function_response", body["type"])
	assert.Equal(t, "success", body["status"])

	tools := body["response"].([]any)
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{"ask", "ask_nlw", "query", "search", "list_prompts", "get_prompt", "get_sites"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestMCPGetSites(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp", `{"function_call":{"name":"get_sites"}}`)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, []any{"seriouseats", "imdb"}, body["response"])
}

func TestMCPAskWithStringArguments(t *testing.T) {
	s := testServer(t)
	// Arguments as a JSON-encoded string, the original client convention.
	rec := do(t, s, http.MethodPost, "/mcp",
		`{"function_call":{"name":"ask","arguments":"{\"query\":\"pasta\",\"site\":\"seriouseats\",\"streaming\":\"false\"}"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])

	response := body["response"].(map[string]any)
	results, ok := response["results"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, results)
}

func TestMCPAskWithObjectArguments(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp",
		`{"function_call":{"name":"ask","arguments":{"query":"pasta","streaming":"false"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
}

func TestMCPAskStreaming(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp",
		`{"function_call":{"name":"ask","arguments":{"query":"pasta","site":"seriouseats"}}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	frames := sseFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)

	last := frames[len(frames)-1]
	assert.Equal(t, "function_stream_end", last["type"])
	for _, f := range frames[:len(frames)-1] {
		assert.Equal(t, "function_stream_event", f["type"])
		content := f["content"].(map[string]any)
		assert.Contains(t, content, "partial_response")
	}
}

func TestMCPGetPromptRequiresID(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp", `{"function_call":{"name":"get_prompt"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMCPUnknownFunction(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp", `{"function_call":{"name":"frobnicate"}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
}

func TestMCPMissingEnvelope(t *testing.T) {
	s := testServer(t)
	rec := do(t, s, http.MethodPost, "/mcp", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
