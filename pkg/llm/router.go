package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nlweb-community/nlweb/pkg/config"
)

// Router implements Client by dispatching to the provider named in
// configuration. Provider clients are process-wide singletons, lazily
// constructed under a mutex; each client is internally concurrency-safe.
type Router struct {
	cfg *config.Config

	mu        sync.Mutex
	providers map[string]completer
}

// NewRouter creates a router over the configured providers. No provider
// clients are constructed until first use.
func NewRouter(cfg *config.Config) *Router {
	return &Router{
		cfg:       cfg,
		providers: make(map[string]completer),
	}
}

// Ask implements Client.
func (r *Router) Ask(ctx context.Context, prompt string, schema map[string]any, level Level, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	name := r.cfg.LLM.PreferredProvider
	pc, ok := r.cfg.LLMProvider(name)
	if !ok {
		return nil, fmt.Errorf("llm: provider %q is not configured", name)
	}

	model := pc.Models.Low
	if level == LevelHigh {
		model = pc.Models.High
	}

	p, err := r.provider(name, pc)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.complete(callCtx, prompt, schema, model)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("LLM call timed out", "provider", name, "model", model, "timeout", timeout)
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("llm: %s call failed: %w", name, err)
	}
	return result, nil
}

// provider returns the singleton client for name, constructing it on first
// use.
func (r *Router) provider(name string, pc config.LLMProviderConfig) (completer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	p, err := newProvider(name, pc)
	if err != nil {
		return nil, err
	}
	r.providers[name] = p
	return p, nil
}

func newProvider(name string, pc config.LLMProviderConfig) (completer, error) {
	apiKey := os.Getenv(pc.APIKeyEnv)
	endpoint := os.Getenv(pc.EndpointEnv)

	switch name {
	case "openai":
		return newOpenAIProvider(apiKey, ""), nil
	case "azure_openai":
		if endpoint == "" {
			return nil, fmt.Errorf("llm: azure_openai requires %s to be set", pc.EndpointEnv)
		}
		return newOpenAIProvider(apiKey, endpoint), nil
	case "anthropic":
		return newAnthropicProvider(apiKey), nil
	default:
		// Remaining provider names are valid configuration but have no SDK
		// implementation registered in this build.
		return nil, fmt.Errorf("%w %q", ErrNoProvider, name)
	}
}

// schemaInstruction renders the answer schema as an instruction appended to
// every prompt. Keeping this in one place means all providers share the same
// contract regardless of native structured-output support.
func schemaInstruction(schema map[string]any) string {
	encoded, err := json.Marshal(schema)
	if err != nil {
		encoded = []byte("{}")
	}
	return "\n\nRespond with a single JSON object, and nothing else, using this structure: " + string(encoded)
}
