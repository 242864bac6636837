package config

// Known provider and database type names. Names outside these sets are
// configuration errors, caught at startup rather than query time.
var (
	knownLLMProviders = map[string]bool{
		"openai":         true,
		"anthropic":      true,
		"gemini":         true,
		"azure_openai":   true,
		"llama_azure":    true,
		"deepseek_azure": true,
		"inception":      true,
		"snowflake":      true,
	}

	knownDBTypes = map[string]bool{
		"azure_ai_search":         true,
		"milvus":                  true,
		"qdrant":                  true,
		"snowflake_cortex_search": true,
		"memory":                  true,
	}
)

// Validate checks the merged configuration for internal consistency.
// All problems are collected into a single error.
func Validate(cfg *Config) error {
	verr := &ValidationError{}

	if len(cfg.LLM.Providers) == 0 {
		verr.add("llm: no providers configured")
	}
	for name, p := range cfg.LLM.Providers {
		if !knownLLMProviders[name] {
			verr.add("llm: unknown provider %q", name)
		}
		if p.Models.High == "" || p.Models.Low == "" {
			verr.add("llm: provider %q must configure both high and low models", name)
		}
	}
	if cfg.LLM.PreferredProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.PreferredProvider]; !ok {
			verr.add("llm: preferred provider %q is not configured", cfg.LLM.PreferredProvider)
		}
	}

	for name, p := range cfg.Embedding.Providers {
		if p.Model == "" {
			verr.add("embedding: provider %q missing model", name)
		}
		if p.Dimensions <= 0 {
			verr.add("embedding: provider %q has unsupported dimensions %d", name, p.Dimensions)
		}
	}
	if cfg.Embedding.PreferredProvider != "" && len(cfg.Embedding.Providers) > 0 {
		if _, ok := cfg.Embedding.Providers[cfg.Embedding.PreferredProvider]; !ok {
			verr.add("embedding: preferred provider %q is not configured", cfg.Embedding.PreferredProvider)
		}
	}

	if len(cfg.Retrieval.Endpoints) == 0 {
		verr.add("retrieval: no endpoints configured")
	}
	for name, e := range cfg.Retrieval.Endpoints {
		if !knownDBTypes[e.DBType] {
			verr.add("retrieval: endpoint %q has unknown db_type %q", name, e.DBType)
		}
		if e.IndexName == "" && e.DBType != "memory" {
			verr.add("retrieval: endpoint %q missing index_name", name)
		}
	}
	if cfg.Retrieval.PreferredEndpoint == "" {
		if len(cfg.Retrieval.Endpoints) > 0 {
			verr.add("retrieval: preferred_endpoint not set")
		}
	} else if _, ok := cfg.Retrieval.Endpoints[cfg.Retrieval.PreferredEndpoint]; !ok {
		verr.add("retrieval: preferred endpoint %q is not configured", cfg.Retrieval.PreferredEndpoint)
	}

	if len(cfg.NLWeb.Sites) == 0 {
		verr.add("nlweb: sites allowlist is empty")
	}

	return verr.orNil()
}
