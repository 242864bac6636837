package config

// DefaultNumResults is how many items a vector search returns when the
// endpoint does not override it.
const DefaultNumResults = 50

// Defaults returns the built-in configuration that user YAML is merged over.
func Defaults() Config {
	return Config{
		LLM: LLMConfig{
			PreferredProvider: "openai",
		},
		Embedding: EmbeddingConfig{
			PreferredProvider: "openai",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		NLWeb: NLWebConfig{
			PromptFiles: []string{"site_type.xml"},
		},
	}
}
