package config

// Config is the fully loaded, validated application configuration.
// Loaded once at process start and treated as immutable afterwards.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Server    ServerConfig    `yaml:"server"`
	NLWeb     NLWebConfig     `yaml:"nlweb"`
}

// LLMConfig selects the preferred completion provider and describes all
// configured providers.
type LLMConfig struct {
	PreferredProvider string                       `yaml:"preferred_provider"`
	Providers         map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig describes a single completion provider. API keys and
// endpoints are indirected through environment variable names so that
// secrets never live in YAML.
type LLMProviderConfig struct {
	APIKeyEnv   string      `yaml:"api_key_env"`
	EndpointEnv string      `yaml:"endpoint_env,omitempty"`
	APIVersion  string      `yaml:"api_version,omitempty"`
	Models      ModelLevels `yaml:"models"`
}

// ModelLevels maps the two model tiers to provider model identifiers.
// "high" is used for most analysis prompts, summaries and synthesis; "low"
// for per-item ranking, item descriptions and the item-type and query-type
// detectors.
type ModelLevels struct {
	High string `yaml:"high"`
	Low  string `yaml:"low"`
}

// EmbeddingConfig selects the preferred embedding provider.
type EmbeddingConfig struct {
	PreferredProvider string                             `yaml:"preferred_provider"`
	Providers         map[string]EmbeddingProviderConfig `yaml:"providers"`
}

// EmbeddingProviderConfig describes a single embedding provider.
type EmbeddingProviderConfig struct {
	APIKeyEnv   string `yaml:"api_key_env"`
	EndpointEnv string `yaml:"endpoint_env,omitempty"`
	Model       string `yaml:"model"`
	Dimensions  int    `yaml:"dimensions"`
}

// RetrievalConfig selects the preferred vector-database endpoint.
type RetrievalConfig struct {
	PreferredEndpoint string                    `yaml:"preferred_endpoint"`
	Endpoints         map[string]EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig describes one vector-database endpoint.
type EndpointConfig struct {
	DBType         string `yaml:"db_type"`
	APIEndpointEnv string `yaml:"api_endpoint_env,omitempty"`
	APIKeyEnv      string `yaml:"api_key_env,omitempty"`
	IndexName      string `yaml:"index_name"`
	NumResults     int    `yaml:"num_results,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir,omitempty"`
	// Mode "development" enables per-request endpoint overrides (?db=...).
	Mode string `yaml:"mode,omitempty"`
}

// NLWebConfig holds query-engine behavior settings.
type NLWebConfig struct {
	// Sites is the allowlist of corpus partitions this deployment answers for.
	Sites []string `yaml:"sites"`
	// ChatbotInstructions is prepended to synthesis prompts in generate mode.
	ChatbotInstructions string `yaml:"chatbot_instructions,omitempty"`
	// RelevanceDetection enables the irrelevant-query precheck. Off by default.
	RelevanceDetection bool `yaml:"relevance_detection,omitempty"`
	// PromptFiles are XML prompt catalogs loaded at startup, relative to the
	// config directory unless absolute.
	PromptFiles []string `yaml:"prompt_files,omitempty"`
}

// IsDevelopmentMode reports whether per-request overrides are allowed.
func (c *Config) IsDevelopmentMode() bool {
	return c.Server.Mode == "development"
}

// LLMProvider returns the named provider config, or the preferred one when
// name is empty.
func (c *Config) LLMProvider(name string) (LLMProviderConfig, bool) {
	if name == "" {
		name = c.LLM.PreferredProvider
	}
	p, ok := c.LLM.Providers[name]
	return p, ok
}

// RetrievalEndpoint returns the named endpoint config, or the preferred one
// when name is empty.
func (c *Config) RetrievalEndpoint(name string) (EndpointConfig, bool) {
	if name == "" {
		name = c.Retrieval.PreferredEndpoint
	}
	e, ok := c.Retrieval.Endpoints[name]
	return e, ok
}
