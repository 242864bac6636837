// Package embedding provides the text-embedding port used by retrieval
// backends and the ingestion tool.
package embedding

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nlweb-community/nlweb/pkg/config"
)

// DefaultTimeout bounds a single embedding call.
const DefaultTimeout = 30 * time.Second

// Embedder converts text into vectors. Implementations must be safe for
// concurrent use.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the provider-configured vector width.
	Dimensions() int
}

var (
	initMu   sync.Mutex
	embedder Embedder
)

// Get returns the process-wide embedder for the preferred provider,
// constructing it on first use.
func Get(cfg *config.Config) (Embedder, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if embedder != nil {
		return embedder, nil
	}

	name := cfg.Embedding.PreferredProvider
	pc, ok := cfg.Embedding.Providers[name]
	if !ok {
		return nil, fmt.Errorf("embedding: provider %q is not configured", name)
	}

	switch name {
	case "openai", "azure_openai":
		embedder = newOpenAIEmbedder(os.Getenv(pc.APIKeyEnv), os.Getenv(pc.EndpointEnv), pc.Model, pc.Dimensions)
	default:
		return nil, fmt.Errorf("embedding: no implementation for provider %q", name)
	}
	return embedder, nil
}
