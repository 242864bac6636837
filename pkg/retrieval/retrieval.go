// Package retrieval provides the vector-database port and its backends.
// Search results are schema.org items keyed by URL, filtered by site and
// ordered by descending cosine similarity.
package retrieval

import (
	"context"
	"fmt"
	"sync"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/embedding"
)

// Item is one retrieved document: a schema.org JSON string plus identity.
type Item struct {
	URL    string
	Schema string
	Name   string
	Site   string
}

// Document is an ingestion payload for Upload.
type Document struct {
	ID     string
	URL    string
	Site   string
	Name   string
	Schema string
	Vector []float32
}

// Client is the retrieval port. Site filter semantics: an empty list means
// no filter ("all"); one element means exact equality; multiple elements are
// disjunctive. Results are ordered by descending similarity and truncated
// to k.
type Client interface {
	Search(ctx context.Context, query string, sites []string, k int) ([]Item, error)
	SearchByURL(ctx context.Context, url string) (*Item, error)
	DeleteBySite(ctx context.Context, site string) (int, error)
	Upload(ctx context.Context, docs []Document) (int, error)
}

var (
	cacheMu     sync.Mutex
	clientCache = map[string]Client{}
)

// Get returns the client for the named endpoint ("" selects the preferred
// endpoint), constructing and caching it on first use.
func Get(cfg *config.Config, endpointName string) (Client, error) {
	if endpointName == "" {
		endpointName = cfg.Retrieval.PreferredEndpoint
	}
	ep, ok := cfg.RetrievalEndpoint(endpointName)
	if !ok {
		return nil, fmt.Errorf("retrieval: invalid endpoint %q", endpointName)
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if c, ok := clientCache[endpointName]; ok {
		return c, nil
	}

	var (
		c   Client
		err error
	)
	switch ep.DBType {
	case "qdrant":
		c, err = newQdrantClient(cfg, ep)
	case "milvus":
		c, err = newMilvusClient(cfg, ep)
	case "memory":
		c = NewMemoryClient(nil)
	default:
		err = fmt.Errorf("retrieval: no backend for db_type %q", ep.DBType)
	}
	if err != nil {
		return nil, err
	}
	clientCache[endpointName] = c
	return c, nil
}

// queryEmbedder resolves the embedder shared by vector backends.
func queryEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	emb, err := embedding.Get(cfg)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return emb, nil
}
