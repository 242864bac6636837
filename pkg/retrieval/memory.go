package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/nlweb-community/nlweb/pkg/embedding"
)

// MemoryClient is an in-process backend for development mode and tests.
// When constructed without an embedder it falls back to term-overlap
// scoring so it can run without any external service.
type MemoryClient struct {
	embedder embedding.Embedder

	mu   sync.RWMutex
	docs []Document
}

// NewMemoryClient creates an empty in-memory backend. embedder may be nil.
func NewMemoryClient(embedder embedding.Embedder) *MemoryClient {
	return &MemoryClient{embedder: embedder}
}

func (m *MemoryClient) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	var queryVec []float32
	if m.embedder != nil {
		var err error
		queryVec, err = m.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		doc   Document
		score float64
	}
	var matches []scored
	for _, doc := range m.docs {
		if !siteMatches(doc.Site, sites) {
			continue
		}
		var score float64
		if queryVec != nil && len(doc.Vector) == len(queryVec) {
			score = cosine(queryVec, doc.Vector)
		} else {
			score = termOverlap(query, doc.Name+" "+doc.Schema)
		}
		matches = append(matches, scored{doc, score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > k {
		matches = matches[:k]
	}

	items := make([]Item, len(matches))
	for i, s := range matches {
		items[i] = Item{URL: s.doc.URL, Schema: s.doc.Schema, Name: s.doc.Name, Site: s.doc.Site}
	}
	return items, nil
}

func (m *MemoryClient) SearchByURL(ctx context.Context, url string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.docs {
		if doc.URL == url {
			return &Item{URL: doc.URL, Schema: doc.Schema, Name: doc.Name, Site: doc.Site}, nil
		}
	}
	return nil, nil
}

func (m *MemoryClient) DeleteBySite(ctx context.Context, site string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.docs[:0]
	deleted := 0
	for _, doc := range m.docs {
		if doc.Site == site {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	m.docs = kept
	return deleted, nil
}

func (m *MemoryClient) Upload(ctx context.Context, docs []Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, docs...)
	return len(docs), nil
}

func siteMatches(site string, sites []string) bool {
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

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func termOverlap(query, text string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	text = strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
