package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/embedding"
)

// Payload field names used in the qdrant collection.
const (
	fieldURL    = "url"
	fieldSite   = "site"
	fieldName   = "name"
	fieldSchema = "schema_json"
)

type qdrantClient struct {
	client     *qdrant.Client
	collection string
	embedder   embedding.Embedder
}

func newQdrantClient(cfg *config.Config, ep config.EndpointConfig) (*qdrantClient, error) {
	emb, err := queryEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	endpoint := os.Getenv(ep.APIEndpointEnv)
	if endpoint == "" {
		endpoint = "localhost:6334"
	}
	host, port, useTLS, err := parseQdrantEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: os.Getenv(ep.APIKeyEnv),
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: failed to connect to qdrant at %s: %w", endpoint, err)
	}

	return &qdrantClient{
		client:     client,
		collection: ep.IndexName,
		embedder:   emb,
	}, nil
}

// parseQdrantEndpoint accepts "host:port" or a URL and returns connection
// parameters for the gRPC client.
func parseQdrantEndpoint(endpoint string) (host string, port int, useTLS bool, err error) {
	if u, perr := url.Parse(endpoint); perr == nil && u.Host != "" {
		host = u.Hostname()
		useTLS = u.Scheme == "https"
		port = 6334
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
		}
		return host, port, useTLS, err
	}

	host = endpoint
	port = 6334
	if h, p, serr := splitHostPort(endpoint); serr == nil {
		host = h
		port = p
	}
	return host, port, false, nil
}

func splitHostPort(s string) (string, int, error) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			port, err := strconv.Atoi(s[i+1:])
			return s[:i], port, err
		}
	}
	return s, 0, fmt.Errorf("no port in %q", s)
}

// siteFilter builds the qdrant match condition for the port's site
// semantics. nil means no filter.
func siteFilter(sites []string) *qdrant.Filter {
	switch len(sites) {
	case 0:
		return nil
	case 1:
		return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(fieldSite, sites[0])}}
	default:
		return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeywords(fieldSite, sites...)}}
	}
}

func (q *qdrantClient) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	vector, err := q.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         siteFilter(sites),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: qdrant query failed: %w", err)
	}

	items := make([]Item, 0, len(points))
	for _, p := range points {
		items = append(items, payloadToItem(p.Payload))
	}
	return items, nil
}

func (q *qdrantClient) SearchByURL(ctx context.Context, itemURL string) (*Item, error) {
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(fieldURL, itemURL)},
		},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: qdrant scroll failed: %w", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	item := payloadToItem(points[0].Payload)
	return &item, nil
}

func (q *qdrantClient) DeleteBySite(ctx context.Context, site string) (int, error) {
	filter := siteFilter([]string{site})

	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         filter,
	})
	if err != nil {
		return 0, fmt.Errorf("retrieval: qdrant count failed: %w", err)
	}

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelectorFilter(filter),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("retrieval: qdrant delete failed: %w", err)
	}
	return int(count), nil
}

func (q *qdrantClient) Upload(ctx context.Context, docs []Document) (int, error) {
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for _, doc := range docs {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldURL:    doc.URL,
				fieldSite:   doc.Site,
				fieldName:   doc.Name,
				fieldSchema: doc.Schema,
			}),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("retrieval: qdrant upsert of %d points failed: %w", len(points), err)
	}
	return len(points), nil
}

func payloadToItem(payload map[string]*qdrant.Value) Item {
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return Item{
		URL:    get(fieldURL),
		Schema: get(fieldSchema),
		Name:   get(fieldName),
		Site:   get(fieldSite),
	}
}
