package retrieval

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/spf13/cast"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/embedding"
)

const milvusVectorField = "embedding"

type milvusClient struct {
	client     *milvusclient.Client
	collection string
	embedder   embedding.Embedder
}

func newMilvusClient(cfg *config.Config, ep config.EndpointConfig) (*milvusClient, error) {
	emb, err := queryEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	addr := os.Getenv(ep.APIEndpointEnv)
	if addr == "" {
		addr = "localhost:19530"
	}

	client, err := milvusclient.New(context.Background(), &milvusclient.ClientConfig{
		Address: addr,
		APIKey:  os.Getenv(ep.APIKeyEnv),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: failed to connect to milvus at %s: %w", addr, err)
	}

	return &milvusClient{
		client:     client,
		collection: ep.IndexName,
		embedder:   emb,
	}, nil
}

// siteExpr renders the port's site-filter semantics as a milvus boolean
// expression. Empty means no filter.
func siteExpr(sites []string) string {
	switch len(sites) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf(`site == "%s"`, escapeExpr(sites[0]))
	default:
		quoted := make([]string, len(sites))
		for i, s := range sites {
			quoted[i] = fmt.Sprintf("%q", escapeExpr(s))
		}
		return fmt.Sprintf("site in [%s]", strings.Join(quoted, ", "))
	}
}

func escapeExpr(s string) string {
	return strings.ReplaceAll(s, `"`, ``)
}

func (m *milvusClient) Search(ctx context.Context, query string, sites []string, k int) ([]Item, error) {
	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	opt := milvusclient.NewSearchOption(m.collection, k, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(milvusVectorField).
		WithOutputFields(fieldURL, fieldSchema, fieldName, fieldSite)
	if expr := siteExpr(sites); expr != "" {
		opt = opt.WithFilter(expr)
	}

	results, err := m.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("retrieval: milvus search failed: %w", err)
	}

	var items []Item
	for _, rs := range results {
		for i := 0; i < rs.ResultCount; i++ {
			items = append(items, Item{
				URL:    columnString(rs.GetColumn(fieldURL), i),
				Schema: columnString(rs.GetColumn(fieldSchema), i),
				Name:   columnString(rs.GetColumn(fieldName), i),
				Site:   columnString(rs.GetColumn(fieldSite), i),
			})
		}
	}
	if len(items) > k {
		items = items[:k]
	}
	return items, nil
}

func (m *milvusClient) SearchByURL(ctx context.Context, itemURL string) (*Item, error) {
	rs, err := m.client.Query(ctx, milvusclient.NewQueryOption(m.collection).
		WithFilter(fmt.Sprintf(`url == "%s"`, escapeExpr(itemURL))).
		WithOutputFields(fieldURL, fieldSchema, fieldName, fieldSite).
		WithLimit(1))
	if err != nil {
		return nil, fmt.Errorf("retrieval: milvus query failed: %w", err)
	}
	if rs.ResultCount == 0 {
		return nil, nil
	}
	return &Item{
		URL:    columnString(rs.GetColumn(fieldURL), 0),
		Schema: columnString(rs.GetColumn(fieldSchema), 0),
		Name:   columnString(rs.GetColumn(fieldName), 0),
		Site:   columnString(rs.GetColumn(fieldSite), 0),
	}, nil
}

func (m *milvusClient) DeleteBySite(ctx context.Context, site string) (int, error) {
	result, err := m.client.Delete(ctx, milvusclient.NewDeleteOption(m.collection).
		WithExpr(siteExpr([]string{site})))
	if err != nil {
		return 0, fmt.Errorf("retrieval: milvus delete failed: %w", err)
	}
	return int(result.DeleteCount), nil
}

func (m *milvusClient) Upload(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(docs))
	urls := make([]string, len(docs))
	sitesCol := make([]string, len(docs))
	names := make([]string, len(docs))
	schemas := make([]string, len(docs))
	vectors := make([][]float32, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		urls[i] = doc.URL
		sitesCol[i] = doc.Site
		names[i] = doc.Name
		schemas[i] = doc.Schema
		vectors[i] = doc.Vector
	}

	result, err := m.client.Insert(ctx, milvusclient.NewColumnBasedInsertOption(m.collection,
		column.NewColumnVarChar("id", ids),
		column.NewColumnVarChar(fieldURL, urls),
		column.NewColumnVarChar(fieldSite, sitesCol),
		column.NewColumnVarChar(fieldName, names),
		column.NewColumnVarChar(fieldSchema, schemas),
		column.NewColumnFloatVector(milvusVectorField, m.embedder.Dimensions(), vectors),
	))
	if err != nil {
		return 0, fmt.Errorf("retrieval: milvus insert of %d docs failed: %w", len(docs), err)
	}
	return int(result.InsertCount), nil
}

func columnString(col column.Column, idx int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(idx)
	if err != nil {
		return ""
	}
	return cast.ToString(v)
}
