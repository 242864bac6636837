// dbload ingests schema.org items into the configured vector database.
//
// Usage:
//
//	dbload [flags] <file-or-url> <site>
//
// Input is JSON lines: either a schema.org object per line (url and name
// taken from the object) or "url<TAB>json". With --url-list the input is
// one URL per line and a minimal schema object is synthesized.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/nlweb-community/nlweb/pkg/config"
	"github.com/nlweb-community/nlweb/pkg/embedding"
	"github.com/nlweb-community/nlweb/pkg/retrieval"
	"github.com/nlweb-community/nlweb/pkg/schemaorg"
)

func main() {
	var (
		configDir      string
		deleteSite     bool
		onlyDelete     bool
		forceRecompute bool
		urlList        bool
		batchSize      int
		database       string
	)

	pflag.StringVar(&configDir, "config-dir", getEnv("NLWEB_CONFIG_DIR", "./config"), "configuration directory")
	pflag.BoolVar(&deleteSite, "delete-site", false, "delete existing documents for the site before loading")
	pflag.BoolVar(&onlyDelete, "only-delete", false, "delete existing documents for the site and exit")
	pflag.BoolVar(&forceRecompute, "force-recompute", false, "recompute embeddings even when cached")
	pflag.BoolVar(&urlList, "url-list", false, "input is one URL per line")
	pflag.IntVar(&batchSize, "batch-size", 100, "embedding/upload batch size")
	pflag.StringVar(&database, "database", "", "retrieval endpoint name (default: preferred)")
	pflag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo})))

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	args := pflag.Args()
	if onlyDelete {
		if len(args) < 1 {
			log.Fatal("usage: dbload --only-delete <site>")
		}
	} else if len(args) < 2 {
		log.Fatal("usage: dbload [flags] <file-or-url> <site>")
	}

	cfg, err := config.Initialize(configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	retriever, err := retrieval.Get(cfg, database)
	if err != nil {
		log.Fatalf("Failed to connect to retrieval backend: %v", err)
	}

	ctx := context.Background()

	if onlyDelete {
		site := args[len(args)-1]
		deleted, err := retriever.DeleteBySite(ctx, site)
		if err != nil {
			log.Fatalf("Delete failed: %v", err)
		}
		slog.Info("Deleted site documents", "site", site, "count", deleted)
		return
	}

	source, site := args[0], args[1]

	if deleteSite {
		deleted, err := retriever.DeleteBySite(ctx, site)
		if err != nil {
			log.Fatalf("Delete failed: %v", err)
		}
		slog.Info("Deleted existing site documents", "site", site, "count", deleted)
	}

	embedder, err := embedding.Get(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize embedder: %v", err)
	}

	loader := &loader{
		retriever:      retriever,
		embedder:       embedder,
		site:           site,
		batchSize:      batchSize,
		urlList:        urlList,
		forceRecompute: forceRecompute,
		cachePath:      outputPath(fmt.Sprintf("embeddings_%s.jsonl", site)),
	}
	if err := loader.run(ctx, source); err != nil {
		log.Fatalf("Load failed: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// outputPath resolves a relative output path, honoring NLWEB_OUTPUT_DIR.
func outputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if dir := os.Getenv("NLWEB_OUTPUT_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}
	return name
}

type loader struct {
	retriever      retrieval.Client
	embedder       embedding.Embedder
	site           string
	batchSize      int
	urlList        bool
	forceRecompute bool
	cachePath      string

	cache map[string][]float32
}

func (l *loader) run(ctx context.Context, source string) error {
	reader, err := open(source)
	if err != nil {
		return err
	}
	defer reader.Close()

	l.loadCache()

	var (
		batch    []retrieval.Document
		total    int
		uploaded int
	)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		doc, err := l.parseLine(line)
		if err != nil {
			slog.Warn("Skipping unparsable line", "error", err)
			continue
		}
		batch = append(batch, doc)
		total++

		if len(batch) >= l.batchSize {
			n, err := l.flush(ctx, batch)
			if err != nil {
				return err
			}
			uploaded += n
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read failed: %w", err)
	}
	if len(batch) > 0 {
		n, err := l.flush(ctx, batch)
		if err != nil {
			return err
		}
		uploaded += n
	}

	l.saveCache()
	slog.Info("Load complete", "site", l.site, "parsed", total, "uploaded", uploaded)
	return nil
}

// parseLine turns one input line into an (unembedded) document.
func (l *loader) parseLine(line string) (retrieval.Document, error) {
	var itemURL, schemaJSON string

	switch {
	case l.urlList:
		itemURL = line
		schemaJSON = fmt.Sprintf(`{"@type":"Thing","url":%q}`, line)
	case strings.Contains(line, "\t"):
		parts := strings.SplitN(line, "\t", 2)
		itemURL, schemaJSON = parts[0], parts[1]
	default:
		obj := schemaorg.Parse(line)
		if obj == nil {
			return retrieval.Document{}, fmt.Errorf("line is neither a URL, TSV, nor JSON object")
		}
		itemURL, _ = obj["url"].(string)
		if itemURL == "" {
			itemURL, _ = obj["@id"].(string)
		}
		if itemURL == "" {
			return retrieval.Document{}, fmt.Errorf("object has no url")
		}
		schemaJSON = line
	}

	return retrieval.Document{
		ID:     docID(itemURL),
		URL:    itemURL,
		Site:   l.site,
		Name:   schemaorg.DeriveName(itemURL, schemaJSON),
		Schema: schemaJSON,
	}, nil
}

// flush embeds and uploads one batch.
func (l *loader) flush(ctx context.Context, batch []retrieval.Document) (int, error) {
	var missing []int
	var texts []string
	for i := range batch {
		if !l.forceRecompute {
			if vec, ok := l.cache[batch[i].URL]; ok {
				batch[i].Vector = vec
				continue
			}
		}
		missing = append(missing, i)
		texts = append(texts, embeddingText(batch[i]))
	}

	if len(texts) > 0 {
		vectors, err := l.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embedding batch failed: %w", err)
		}
		for j, i := range missing {
			batch[i].Vector = vectors[j]
			l.cache[batch[i].URL] = vectors[j]
		}
	}

	n, err := l.retriever.Upload(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	slog.Info("Uploaded batch", "count", n, "embedded", len(texts))
	return n, nil
}

// embeddingText is the text embedded for a document: its name plus the
// trimmed schema content.
func embeddingText(doc retrieval.Document) string {
	trimmed, err := json.Marshal(schemaorg.Trim(doc.Schema))
	if err != nil {
		return doc.Name
	}
	return doc.Name + " " + string(trimmed)
}

// docID derives a stable point id from the URL so reloads upsert instead
// of duplicating.
func docID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// open returns a reader over a local file or an http(s) URL.
func open(source string) (io.ReadCloser, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		client := &http.Client{Timeout: 60 * time.Second}
		resp, err := client.Get(source)
		if err != nil {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch failed: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
	return os.Open(source)
}

// loadCache reads previously computed embeddings, keyed by URL.
func (l *loader) loadCache() {
	l.cache = make(map[string][]float32)
	if l.forceRecompute {
		return
	}
	f, err := os.Open(l.cachePath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry struct {
			URL    string    `json:"url"`
			Vector []float32 `json:"vector"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil && entry.URL != "" {
			l.cache[entry.URL] = entry.Vector
		}
	}
	slog.Info("Loaded embedding cache", "path", l.cachePath, "entries", len(l.cache))
}

// saveCache persists the embedding cache for future runs.
func (l *loader) saveCache() {
	if len(l.cache) == 0 {
		return
	}
	if dir := filepath.Dir(l.cachePath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, err := os.Create(l.cachePath)
	if err != nil {
		slog.Warn("Could not write embedding cache", "path", l.cachePath, "error", err)
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()
	for url, vec := range l.cache {
		entry := map[string]any{"url": url, "vector": vec}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
}
