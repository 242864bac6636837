// Package prompts stores and resolves LLM prompt templates. Catalogs are
// XML trees of Site → Type → Prompt nodes; resolution prefers a
// site-specific subtree, falls back to the global tree, and treats "Thing"
// as a universal type match.
package prompts

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// BaseNS is the namespace of prompt catalog documents.
const BaseNS = "http://nlweb.ai/base"

// Prompt is an immutable template plus the schema its answer must match.
type Prompt struct {
	Template     string
	AnswerSchema map[string]any
}

type node struct {
	XMLName  xml.Name
	Ref      string `xml:"ref,attr"`
	Text     string `xml:",chardata"`
	Children []node `xml:",any"`
}

type cacheKey struct {
	site     string
	itemType string
	name     string
}

// Store holds parsed prompt catalogs. Read-mostly: resolution results are
// cached by (site, type, name), including misses.
type Store struct {
	roots []node

	mu    sync.RWMutex
	cache map[cacheKey]*Prompt
}

// Load parses the given catalog files into a store.
func Load(files ...string) (*Store, error) {
	s := &Store{cache: make(map[cacheKey]*Prompt)}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("prompts: failed to read catalog %s: %w", file, err)
		}
		if err := s.AddCatalog(data); err != nil {
			return nil, fmt.Errorf("prompts: failed to parse catalog %s: %w", file, err)
		}
		slog.Info("Loaded prompt catalog", "file", file)
	}
	return s, nil
}

// NewStore creates a store from raw catalog content. Used by tests and by
// callers that embed their catalogs.
func NewStore(catalogs ...[]byte) (*Store, error) {
	s := &Store{cache: make(map[cacheKey]*Prompt)}
	for _, data := range catalogs {
		if err := s.AddCatalog(data); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddCatalog parses one XML document and appends its root to the store.
func (s *Store) AddCatalog(data []byte) error {
	var root node
	if err := xml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("prompts: invalid catalog XML: %w", err)
	}
	s.roots = append(s.roots, root)
	return nil
}

// Find resolves a prompt by (site, itemType, name). A miss returns nil and
// the caller must treat the step as a no-op.
func (s *Store) Find(site, itemType, name string) *Prompt {
	key := cacheKey{site, itemType, name}

	s.mu.RLock()
	p, hit := s.cache[key]
	s.mu.RUnlock()
	if hit {
		return p
	}

	p = s.resolve(site, itemType, name)

	s.mu.Lock()
	s.cache[key] = p
	s.mu.Unlock()

	if p == nil {
		slog.Debug("Prompt not found", "prompt", name, "site", site, "item_type", itemType)
	}
	return p
}

func (s *Store) resolve(site, itemType, name string) *Prompt {
	// Prefer a site-specific subtree matching site=ref.
	var candidates []node
	for _, root := range s.roots {
		for _, child := range root.Children {
			if isTag(child, "Site") && child.Ref == site {
				candidates = append(candidates, child)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = s.roots
	}

	var found *node
	for _, candidate := range candidates {
		for i := range candidate.Children {
			typeNode := &candidate.Children[i]
			if isTag(*typeNode, "Site") || !typeMatches(*typeNode, itemType) {
				continue
			}
			for j := range typeNode.Children {
				pe := &typeNode.Children[j]
				if isTag(*pe, "Prompt") && pe.Ref == name {
					found = pe
				}
			}
		}
	}
	if found == nil {
		return nil
	}

	prompt := &Prompt{}
	for _, child := range found.Children {
		switch {
		case isTag(child, "promptString"):
			prompt.Template = strings.TrimSpace(child.Text)
		case isTag(child, "returnStruc"):
			text := strings.TrimSpace(child.Text)
			if text == "" {
				continue
			}
			var schema map[string]any
			if err := json.Unmarshal([]byte(text), &schema); err != nil {
				slog.Error("Failed to parse prompt return structure", "prompt", name, "error", err)
				continue
			}
			prompt.AnswerSchema = schema
		}
	}
	if prompt.Template == "" {
		return nil
	}
	return prompt
}

// Info identifies one catalog entry for listing surfaces.
type Info struct {
	Site     string `json:"site,omitempty"`
	ItemType string `json:"item_type"`
	Name     string `json:"name"`
}

// List enumerates every prompt in the loaded catalogs.
func (s *Store) List() []Info {
	var infos []Info
	for _, root := range s.roots {
		for _, child := range root.Children {
			if isTag(child, "Site") {
				for _, typeNode := range child.Children {
					infos = append(infos, listType(child.Ref, typeNode)...)
				}
				continue
			}
			infos = append(infos, listType("", child)...)
		}
	}
	return infos
}

func listType(site string, typeNode node) []Info {
	var infos []Info
	for _, pe := range typeNode.Children {
		if isTag(pe, "Prompt") {
			infos = append(infos, Info{Site: site, ItemType: typeNode.XMLName.Local, Name: pe.Ref})
		}
	}
	return infos
}

// typeMatches reports whether a type node applies to itemType. "Thing" is
// the universal parent of every type.
func typeMatches(n node, itemType string) bool {
	local := n.XMLName.Local
	return local == itemType || local == "Thing"
}

func isTag(n node, local string) bool {
	return n.XMLName.Local == local && (n.XMLName.Space == "" || n.XMLName.Space == BaseNS)
}
