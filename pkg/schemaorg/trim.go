// Package schemaorg contains helpers for working with schema.org JSON
// objects: type-aware trimming before LLM calls and item-name derivation.
package schemaorg

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Attributes dropped per type before an item is shown to the ranking LLM.
// Unknown types pass through untouched.
var trimSkipAttrs = map[string][]string{
	"Recipe":   {"mainEntityOfPage", "publisher", "image", "datePublished", "dateModified", "author"},
	"Movie":    {"mainEntityOfPage", "publisher", "image", "datePublished", "dateModified", "author", "trailer"},
	"TVSeries": {"mainEntityOfPage", "publisher", "image", "datePublished", "dateModified", "author", "trailer"},
}

// Additional attributes dropped in hard mode (generate path, where the
// synthesis context window is shared across many items).
var trimHardExtraAttrs = map[string][]string{
	"Recipe":   {"review", "recipeYield", "recipeInstructions", "nutrition"},
	"Movie":    {"actor", "director", "creator", "review"},
	"TVSeries": {"actor", "director", "creator", "review"},
}

// Parse decodes a schema.org JSON string into a generic object. Non-JSON
// input yields nil.
func Parse(schemaJSON string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &obj); err != nil {
		return nil
	}
	return obj
}

// Trim returns a reduced copy of the object suitable for per-item ranking
// prompts.
func Trim(schemaJSON string) map[string]any {
	return trim(schemaJSON, false)
}

// TrimHard returns an aggressively reduced copy for the generate path.
func TrimHard(schemaJSON string) map[string]any {
	return trim(schemaJSON, true)
}

func trim(schemaJSON string, hard bool) map[string]any {
	obj := Parse(schemaJSON)
	if obj == nil {
		return map[string]any{"text": schemaJSON}
	}

	skip := map[string]bool{}
	matched := false
	for _, typ := range Types(obj) {
		attrs, ok := trimSkipAttrs[typ]
		if !ok {
			continue
		}
		matched = true
		for _, a := range attrs {
			skip[a] = true
		}
		if hard {
			for _, a := range trimHardExtraAttrs[typ] {
				skip[a] = true
			}
		}
	}
	if !matched {
		return obj
	}

	out := make(map[string]any, len(obj))
	for attr, val := range obj {
		if skip[attr] {
			continue
		}
		// Credit attributes collapse to names so the prompt sees people, not
		// nested objects.
		if attr == "actor" || attr == "director" || attr == "creator" {
			if names := personNames(val); len(names) > 0 {
				out[attr] = names
				continue
			}
		}
		out[attr] = val
	}
	return out
}

// Types returns the object's @type values as a list.
func Types(obj map[string]any) []string {
	raw, ok := obj["@type"]
	if !ok {
		return []string{"Thing"}
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		var types []string
		for _, t := range v {
			if s, ok := t.(string); ok {
				types = append(types, s)
			}
		}
		return types
	default:
		return []string{"Thing"}
	}
}

func personNames(val any) []string {
	var names []string
	collect := func(v any) {
		if m, ok := v.(map[string]any); ok {
			if name, ok := m["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	if list, ok := val.([]any); ok {
		for _, v := range list {
			collect(v)
		}
	} else {
		collect(val)
	}
	return names
}

// DeriveName produces a display name for an item whose stored name is
// empty: the schema object's name field if present, else the last path
// segment of the URL with separators prettified.
func DeriveName(itemURL, schemaJSON string) string {
	if obj := Parse(schemaJSON); obj != nil {
		if name, ok := obj["name"].(string); ok && name != "" {
			return name
		}
	}

	u, err := url.Parse(itemURL)
	if err != nil {
		return itemURL
	}
	segment := strings.TrimSuffix(u.Path, "/")
	if idx := strings.LastIndex(segment, "/"); idx >= 0 {
		segment = segment[idx+1:]
	}
	segment = strings.NewReplacer("-", " ", "_", " ").Replace(segment)
	if segment == "" {
		return u.Host
	}
	return segment
}

// VisibleURL returns the URL's host without a leading "www." for display;
// the path and query are dropped.
func VisibleURL(itemURL string) string {
	u, err := url.Parse(itemURL)
	if err != nil {
		return itemURL
	}
	return strings.TrimPrefix(u.Host, "www.")
}
