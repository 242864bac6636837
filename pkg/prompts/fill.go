package prompts

import (
	"strings"
	"sync"
)

// Variable names recognized in templates are resolved by the caller through
// a lookup function; the store only knows how to find and substitute them.

var (
	varCacheMu sync.RWMutex
	varCache   = map[string][]string{}
)

// Vars returns the {var} placeholder names in a template, cached per
// template string.
func Vars(template string) []string {
	varCacheMu.RLock()
	vars, ok := varCache[template]
	varCacheMu.RUnlock()
	if ok {
		return vars
	}

	vars = extractVars(template)

	varCacheMu.Lock()
	varCache[template] = vars
	varCacheMu.Unlock()
	return vars
}

func extractVars(template string) []string {
	seen := map[string]bool{}
	var vars []string
	for start := 0; ; {
		open := strings.IndexByte(template[start:], '{')
		if open < 0 {
			break
		}
		open += start
		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			break
		}
		close += open
		name := strings.TrimSpace(template[open+1 : close])
		if name != "" && !seen[name] {
			seen[name] = true
			vars = append(vars, name)
		}
		start = close + 1
	}
	return vars
}

// Fill substitutes every {var} placeholder using lookup. Unknown variables
// resolve to the empty string via the lookup contract.
func Fill(template string, lookup func(name string) string) string {
	for _, name := range Vars(template) {
		template = strings.ReplaceAll(template, "{"+name+"}", lookup(name))
	}
	return template
}
