// Package llm routes JSON-returning completion requests to configured
// providers. Every call names an answer schema; providers return untyped
// text which is reduced to a JSON object with ExtractObject, so no
// provider-specific structured-output mode is relied on.
package llm

import (
	"context"
	"errors"
	"time"
)

// Level selects the model tier for a call. Most analysis prompts run
// "high"; per-item ranking and the item-type and query-type detectors run
// "low".
type Level string

const (
	LevelLow  Level = "low"
	LevelHigh Level = "high"
)

// DefaultTimeout bounds a single completion call unless the caller
// overrides it.
const DefaultTimeout = 8 * time.Second

var (
	// ErrTimeout indicates the provider did not answer within the deadline.
	ErrTimeout = errors.New("llm: request timed out")
	// ErrBadResponse indicates the provider answered with content from which
	// no JSON object could be extracted.
	ErrBadResponse = errors.New("llm: response is not a JSON object")
	// ErrNoProvider indicates the requested provider has no registered
	// implementation.
	ErrNoProvider = errors.New("llm: no implementation for provider")
)

// Client is the completion port used by the query pipeline.
type Client interface {
	// Ask sends prompt to the configured provider at the given level and
	// returns the parsed JSON object. The returned map's top-level keys match
	// the requested schema's keys for well-behaved providers; callers must
	// still treat missing keys as a bad response.
	Ask(ctx context.Context, prompt string, schema map[string]any, level Level, timeout time.Duration) (map[string]any, error)
}

// completer is one provider implementation behind the router.
type completer interface {
	complete(ctx context.Context, prompt string, schema map[string]any, model string) (map[string]any, error)
}
