package config

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a lookup against the loaded configuration missed.
var ErrNotFound = errors.New("not found")

// ValidationError collects every problem found during validation so that a
// misconfigured deployment reports all issues at once instead of one per
// restart.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid configuration: %s", e.Problems[0])
	}
	return fmt.Sprintf("invalid configuration (%d problems): %v", len(e.Problems), e.Problems)
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
