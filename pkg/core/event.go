// Package core implements the query orchestration pipeline: the per-request
// handler state machine, the speculative fast-track path, per-item LLM
// ranking with early send, and the summarize/generate post-processing paths.
package core

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is a one-shot broadcast: Set closes the channel exactly once and
// every waiter observes it. Single producer, many consumers.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

// NewEvent returns an unset event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set fires the event. Safe to call more than once.
func (e *Event) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether the event has fired.
func (e *Event) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the event fires.
func (e *Event) Done() <-chan struct{} {
	return e.ch
}

// Wait blocks until the event fires or ctx is cancelled.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flag is a set-then-clearable boolean used for connection liveness. It is
// only ever polled, never waited on.
type Flag struct {
	v atomic.Bool
}

// NewFlag returns a flag with the given initial value.
func NewFlag(initial bool) *Flag {
	f := &Flag{}
	f.v.Store(initial)
	return f
}

func (f *Flag) Set()        { f.v.Store(true) }
func (f *Flag) Clear()      { f.v.Store(false) }
func (f *Flag) IsSet() bool { return f.v.Load() }
