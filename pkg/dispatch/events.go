package dispatch

import (
	"context"

	"github.com/lmstream/lmstream/pkg/llm"
)

// Event is the closed union of everything a dispatch stream can emit: model
// output forwarded verbatim, plus results of tool executions performed
// between model turns. Consumers switch on the concrete type.
type Event interface {
	dispatchEvent()
}

// ModelEvent forwards one llm.StreamEvent from the current model turn.
type ModelEvent struct {
	Event llm.StreamEvent
}

// ToolResultSuccess reports a completed tool execution.
type ToolResultSuccess struct {
	ID     string
	Name   string
	Result string
}

// ToolResultError reports a failed tool execution whose error was sent back
// to the model (unknown tool, invalid arguments, or a recoverable tool
// failure).
type ToolResultError struct {
	ID     string
	Name   string
	Result string
}

func (ModelEvent) dispatchEvent()        {}
func (ToolResultSuccess) dispatchEvent() {}
func (ToolResultError) dispatchEvent()   {}

// Run is the consumer side of a dispatch run. Events closes when the run
// ends; Err and Thread are meaningful after that.
type Run struct {
	events chan Event
	done   chan struct{}
	err    error
	thread llm.Thread
}

func newRun(buf int) *Run {
	if buf <= 0 {
		buf = 64
	}
	return &Run{
		events: make(chan Event, buf),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It closes when the run ends.
func (s *Run) Events() <-chan Event {
	return s.events
}

// Err returns the error that ended the run, or nil for a clean finish.
// Returns nil while the run is still live.
func (s *Run) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Thread returns the conversation extended with everything the run added:
// assistant messages, tool-use records, and tool results. Valid after the
// Events channel has closed; returns nil while the run is still live.
func (s *Run) Thread() llm.Thread {
	select {
	case <-s.done:
		return s.thread
	default:
		return nil
	}
}

// push delivers ev unless ctx is cancelled. Reports whether delivery happened.
func (s *Run) push(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// close records the final thread and error and releases consumers.
func (s *Run) close(thread llm.Thread, err error) {
	s.thread = thread
	s.err = err
	close(s.done)
	close(s.events)
}

func failedRun(thread llm.Thread, err error) *Run {
	s := newRun(1)
	s.close(thread, err)
	return s
}
