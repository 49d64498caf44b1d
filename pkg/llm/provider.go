package llm

import "context"

// Request carries everything a provider needs for one generation call.
// It is a configuration object, not a protocol: providers translate it into
// their own wire format.
type Request struct {
	Model        string
	APIKey       string
	SystemPrompt string
	Thread       Thread
	Tools        []ToolDefinition
	MaxTokens    int
	Temperature  *float64
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON Schema object for the tool's input.
	Parameters []byte `json:"parameters"`
}

// Provider decodes one vendor's wire protocol into the canonical stream.
//
// Generate validates the request (missing model or credentials fail fast with
// a *ConfigError before any network I/O), issues the backend call, and
// returns an EventStream that terminates with nil on success or a typed error
// otherwise. Each call owns its private accumulation state; streams are
// finite and not restartable.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai", "anthropic".
	Name() string

	// Generate starts a streaming call bound to ctx. Cancelling ctx stops
	// the background decoder and terminates the stream.
	Generate(ctx context.Context, req Request) *EventStream
}

// defaultStreamBuffer bounds the producer/consumer hand-off so a stalled
// consumer applies backpressure to the network read instead of buffering the
// whole response.
const defaultStreamBuffer = 64

// EventStream is the canonical event sequence: pull-based, finite, bound to
// the Generate call that produced it. Consume with:
//
//	for ev := range s.Events() { ... }
//	if err := s.Err(); err != nil { ... }
//
// Err is meaningful only after the Events channel has closed.
type EventStream struct {
	events chan StreamEvent
	done   chan struct{}
	err    error
}

// NewEventStream returns a stream backed by a bounded channel. buf <= 0
// selects the default buffer size.
func NewEventStream(buf int) *EventStream {
	if buf <= 0 {
		buf = defaultStreamBuffer
	}
	return &EventStream{
		events: make(chan StreamEvent, buf),
		done:   make(chan struct{}),
	}
}

// FailedStream returns an already-terminated stream carrying err. Providers
// use it for fail-fast configuration errors.
func FailedStream(err error) *EventStream {
	s := NewEventStream(1)
	s.Close(err)
	return s
}

// Events returns the event channel. It closes when the stream ends.
func (s *EventStream) Events() <-chan StreamEvent {
	return s.events
}

// Err returns the terminal error, or nil for a successful stream. It returns
// nil while the stream is still live.
func (s *EventStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Push delivers one event to the consumer, blocking when the buffer is full.
// It returns false once ctx is done; the producer should stop decoding.
func (s *EventStream) Push(ctx context.Context, ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close terminates the stream. A nil err means success. Exactly one Close
// per stream; it must come from the producing goroutine.
func (s *EventStream) Close(err error) {
	s.err = err
	close(s.done)
	close(s.events)
}
