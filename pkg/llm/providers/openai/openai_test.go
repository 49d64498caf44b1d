package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lmstream/lmstream/pkg/llm"
)

func sseServer(t *testing.T, chunks []string, capture *wireRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func drain(t *testing.T, s *llm.EventStream) []llm.StreamEvent {
	t.Helper()
	var out []llm.StreamEvent
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestGenerateTextStream(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
	}
	srv := sseServer(t, chunks, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "gpt-test", APIKey: "k"})
	events := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	want := []llm.StreamEvent{
		llm.ContentStart{},
		llm.Content{Text: "Hel"},
		llm.Content{Text: "lo"},
		llm.Message{Message: llm.AssistantMessage{Content: "Hello"}},
		llm.Stats{InputTokens: 10, OutputTokens: 2},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestGenerateChunkedToolCalls(t *testing.T) {
	// Two interleaved calls; ids and names arrive once, arguments in pieces.
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"search"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"fetch","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := sseServer(t, chunks, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "gpt-test", APIKey: "k"})
	events := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	var calls []llm.ToolCall
	var starts []llm.ToolCallStart
	for _, ev := range events {
		switch e := ev.(type) {
		case llm.ToolCall:
			calls = append(calls, e)
		case llm.ToolCallStart:
			starts = append(starts, e)
		}
	}
	if len(starts) != 2 {
		t.Errorf("got %d ToolCallStart events", len(starts))
	}
	if len(calls) != 2 {
		t.Fatalf("got %d ToolCall events: %+v", len(calls), events)
	}
	// Flushed in index order regardless of arrival interleaving.
	if calls[0].ID != "call_a" || calls[0].Arguments != `{"q":"go"}` {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].ID != "call_b" || calls[1].Arguments != "{}" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestGenerateNameBeforeID(t *testing.T) {
	// Some gateways send the function name in one chunk and the call id in a
	// later one; the start event must still carry the final call's id.
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"search"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_x","function":{"arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := sseServer(t, chunks, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "gpt-test", APIKey: "k"})
	events := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	var start *llm.ToolCallStart
	var call *llm.ToolCall
	for _, ev := range events {
		switch e := ev.(type) {
		case llm.ToolCallStart:
			if start != nil {
				t.Fatalf("duplicate ToolCallStart: %+v", e)
			}
			start = &e
		case llm.ToolCall:
			call = &e
		}
	}
	if start == nil || call == nil {
		t.Fatalf("events = %+v", events)
	}
	if start.ID != "call_x" || start.ID != call.ID {
		t.Errorf("start id = %q, call id = %q", start.ID, call.ID)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"context_length_exceeded"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "m", APIKey: "k"})
	drain(t, s)

	var te *llm.TransportError
	if !errors.As(s.Err(), &te) {
		t.Fatalf("Err = %v", s.Err())
	}
	if !llm.IsContextOverflow(s.Err(), 0, 0) {
		t.Error("overflow body not detected")
	}
}

func TestGenerateConfigErrors(t *testing.T) {
	p := New("")
	for _, req := range []llm.Request{{APIKey: "k"}, {Model: "gpt"}} {
		s := p.Generate(context.Background(), req)
		drain(t, s)
		var ce *llm.ConfigError
		if !errors.As(s.Err(), &ce) {
			t.Errorf("req %+v: Err = %v, want ConfigError", req, s.Err())
		}
	}
}

func TestBuildMessagesShape(t *testing.T) {
	var captured wireRequest
	srv := sseServer(t, nil, &captured)
	defer srv.Close()

	thread := llm.Thread{
		llm.SystemMessage{Content: "short answers"},
		llm.UserText("run it"),
		llm.AssistantMessage{Content: "running"},
		llm.ToolUseEvent{ID: "c1", Name: "run", Input: json.RawMessage(`{}`)},
		llm.ToolResultSuccessEvent{ID: "c1", Name: "run", Result: "exit 0"},
	}
	s := New(srv.URL).Generate(context.Background(), llm.Request{
		Model: "m", APIKey: "k", SystemPrompt: "base", Thread: thread,
	})
	drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	if !captured.Stream || captured.StreamOptions == nil || !captured.StreamOptions.IncludeUsage {
		t.Error("streaming with usage not requested")
	}
	// system(prompt), system(thread), user, assistant(+tool_calls), tool
	if len(captured.Messages) != 5 {
		t.Fatalf("got %d messages: %+v", len(captured.Messages), captured.Messages)
	}
	asst := captured.Messages[3]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" {
		t.Errorf("assistant message = %+v", asst)
	}
	result := captured.Messages[4]
	if result.Role != "tool" || result.ToolCallID != "c1" {
		t.Errorf("tool message = %+v", result)
	}
}
