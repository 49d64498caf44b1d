package anthropic

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

func sseServer(t *testing.T, frames []string, capture *wireRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, fr := range frames {
			fmt.Fprint(w, fr)
		}
	}))
}

func frame(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func textToolFixture() []string {
	return []string{
		frame("message_start", `{"message":{"usage":{"input_tokens":42}}}`),
		frame("content_block_start", `{"index":0,"content_block":{"type":"text"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"Hello"}}`),
		frame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":" world"}}`),
		frame("content_block_stop", `{"index":0}`),
		frame("content_block_start", `{"index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"search"}}`),
		frame("content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`),
		frame("content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`),
		frame("content_block_stop", `{"index":1}`),
		frame("message_delta", `{"usage":{"output_tokens":17}}`),
		frame("message_stop", `{}`),
	}
}

func drain(t *testing.T, s *llm.EventStream) []llm.StreamEvent {
	t.Helper()
	var out []llm.StreamEvent
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestGenerateDecodesStream(t *testing.T) {
	srv := sseServer(t, textToolFixture(), nil)
	defer srv.Close()

	p := New(srv.URL)
	s := p.Generate(context.Background(), llm.Request{
		Model:  "claude-test",
		APIKey: "sk-test",
		Thread: llm.Thread{llm.UserText("hi")},
	})
	events := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	want := []llm.StreamEvent{
		llm.ContentStart{},
		llm.Content{Text: "Hello"},
		llm.Content{Text: " world"},
		llm.Message{Message: llm.AssistantMessage{Content: "Hello world"}},
		llm.ToolCallStart{ID: "toolu_01", Name: "search"},
		llm.ToolCall{ID: "toolu_01", Name: "search", Arguments: `{"query":"go"}`},
		llm.Stats{InputTokens: 42, OutputTokens: 17},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestGenerateEmptyToolArguments(t *testing.T) {
	frames := []string{
		frame("content_block_start", `{"index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"list"}}`),
		frame("content_block_stop", `{"index":0}`),
		frame("message_stop", `{}`),
	}
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "m", APIKey: "k"})
	events := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	call, ok := events[len(events)-1].(llm.ToolCall)
	if !ok || call.Arguments != "{}" {
		t.Errorf("last event = %+v, want ToolCall with {} arguments", events[len(events)-1])
	}
}

func TestGenerateErrorFrame(t *testing.T) {
	frames := []string{
		frame("error", `{"error":{"type":"overloaded_error","message":"Overloaded"}}`),
	}
	srv := sseServer(t, frames, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "m", APIKey: "k"})
	drain(t, s)

	var te *llm.TransportError
	if !errors.As(s.Err(), &te) {
		t.Fatalf("Err = %v, want TransportError", s.Err())
	}
	if te.Body != "Overloaded" {
		t.Errorf("Body = %q", te.Body)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"prompt is too long"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "m", APIKey: "k"})
	drain(t, s)

	var te *llm.TransportError
	if !errors.As(s.Err(), &te) {
		t.Fatalf("Err = %v", s.Err())
	}
	if te.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", te.Status)
	}
	if !llm.IsContextOverflow(s.Err(), 0, 0) {
		t.Error("overflow body not detected")
	}
}

func TestGenerateConfigErrors(t *testing.T) {
	p := New("")
	for _, req := range []llm.Request{
		{APIKey: "k"},      // missing model
		{Model: "claude3"}, // missing key
	} {
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
	srv := sseServer(t, []string{frame("message_stop", `{}`)}, &captured)
	defer srv.Close()

	thread := llm.Thread{
		llm.SystemMessage{Content: "be brief"},
		llm.UserText("look this up"),
		llm.AssistantMessage{Content: "on it"},
		llm.ToolUseEvent{ID: "t1", Name: "search", Input: json.RawMessage(`{"q":"a"}`)},
		llm.ToolUseEvent{ID: "t2", Name: "search", Input: json.RawMessage(`{"q":"b"}`)},
		llm.ToolResultSuccessEvent{ID: "t1", Name: "search", Result: "found a"},
		llm.ToolResultErrorEvent{ID: "t2", Name: "search", Result: "not found"},
	}
	s := New(srv.URL).Generate(context.Background(), llm.Request{
		Model: "m", APIKey: "k", SystemPrompt: "you are a test", Thread: thread,
	})
	drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	if captured.System != "you are a test\n\nbe brief" {
		t.Errorf("system = %q", captured.System)
	}
	// user, assistant(text + 2 tool_use), user(2 merged tool_results)
	if len(captured.Messages) != 3 {
		t.Fatalf("got %d messages: %+v", len(captured.Messages), captured.Messages)
	}
	asst := captured.Messages[1]
	if asst.Role != "assistant" || len(asst.Content) != 3 {
		t.Errorf("assistant message = %+v", asst)
	}
	results := captured.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool-result message = %+v", results)
	}
	if !results.Content[1].IsError || results.Content[1].ToolUseID != "t2" {
		t.Errorf("second result = %+v", results.Content[1])
	}
}
