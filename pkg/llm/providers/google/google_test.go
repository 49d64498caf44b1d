package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
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

func TestGenerateWholeObjectFrames(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"there"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"search","args":{"q":"go"}}}]}}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4,"totalTokenCount":13}}`,
	}
	srv := sseServer(t, chunks, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "gemini-test", APIKey: "k"})
	events := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	var texts []string
	var call *llm.ToolCall
	var msg *llm.Message
	var stats *llm.Stats
	for _, ev := range events {
		switch e := ev.(type) {
		case llm.Content:
			texts = append(texts, e.Text)
		case llm.ToolCall:
			call = &e
		case llm.Message:
			msg = &e
		case llm.Stats:
			stats = &e
		}
	}
	if strings.Join(texts, "") != "Hello there" {
		t.Errorf("text deltas = %v", texts)
	}
	if msg == nil || msg.Message.Content != "Hello there" {
		t.Errorf("final message = %+v", msg)
	}
	if call == nil || call.Name != "search" {
		t.Fatalf("tool call = %+v", call)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args["q"] != "go" {
		t.Errorf("arguments = %q", call.Arguments)
	}
	// Synthesized id carries the function name for traceability.
	if !strings.HasPrefix(call.ID, "search_1_") {
		t.Errorf("call id = %q", call.ID)
	}
	if stats == nil || stats.InputTokens != 9 || stats.OutputTokens != 4 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGenerateDistinctCallIDs(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{}}},{"functionCall":{"name":"f","args":{}}}]}}]}`,
	}
	srv := sseServer(t, chunks, nil)
	defer srv.Close()

	s := New(srv.URL).Generate(context.Background(), llm.Request{Model: "m", APIKey: "k"})
	var ids []string
	for ev := range s.Events() {
		if call, ok := ev.(llm.ToolCall); ok {
			ids = append(ids, call.ID)
		}
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Errorf("ids = %v", ids)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"The input token count (300000) exceeds the maximum number of tokens allowed"}}`, http.StatusBadRequest)
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
	for _, req := range []llm.Request{{APIKey: "k"}, {Model: "gemini"}} {
		s := p.Generate(context.Background(), req)
		drain(t, s)
		var ce *llm.ConfigError
		if !errors.As(s.Err(), &ce) {
			t.Errorf("req %+v: Err = %v, want ConfigError", req, s.Err())
		}
	}
}

func TestBuildRequestShape(t *testing.T) {
	var captured wireRequest
	srv := sseServer(t, nil, &captured)
	defer srv.Close()

	thread := llm.Thread{
		llm.SystemMessage{Content: "be terse"},
		llm.UserText("first"),
		llm.UserText("second"),
		llm.ToolUseEvent{ID: "search_1_ab", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		llm.ToolResultSuccessEvent{ID: "search_1_ab", Name: "search", Result: "hit"},
	}
	s := New(srv.URL).Generate(context.Background(), llm.Request{
		Model: "m", APIKey: "k", Thread: thread,
		Tools: []llm.ToolDefinition{{
			Name:       "search",
			Parameters: []byte(`{"$schema":"http://json-schema.org/draft-07/schema#","type":"object","additionalProperties":false,"properties":{"q":{"type":"string"}}}`),
		}},
	})
	drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("systemInstruction = %+v", captured.SystemInstruction)
	}
	// Consecutive user turns merge; then model (functionCall), then user
	// (functionResponse).
	if len(captured.Contents) != 3 {
		t.Fatalf("got %d contents: %+v", len(captured.Contents), captured.Contents)
	}
	if captured.Contents[0].Role != "user" || len(captured.Contents[0].Parts) != 2 {
		t.Errorf("merged user content = %+v", captured.Contents[0])
	}
	resp := captured.Contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "search" || resp.Response["output"] != "hit" {
		t.Errorf("functionResponse = %+v", resp)
	}

	// Schema metadata the endpoint rejects must be stripped.
	var schema map[string]any
	if err := json.Unmarshal(captured.Tools[0].FunctionDeclarations[0].Parameters, &schema); err != nil {
		t.Fatalf("parameters: %v", err)
	}
	for _, k := range []string{"$schema", "additionalProperties"} {
		if _, ok := schema[k]; ok {
			t.Errorf("schema still carries %q", k)
		}
	}
}
