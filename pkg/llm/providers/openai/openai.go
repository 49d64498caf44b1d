// Package openai implements llm.Provider for the OpenAI Chat Completions API
// (streaming). It is also compatible with any OpenAI-compatible endpoint
// (Groq, OpenRouter, local gateways, …) by setting BaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lmstream/lmstream/pkg/llm"
	"github.com/lmstream/lmstream/pkg/llm/sse"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider is the OpenAI streaming provider.
type Provider struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Provider. Pass "" for baseURL to use the default endpoint.
func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *Provider) Name() string { return "openai" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"` // string | []wirePart
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function wireCallFunc `json:"function"`
}

type wireCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON text, possibly partial
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Tools         []wireTool         `json:"tools,omitempty"`
	Stream        bool               `json:"stream"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// SSE chunk types
type chunkDelta struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type streamChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func (p *Provider) Generate(ctx context.Context, req llm.Request) *llm.EventStream {
	if req.Model == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "openai", Field: "model"})
	}
	if req.APIKey == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "openai", Field: "api key"})
	}

	out := llm.NewEventStream(0)
	go func() {
		out.Close(p.generate(ctx, req, out))
	}()
	return out
}

func (p *Provider) generate(ctx context.Context, req llm.Request, out *llm.EventStream) error {
	wr := wireRequest{
		Model:         req.Model,
		Stream:        true,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Messages:      buildMessages(req.SystemPrompt, req.Thread),
		StreamOptions: &wireStreamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return &llm.DecodeError{Provider: "openai", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return &llm.TransportError{Provider: "openai", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return &llm.TransportError{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &llm.TransportError{Provider: "openai", Status: resp.StatusCode, Body: string(b)}
	}

	return decode(ctx, resp.Body, out)
}

// callState accumulates one tool call across chunks. The id and name arrive
// once (first non-empty value wins); arguments arrive as concatenated
// fragments.
type callState struct {
	index   int
	id      string
	name    string
	started bool // ToolCallStart emitted
	args    strings.Builder
}

func decode(ctx context.Context, body io.Reader, out *llm.EventStream) error {
	var text strings.Builder
	calls := map[int]*callState{}
	contentOpen := false

	frames := sse.Pump(ctx, body, 0)
	for fr := range frames.Frames() {
		if fr.Data == "" || fr.Data == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(fr.Data), &chunk); err != nil {
			return &llm.DecodeError{Provider: "openai", Err: err}
		}

		if chunk.Usage != nil {
			st := llm.Stats{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
			if !out.Push(ctx, st) {
				return ctx.Err()
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !contentOpen {
				contentOpen = true
				if !out.Push(ctx, llm.ContentStart{}) {
					return ctx.Err()
				}
			}
			text.WriteString(choice.Delta.Content)
			if !out.Push(ctx, llm.Content{Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			cs, ok := calls[tc.Index]
			if !ok {
				cs = &callState{index: tc.Index}
				calls[tc.Index] = cs
			}
			if cs.id == "" && tc.ID != "" {
				cs.id = tc.ID
			}
			if cs.name == "" && tc.Function.Name != "" {
				cs.name = tc.Function.Name
			}
			// The id and name may arrive in different chunks; announce the
			// call only once both are known so the start event carries the
			// id the final ToolCall will use.
			if !cs.started && cs.id != "" && cs.name != "" {
				cs.started = true
				if !out.Push(ctx, llm.ToolCallStart{ID: cs.id, Name: cs.name}) {
					return ctx.Err()
				}
			}
			cs.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			if err := flush(ctx, out, &text, calls, &contentOpen); err != nil {
				return err
			}
		}
	}

	if err := frames.Err(); err != nil {
		return &llm.TransportError{Provider: "openai", Err: err}
	}
	return nil
}

// flush emits the accumulated text as a Message and every accumulated tool
// call as a ToolCall (in streamed index order), then clears the state.
func flush(ctx context.Context, out *llm.EventStream, text *strings.Builder, calls map[int]*callState, contentOpen *bool) error {
	if text.Len() > 0 {
		msg := llm.Message{Message: llm.AssistantMessage{Content: text.String()}}
		if !out.Push(ctx, msg) {
			return ctx.Err()
		}
		text.Reset()
		*contentOpen = false
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		cs := calls[idx]
		// Degenerate streams may finish without ever sending an id; pair the
		// start event with the call here so consumers always see both.
		if !cs.started {
			if !out.Push(ctx, llm.ToolCallStart{ID: cs.id, Name: cs.name}) {
				return ctx.Err()
			}
		}
		args := cs.args.String()
		if args == "" {
			args = "{}"
		}
		if !out.Push(ctx, llm.ToolCall{ID: cs.id, Name: cs.name, Arguments: args}) {
			return ctx.Err()
		}
		delete(calls, idx)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

// buildMessages translates the thread into OpenAI's message format. System
// content leads; tool-use events merge into the preceding assistant message's
// tool_calls; tool results become "tool" role messages.
func buildMessages(systemPrompt string, thread llm.Thread) []wireMessage {
	var msgs []wireMessage
	if systemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: systemPrompt})
	}

	for _, ev := range thread {
		switch e := ev.(type) {
		case llm.SystemMessage:
			msgs = append(msgs, wireMessage{Role: "system", Content: e.Content})

		case llm.UserMessage:
			msgs = append(msgs, wireMessage{Role: "user", Content: userContent(e)})

		case llm.AssistantMessage:
			msgs = append(msgs, wireMessage{Role: "assistant", Content: e.Content})

		case llm.ToolUseEvent:
			call := wireToolCall{
				ID:       e.ID,
				Type:     "function",
				Function: wireCallFunc{Name: e.Name, Arguments: string(e.Input)},
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
				call.Index = len(msgs[n-1].ToolCalls)
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
			} else {
				msgs = append(msgs, wireMessage{Role: "assistant", ToolCalls: []wireToolCall{call}})
			}

		case llm.ToolResultSuccessEvent:
			msgs = append(msgs, wireMessage{Role: "tool", ToolCallID: e.ID, Content: e.Result})

		case llm.ToolResultErrorEvent:
			msgs = append(msgs, wireMessage{Role: "tool", ToolCallID: e.ID, Content: e.Result})
		}
	}
	return msgs
}

// userContent collapses a single text chunk to a plain string; mixed content
// uses the part array form.
func userContent(m llm.UserMessage) any {
	parts := make([]wirePart, 0, len(m.Content))
	for _, c := range m.Content {
		switch chunk := c.(type) {
		case llm.TextChunk:
			parts = append(parts, wirePart{Type: "text", Text: chunk.Text})
		case llm.ImageChunk:
			url := "data:" + chunk.MIMEType + ";base64," + chunk.Data
			parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
		}
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text
	}
	return parts
}
