// Package anthropic implements llm.Provider for the Anthropic Messages API
// (streaming via SSE).
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lmstream/lmstream/pkg/llm"
	"github.com/lmstream/lmstream/pkg/llm/sse"
)

const defaultBaseURL = "https://api.anthropic.com/v1"
const apiVersion = "2023-06-01"

// Provider is the Anthropic streaming provider.
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

func (p *Provider) Name() string { return "anthropic" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Tool use (assistant)
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Tool result (user)
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   []wireContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	// Image
	Source *wireImageSource `json:"source,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png"
	Data      string `json:"data"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// SSE event payloads
type evMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type evContentBlockStart struct {
	Index        int         `json:"index"`
	ContentBlock wireContent `json:"content_block"`
}

type evContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type evContentBlockStop struct {
	Index int `json:"index"`
}

type evMessageDelta struct {
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type evError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func (p *Provider) Generate(ctx context.Context, req llm.Request) *llm.EventStream {
	if req.Model == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "anthropic", Field: "model"})
	}
	if req.APIKey == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "anthropic", Field: "api key"})
	}

	out := llm.NewEventStream(0)
	go func() {
		out.Close(p.generate(ctx, req, out))
	}()
	return out
}

func (p *Provider) generate(ctx context.Context, req llm.Request, out *llm.EventStream) error {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	wr := wireRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
	}
	wr.System, wr.Messages = buildMessages(req.SystemPrompt, req.Thread)
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(t.Parameters),
		})
	}

	body, err := json.Marshal(wr)
	if err != nil {
		return &llm.DecodeError{Provider: "anthropic", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return &llm.TransportError{Provider: "anthropic", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return &llm.TransportError{Provider: "anthropic", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &llm.TransportError{Provider: "anthropic", Status: resp.StatusCode, Body: string(b)}
	}

	return decode(ctx, resp.Body, out)
}

// blockState accumulates one content block between start and stop frames.
// Tool-use argument deltas are buffered here and never surfaced
// incrementally; the joined string becomes ToolCall.Arguments at block stop.
type blockState struct {
	kind string // "text" | "tool_use" | anything else (ignored)
	id   string
	name string
	text strings.Builder
	args strings.Builder
}

func decode(ctx context.Context, body io.Reader, out *llm.EventStream) error {
	blocks := map[int]*blockState{}
	var inputTokens int

	frames := sse.Pump(ctx, body, 0)
	for fr := range frames.Frames() {
		if fr.Data == "" {
			continue
		}

		switch fr.Type {
		case "message_start":
			var ev evMessageStart
			if err := json.Unmarshal([]byte(fr.Data), &ev); err != nil {
				return &llm.DecodeError{Provider: "anthropic", Err: err}
			}
			inputTokens = ev.Message.Usage.InputTokens

		case "content_block_start":
			var ev evContentBlockStart
			if err := json.Unmarshal([]byte(fr.Data), &ev); err != nil {
				return &llm.DecodeError{Provider: "anthropic", Err: err}
			}
			bs := &blockState{kind: ev.ContentBlock.Type}
			blocks[ev.Index] = bs
			switch bs.kind {
			case "text":
				if !out.Push(ctx, llm.ContentStart{}) {
					return ctx.Err()
				}
			case "tool_use":
				bs.id = ev.ContentBlock.ID
				if bs.id == "" {
					bs.id = "call_" + uuid.New().String()[:8]
				}
				bs.name = ev.ContentBlock.Name
				if !out.Push(ctx, llm.ToolCallStart{ID: bs.id, Name: bs.name}) {
					return ctx.Err()
				}
			}

		case "content_block_delta":
			var ev evContentBlockDelta
			if err := json.Unmarshal([]byte(fr.Data), &ev); err != nil {
				return &llm.DecodeError{Provider: "anthropic", Err: err}
			}
			bs := mustBlock(blocks, ev.Index, "content_block_delta")
			switch ev.Delta.Type {
			case "text_delta":
				bs.text.WriteString(ev.Delta.Text)
				if !out.Push(ctx, llm.Content{Text: ev.Delta.Text}) {
					return ctx.Err()
				}
			case "input_json_delta":
				bs.args.WriteString(ev.Delta.PartialJSON)
			}

		case "content_block_stop":
			var ev evContentBlockStop
			if err := json.Unmarshal([]byte(fr.Data), &ev); err != nil {
				return &llm.DecodeError{Provider: "anthropic", Err: err}
			}
			bs := mustBlock(blocks, ev.Index, "content_block_stop")
			delete(blocks, ev.Index)
			switch bs.kind {
			case "text":
				msg := llm.Message{Message: llm.AssistantMessage{Content: bs.text.String()}}
				if !out.Push(ctx, msg) {
					return ctx.Err()
				}
			case "tool_use":
				args := bs.args.String()
				if args == "" {
					args = "{}"
				}
				if !out.Push(ctx, llm.ToolCall{ID: bs.id, Name: bs.name, Arguments: args}) {
					return ctx.Err()
				}
			}

		case "message_delta":
			var ev evMessageDelta
			if err := json.Unmarshal([]byte(fr.Data), &ev); err != nil {
				return &llm.DecodeError{Provider: "anthropic", Err: err}
			}
			st := llm.Stats{InputTokens: inputTokens, OutputTokens: ev.Usage.OutputTokens}
			if !out.Push(ctx, st) {
				return ctx.Err()
			}

		case "error":
			var ev evError
			if err := json.Unmarshal([]byte(fr.Data), &ev); err != nil {
				return &llm.DecodeError{Provider: "anthropic", Err: err}
			}
			return &llm.TransportError{
				Provider: "anthropic",
				Body:     ev.Error.Message,
				Err:      errors.New(ev.Error.Type + ": " + ev.Error.Message),
			}

		case "message_stop", "ping":
			// nothing to do
		}
	}

	if err := frames.Err(); err != nil {
		return &llm.TransportError{Provider: "anthropic", Err: err}
	}
	return nil
}

// mustBlock panics when a delta or stop frame references an index that was
// never opened. That is a protocol mismatch between this decoder and the
// server, not a recoverable input error.
func mustBlock(blocks map[int]*blockState, index int, frame string) *blockState {
	bs, ok := blocks[index]
	if !ok {
		panic(fmt.Sprintf("anthropic: %s for unopened content block %d", frame, index))
	}
	return bs
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

// buildMessages translates the thread into Anthropic's message format.
// System messages are hoisted into the top-level system string; tool-use
// events merge into the preceding assistant message, and consecutive tool
// results merge into one user message (the API requires both).
func buildMessages(systemPrompt string, thread llm.Thread) (string, []wireMessage) {
	var system []string
	if systemPrompt != "" {
		system = append(system, systemPrompt)
	}

	var msgs []wireMessage
	for _, ev := range thread {
		switch e := ev.(type) {
		case llm.SystemMessage:
			system = append(system, e.Content)

		case llm.UserMessage:
			var content []wireContent
			for _, c := range e.Content {
				switch chunk := c.(type) {
				case llm.TextChunk:
					content = append(content, wireContent{Type: "text", Text: chunk.Text})
				case llm.ImageChunk:
					content = append(content, wireContent{
						Type:   "image",
						Source: &wireImageSource{Type: "base64", MediaType: chunk.MIMEType, Data: chunk.Data},
					})
				}
			}
			msgs = append(msgs, wireMessage{Role: "user", Content: content})

		case llm.AssistantMessage:
			msgs = append(msgs, wireMessage{
				Role:    "assistant",
				Content: []wireContent{{Type: "text", Text: e.Content}},
			})

		case llm.ToolUseEvent:
			block := wireContent{Type: "tool_use", ID: e.ID, Name: e.Name, Input: e.Input}
			if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
				msgs[n-1].Content = append(msgs[n-1].Content, block)
			} else {
				msgs = append(msgs, wireMessage{Role: "assistant", Content: []wireContent{block}})
			}

		case llm.ToolResultSuccessEvent:
			appendToolResult(&msgs, e.ID, e.Result, false)

		case llm.ToolResultErrorEvent:
			appendToolResult(&msgs, e.ID, e.Result, true)
		}
	}

	return strings.Join(system, "\n\n"), msgs
}

func appendToolResult(msgs *[]wireMessage, id, result string, isError bool) {
	block := wireContent{
		Type:      "tool_result",
		ToolUseID: id,
		Content:   []wireContent{{Type: "text", Text: result}},
		IsError:   isError,
	}
	if n := len(*msgs); n > 0 && (*msgs)[n-1].Role == "user" && len((*msgs)[n-1].Content) > 0 && (*msgs)[n-1].Content[0].Type == "tool_result" {
		(*msgs)[n-1].Content = append((*msgs)[n-1].Content, block)
		return
	}
	*msgs = append(*msgs, wireMessage{Role: "user", Content: []wireContent{block}})
}
