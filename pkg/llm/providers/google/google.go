// Package google implements llm.Provider for the Google Generative Language
// API (streamGenerateContent via REST/SSE). No Google SDK dependency — pure
// HTTP + SSE.
//
// Unlike the chunked-delta protocols, every frame carries a complete
// candidates[0].content.parts array, so parts map 1:1 to canonical events
// with no cross-frame accumulation beyond joining text for the final
// Message. The API supplies no tool-call ids; they are synthesized here and
// carried through the thread so results correlate.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lmstream/lmstream/pkg/llm"
	"github.com/lmstream/lmstream/pkg/llm/sse"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Google streaming provider.
type Provider struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *Provider) Name() string { return "google" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wirePart struct {
	Text             string        `json:"text,omitempty"`
	InlineData       *wireInline   `json:"inlineData,omitempty"`
	FunctionCall     *wireFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFuncResp `json:"functionResponse,omitempty"`
}

type wireInline struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type wireFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type wireContent struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

type wireFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireTool struct {
	FunctionDeclarations []wireFuncDecl `json:"functionDeclarations"`
}

type wireGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type wireSystemInstruction struct {
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	SystemInstruction *wireSystemInstruction `json:"systemInstruction,omitempty"`
	Contents          []wireContent          `json:"contents"`
	Tools             []wireTool             `json:"tools,omitempty"`
	GenerationConfig  wireGenConfig          `json:"generationConfig,omitempty"`
}

// SSE response chunk
type wireChunk struct {
	Candidates []struct {
		Content wireContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func (p *Provider) Generate(ctx context.Context, req llm.Request) *llm.EventStream {
	if req.Model == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "google", Field: "model"})
	}
	if req.APIKey == "" {
		return llm.FailedStream(&llm.ConfigError{Provider: "google", Field: "api key"})
	}

	out := llm.NewEventStream(0)
	go func() {
		out.Close(p.generate(ctx, req, out))
	}()
	return out
}

func (p *Provider) generate(ctx context.Context, req llm.Request, out *llm.EventStream) error {
	wr := buildRequest(req)
	body, err := json.Marshal(wr)
	if err != nil {
		return &llm.DecodeError{Provider: "google", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.BaseURL, req.Model, req.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &llm.TransportError{Provider: "google", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return &llm.TransportError{Provider: "google", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return &llm.TransportError{Provider: "google", Status: resp.StatusCode, Body: string(b)}
	}

	return decode(ctx, resp.Body, out)
}

func decode(ctx context.Context, body io.Reader, out *llm.EventStream) error {
	var text strings.Builder
	contentOpen := false
	callCounter := 0
	var stats *llm.Stats

	frames := sse.Pump(ctx, body, 0)
	for fr := range frames.Frames() {
		if fr.Data == "" || fr.Data == "[DONE]" {
			continue
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(fr.Data), &chunk); err != nil {
			return &llm.DecodeError{Provider: "google", Err: err}
		}

		if chunk.UsageMetadata.TotalTokenCount > 0 {
			stats = &llm.Stats{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		for _, part := range chunk.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				callCounter++
				id := fmt.Sprintf("%s_%d_%s", part.FunctionCall.Name, callCounter, uuid.New().String()[:4])
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				if !out.Push(ctx, llm.ToolCallStart{ID: id, Name: part.FunctionCall.Name}) {
					return ctx.Err()
				}
				if !out.Push(ctx, llm.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args}) {
					return ctx.Err()
				}

			case part.Text != "":
				if !contentOpen {
					contentOpen = true
					if !out.Push(ctx, llm.ContentStart{}) {
						return ctx.Err()
					}
				}
				text.WriteString(part.Text)
				if !out.Push(ctx, llm.Content{Text: part.Text}) {
					return ctx.Err()
				}
			}
		}
	}

	if err := frames.Err(); err != nil {
		return &llm.TransportError{Provider: "google", Err: err}
	}

	if text.Len() > 0 {
		if !out.Push(ctx, llm.Message{Message: llm.AssistantMessage{Content: text.String()}}) {
			return ctx.Err()
		}
	}
	if stats != nil {
		if !out.Push(ctx, *stats) {
			return ctx.Err()
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

// buildRequest translates the thread into Google's contents format.
// Consecutive contents with the same role are merged (the API rejects
// repeated roles), and tool results become functionResponse parts keyed by
// function name.
func buildRequest(req llm.Request) wireRequest {
	wr := wireRequest{}

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	// callNames maps synthesized call ids to function names, so results can
	// reference the name the API expects.
	callNames := map[string]string{}

	appendContent := func(role string, parts ...wirePart) {
		if n := len(wr.Contents); n > 0 && wr.Contents[n-1].Role == role {
			wr.Contents[n-1].Parts = append(wr.Contents[n-1].Parts, parts...)
			return
		}
		wr.Contents = append(wr.Contents, wireContent{Role: role, Parts: parts})
	}

	for _, ev := range req.Thread {
		switch e := ev.(type) {
		case llm.SystemMessage:
			system = append(system, e.Content)

		case llm.UserMessage:
			var parts []wirePart
			for _, c := range e.Content {
				switch chunk := c.(type) {
				case llm.TextChunk:
					parts = append(parts, wirePart{Text: chunk.Text})
				case llm.ImageChunk:
					parts = append(parts, wirePart{InlineData: &wireInline{MIMEType: chunk.MIMEType, Data: chunk.Data}})
				}
			}
			appendContent("user", parts...)

		case llm.AssistantMessage:
			appendContent("model", wirePart{Text: e.Content})

		case llm.ToolUseEvent:
			callNames[e.ID] = e.Name
			appendContent("model", wirePart{FunctionCall: &wireFuncCall{Name: e.Name, Args: e.Input}})

		case llm.ToolResultSuccessEvent:
			appendContent("user", wirePart{FunctionResponse: &wireFuncResp{
				Name:     resultName(callNames, e.ID, e.Name),
				Response: map[string]any{"output": e.Result},
			}})

		case llm.ToolResultErrorEvent:
			appendContent("user", wirePart{FunctionResponse: &wireFuncResp{
				Name:     resultName(callNames, e.ID, e.Name),
				Response: map[string]any{"error": e.Result},
			}})
		}
	}

	if len(system) > 0 {
		wr.SystemInstruction = &wireSystemInstruction{
			Parts: []wirePart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if req.Temperature != nil {
		wr.GenerationConfig.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		wr.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}

	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			FunctionDeclarations: []wireFuncDecl{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeSchema(t.Parameters),
			}},
		})
	}

	return wr
}

func resultName(callNames map[string]string, id, name string) string {
	if n, ok := callNames[id]; ok {
		return n
	}
	return name
}

// schemaMetaKeys are JSON Schema fields the function-declaration endpoint
// rejects.
var schemaMetaKeys = []string{"$schema", "$id", "additionalProperties"}

// sanitizeSchema strips unsupported metadata fields, recursively. A schema
// that fails to parse is passed through untouched and left for the API to
// reject.
func sanitizeSchema(schema []byte) json.RawMessage {
	if len(schema) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return json.RawMessage(schema)
	}
	doc = stripMeta(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(schema)
	}
	return out
}

func stripMeta(doc any) any {
	switch v := doc.(type) {
	case map[string]any:
		for _, k := range schemaMetaKeys {
			delete(v, k)
		}
		for k, child := range v {
			v[k] = stripMeta(child)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = stripMeta(child)
		}
		return v
	default:
		return doc
	}
}
