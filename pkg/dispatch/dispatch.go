// Package dispatch runs conversations against a streaming provider and
// executes the tool calls the model makes, feeding results back until the
// model stops calling tools or the iteration budget runs out.
//
// Stream performs a single model turn with no tool execution. StreamTools
// runs the full loop: each model turn that ends in tool calls consumes one
// iteration, tools run sequentially in the order they were streamed, and
// their results extend the thread for the next turn. Unknown tools and
// invalid arguments are reported back to the model rather than aborting;
// a tool returning tools.ErrHalt ends the run immediately.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/lmstream/lmstream/pkg/llm"
	"github.com/lmstream/lmstream/pkg/tools"
)

// Params configures a dispatch run.
type Params struct {
	Provider     llm.Provider
	Model        string
	APIKey       string
	SystemPrompt string
	Thread       llm.Thread

	// Tools is the registry calls are dispatched against. May be nil for
	// Stream; StreamTools requires it.
	Tools *tools.Registry

	MaxTokens   int
	Temperature *float64

	// MaxIterations bounds the number of model turns that end in tool calls.
	// StreamTools fails with llm.MaxIterationsError when the budget is
	// exhausted before the model produces a turn without tool calls.
	MaxIterations int

	// Truncate, when set, is applied to the thread before every model turn
	// (context-window management). A Truncate error aborts the run with
	// llm.TruncationError.
	Truncate func(llm.Thread) (llm.Thread, error)

	Logger *slog.Logger
}

func (p *Params) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (p *Params) request(thread llm.Thread) llm.Request {
	req := llm.Request{
		Model:        p.Model,
		APIKey:       p.APIKey,
		SystemPrompt: p.SystemPrompt,
		Thread:       thread,
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
	}
	if p.Tools != nil {
		req.Tools = p.Tools.Definitions()
	}
	return req
}

// Stream performs one model turn, forwarding every model event. No tools are
// executed; tool calls the model makes are forwarded and recorded in the
// final thread as tool-use events for the caller to act on.
func Stream(ctx context.Context, p Params) *Run {
	s := newRun(0)
	go func() {
		thread := p.Thread
		if p.Truncate != nil {
			var err error
			if thread, err = p.Truncate(thread); err != nil {
				s.close(p.Thread, &llm.TruncationError{Err: err})
				return
			}
		}

		out := p.Provider.Generate(ctx, p.request(thread))
		for ev := range out.Events() {
			switch e := ev.(type) {
			case llm.Message:
				thread = thread.Append(e.Message)
			case llm.ToolCall:
				thread = thread.Append(llm.ToolUseEvent{ID: e.ID, Name: e.Name, Input: callInput(e.Arguments)})
			}
			if !s.push(ctx, ModelEvent{Event: ev}) {
				s.close(thread, ctx.Err())
				return
			}
		}
		s.close(thread, out.Err())
	}()
	return s
}

// StreamTools runs the full dispatch loop.
func StreamTools(ctx context.Context, p Params) *Run {
	if p.Tools == nil {
		return failedRun(p.Thread, &llm.ConfigError{Provider: "dispatch", Field: "tools"})
	}
	if p.MaxIterations <= 0 {
		return failedRun(p.Thread, &llm.MaxIterationsError{Limit: p.MaxIterations})
	}

	s := newRun(0)
	go func() {
		thread, err := runLoop(ctx, p, s)
		s.close(thread, err)
	}()
	return s
}

// pendingCall is one tool call collected from a model turn, resolved against
// the registry at stream time.
type pendingCall struct {
	id     string
	name   string
	input  json.RawMessage // thread-safe form of the raw arguments
	tool   tools.Tool      // nil when invalid
	params map[string]any  // validated+coerced arguments
	errMsg string          // why the call is invalid
}

// callInput converts raw argument text into something a ToolUseEvent can
// carry. The thread must always re-serialize into the next request body, so
// argument text that is not valid JSON is re-encoded as a JSON string rather
// than stored verbatim.
func callInput(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func runLoop(ctx context.Context, p Params, s *Run) (llm.Thread, error) {
	log := p.logger()
	thread := p.Thread

	for iteration := 0; ; iteration++ {
		if iteration >= p.MaxIterations {
			log.Warn("iteration budget exhausted", "limit", p.MaxIterations)
			return thread, &llm.MaxIterationsError{Limit: p.MaxIterations}
		}

		if p.Truncate != nil {
			var err error
			if thread, err = p.Truncate(thread); err != nil {
				return thread, &llm.TruncationError{Err: err}
			}
		}

		log.Debug("model turn", "iteration", iteration, "thread_len", len(thread))
		text, calls, err := modelTurn(ctx, p, s, thread)
		if err != nil {
			return thread, err
		}

		if text != "" {
			thread = thread.Append(llm.AssistantMessage{Content: text})
		}
		if len(calls) == 0 {
			return thread, nil
		}

		halted := false
		for _, call := range calls {
			use := llm.ToolUseEvent{ID: call.id, Name: call.name, Input: call.input}

			if call.tool == nil {
				log.Debug("invalid tool call", "tool", call.name, "id", call.id, "reason", call.errMsg)
				thread = thread.Append(use, llm.ToolResultErrorEvent{ID: call.id, Name: call.name, Result: call.errMsg})
				if !s.push(ctx, ToolResultError{ID: call.id, Name: call.name, Result: call.errMsg}) {
					return thread, ctx.Err()
				}
				continue
			}

			log.Debug("executing tool", "tool", call.name, "id", call.id)
			res, execErr := call.tool.Execute(ctx, call.id, call.params)

			if errors.Is(execErr, tools.ErrHalt) {
				log.Debug("tool requested halt", "tool", call.name, "id", call.id)
				halted = true
				break
			}

			var toolErr *tools.ToolError
			switch {
			case execErr == nil:
				thread = thread.Append(use, llm.ToolResultSuccessEvent{ID: call.id, Name: call.name, Result: res.Content})
				if !s.push(ctx, ToolResultSuccess{ID: call.id, Name: call.name, Result: res.Content}) {
					return thread, ctx.Err()
				}
			case errors.As(execErr, &toolErr):
				thread = thread.Append(use, llm.ToolResultErrorEvent{ID: call.id, Name: call.name, Result: toolErr.Message})
				if !s.push(ctx, ToolResultError{ID: call.id, Name: call.name, Result: toolErr.Message}) {
					return thread, ctx.Err()
				}
			default:
				log.Error("tool execution failed", "tool", call.name, "id", call.id, "error", execErr)
				return thread, &llm.ToolExecError{ID: call.id, Name: call.name, Err: execErr}
			}
		}

		if halted {
			return thread, nil
		}
	}
}

// modelTurn streams one provider response, forwarding events and collecting
// the turn's text and tool calls. A ToolCall naming an unregistered tool or
// carrying arguments its schema rejects is replaced in the forwarded stream
// by llm.InvalidToolCall and collected with its failure message.
func modelTurn(ctx context.Context, p Params, s *Run, thread llm.Thread) (string, []pendingCall, error) {
	out := p.Provider.Generate(ctx, p.request(thread))

	var texts []string
	var calls []pendingCall

	for ev := range out.Events() {
		forward := ev
		switch e := ev.(type) {
		case llm.Message:
			// A turn may carry several text blocks; they join into one
			// assistant message.
			texts = append(texts, e.Message.Content)

		case llm.ToolCall:
			call := resolveCall(p.Tools, e)
			calls = append(calls, call)
			if call.tool == nil {
				forward = llm.InvalidToolCall{ID: e.ID, Name: e.Name, Arguments: e.Arguments}
			}
		}
		if !s.push(ctx, ModelEvent{Event: forward}) {
			return "", nil, ctx.Err()
		}
	}

	if err := out.Err(); err != nil {
		return "", nil, err
	}
	return strings.Join(texts, "\n\n"), calls, nil
}

func resolveCall(reg *tools.Registry, tc llm.ToolCall) pendingCall {
	call := pendingCall{id: tc.ID, name: tc.Name, input: callInput(tc.Arguments)}

	tool := reg.Get(tc.Name)
	if tool == nil {
		call.errMsg = "unknown tool: " + tc.Name
		return call
	}

	params, err := tools.ParseArguments(tool.Definition(), tc.Arguments)
	if err != nil {
		call.errMsg = err.Error()
		return call
	}

	call.tool = tool
	call.params = params
	return call
}
