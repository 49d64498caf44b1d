// Package tools defines the Tool interface, the registry the dispatch loop
// draws from, and JSON Schema validation of model-supplied arguments.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/lmstream/lmstream/pkg/llm"
)

// ---------------------------------------------------------------------------
// Tool interface
// ---------------------------------------------------------------------------

// Result is the output of a tool execution, sent back to the model verbatim.
type Result struct {
	Content string
}

// Tool is implemented by anything the model can call. Register it with a
// Registry; the dispatch loop invokes Execute with validated arguments.
type Tool interface {
	// Definition returns the schema handed to the model.
	Definition() llm.ToolDefinition
	// Execute runs the tool. ctx carries the caller's cancel signal; callID
	// is the provider-assigned (or synthesized) id for this invocation.
	Execute(ctx context.Context, callID string, params map[string]any) (Result, error)
}

// ErrHalt stops the dispatch loop. A tool returns it (or wraps it) to signal
// that the conversation should end now: remaining calls in the same batch are
// discarded and no further model request is made.
var ErrHalt = errors.New("tool requested halt")

// ToolError is a domain failure the model can recover from. The dispatch
// loop reports it back as an error result and continues; any other error
// aborts the run.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// Failf builds a recoverable tool failure.
func Failf(format string, args ...any) error {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Func — a Tool from an ordinary typed function
// ---------------------------------------------------------------------------

type funcTool[In any] struct {
	def llm.ToolDefinition
	run func(ctx context.Context, in In) (string, error)
}

// Func wraps a typed function as a Tool. The parameter schema is reflected
// from In's struct tags (json + jsonschema).
func Func[In any](name, description string, run func(ctx context.Context, in In) (string, error)) Tool {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero In
	schema, err := json.Marshal(r.Reflect(&zero))
	if err != nil {
		panic(fmt.Sprintf("tools: reflecting schema for %q: %v", name, err))
	}
	return &funcTool[In]{
		def: llm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  schema,
		},
		run: run,
	}
}

func (t *funcTool[In]) Definition() llm.ToolDefinition { return t.def }

func (t *funcTool[In]) Execute(ctx context.Context, callID string, params map[string]any) (Result, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Result{}, Failf("encoding arguments: %v", err)
	}
	var in In
	if err := json.Unmarshal(raw, &in); err != nil {
		return Result{}, Failf("decoding arguments: %v", err)
	}
	out, err := t.run(ctx, in)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: out}, nil
}
