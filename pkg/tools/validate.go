// JSON Schema validation for model-supplied tool arguments.
//
// Models routinely quote numbers, stringify booleans, and otherwise bend the
// declared schema. ParseArguments decodes the raw JSON argument text, then
// validates against the tool's schema with a coercion retry before giving up.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lmstream/lmstream/pkg/llm"
)

// ParseArguments decodes the JSON argument text of a tool call and validates
// it against def's Parameters schema. It returns the (possibly coerced)
// argument map or a descriptive error suitable for echoing back to the model.
func ParseArguments(def llm.ToolDefinition, raw string) (map[string]any, error) {
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("tool %q arguments are not a JSON object: %v", def.Name, err)
	}
	return ValidateAndCoerce(def, args)
}

// ValidateAndCoerce validates args against def's Parameters schema.
//
// Coercion rules (matching what models commonly get wrong):
//   - A string containing a valid number is coerced when the schema expects
//     "number" or "integer".
//   - A number is coerced to string when the schema expects "string".
//   - "true"/"false" strings are coerced when the schema expects "boolean".
//
// If the schema cannot be compiled, args are returned unchanged (fail open).
func ValidateAndCoerce(def llm.ToolDefinition, args map[string]any) (map[string]any, error) {
	if len(def.Parameters) == 0 {
		return args, nil
	}

	schema, err := compileSchema(def.Parameters)
	if err != nil {
		// Unparseable schema — fail open so callers don't break on bad schemas.
		return args, nil
	}

	if err := validateMap(schema, args); err == nil {
		return args, nil
	}

	coerced := coerceArgs(args, def.Parameters)
	if err := validateMap(schema, coerced); err != nil {
		return nil, formatValidationError(def.Name, args, err)
	}
	return coerced, nil
}

// compileSchema compiles the schema bytes with a fresh compiler each time to
// avoid resource-collision errors.
func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const url = "mem://tool/schema"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func validateMap(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// coerceArgs attempts simple type coercions on top-level properties.
func coerceArgs(args map[string]any, schemaBytes []byte) map[string]any {
	var schemaDef struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	_ = json.Unmarshal(schemaBytes, &schemaDef)

	out := make(map[string]any, len(args))
	for k, v := range args {
		prop, ok := schemaDef.Properties[k]
		if !ok {
			out[k] = v
			continue
		}
		out[k] = coerceValue(v, prop.Type)
	}
	return out
}

func coerceValue(v any, targetType string) any {
	switch targetType {
	case "number", "integer":
		if s, ok := v.(string); ok {
			var n float64
			if err := json.Unmarshal([]byte(s), &n); err == nil {
				if targetType == "integer" {
					return int64(n)
				}
				return n
			}
		}
	case "string":
		switch n := v.(type) {
		case float64:
			return fmt.Sprintf("%g", n)
		case int64:
			return fmt.Sprintf("%d", n)
		case json.Number:
			return n.String()
		}
	case "boolean":
		if s, ok := v.(string); ok {
			switch strings.ToLower(s) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	}
	return v
}

func formatValidationError(toolName string, args map[string]any, err error) error {
	argsJSON, _ := json.MarshalIndent(args, "", "  ")
	return fmt.Errorf("tool %q argument validation failed:\n%v\n\nReceived:\n%s",
		toolName, err, argsJSON)
}
