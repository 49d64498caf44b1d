package llm

import "fmt"

// The error taxonomy. Every fatal condition terminates an event stream with
// exactly one of these types, so callers can tell a misconfigured request
// from a transport failure from a crashed tool.

// ConfigError reports a missing required parameter, detected before any
// network I/O.
type ConfigError struct {
	Provider string
	Field    string // "model", "api key", ...
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing %s", e.Provider, e.Field)
}

// TransportError reports an HTTP-level failure: a non-200 status or a broken
// connection mid-stream.
type TransportError struct {
	Provider string
	Status   int    // 0 when the failure was not an HTTP status
	Body     string // response body for status errors, best effort
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a response body that could not be decoded as the
// vendor's documented format.
type DecodeError struct {
	Provider string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MaxIterationsError terminates the tool dispatch loop when the iteration
// budget runs out — including a caller-supplied budget of zero.
type MaxIterationsError struct {
	Limit int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("tool loop exceeded %d iterations", e.Limit)
}

// ToolExecError reports a tool handler that failed with an undeclared error.
// This is deliberately distinct from a tool's domain error, which is reported
// to the model instead of the caller.
type ToolExecError struct {
	ID   string
	Name string
	Err  error
}

func (e *ToolExecError) Error() string {
	return fmt.Sprintf("tool %q (call %s) failed: %v", e.Name, e.ID, e.Err)
}

func (e *ToolExecError) Unwrap() error { return e.Err }

// TruncationError reports a caller-supplied thread truncation function that
// failed. Recoverable in the sense that it is an ordinary error, not a
// defect; the loop still terminates because it cannot know what to send.
type TruncationError struct {
	Err error
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("thread truncation: %v", e.Err)
}

func (e *TruncationError) Unwrap() error { return e.Err }
