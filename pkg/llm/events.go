package llm

// StreamEvent is the canonical, vendor-independent unit of streamed output.
// Every provider decoder reduces its wire protocol to this closed union;
// switches over it must be exhaustive.
type StreamEvent interface {
	streamEvent()
}

// ContentStart marks the opening of a text segment. Content events follow.
type ContentStart struct{}

// Content carries an incremental text delta.
type Content struct {
	Text string
}

// Message carries a completed assistant text segment (the joined deltas).
type Message struct {
	Message AssistantMessage
}

// ToolCallStart announces a tool call as soon as its name is known, before
// any arguments have arrived.
type ToolCallStart struct {
	ID   string
	Name string
}

// ToolCall is a completed tool call. Arguments is the raw JSON text exactly
// as accumulated from the wire; it has not been validated.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// InvalidToolCall replaces a ToolCall the dispatch loop could not honour:
// the name is unregistered or the arguments failed schema validation.
type InvalidToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Stats surfaces vendor-reported token usage.
type Stats struct {
	InputTokens  int
	OutputTokens int
}

func (ContentStart) streamEvent()    {}
func (Content) streamEvent()         {}
func (Message) streamEvent()         {}
func (ToolCallStart) streamEvent()   {}
func (ToolCall) streamEvent()        {}
func (InvalidToolCall) streamEvent() {}
func (Stats) streamEvent()           {}
