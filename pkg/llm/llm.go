// Package llm defines the provider-independent core of the streaming client:
// the conversation thread model, the canonical stream-event union, the
// provider interface, and the error taxonomy shared by every vendor backend.
package llm

import "encoding/json"

// ---------------------------------------------------------------------------
// Content chunks
// ---------------------------------------------------------------------------

// ContentChunk is one piece of a user message: text or an inline image.
type ContentChunk interface {
	contentChunk()
}

type TextChunk struct {
	Text string `json:"text"`
}

type ImageChunk struct {
	MIMEType string `json:"mime_type"` // e.g. "image/png"
	Data     string `json:"data"`
	Encoding string `json:"encoding"` // "base64"
}

func (TextChunk) contentChunk()  {}
func (ImageChunk) contentChunk() {}

// ---------------------------------------------------------------------------
// Thread events
// ---------------------------------------------------------------------------

// ThreadEvent is the union of everything that can appear in a conversation
// thread. The set is closed; switches over it must be exhaustive.
type ThreadEvent interface {
	threadEvent()
}

// SystemMessage is an instruction message. Providers hoist it into their
// native system slot rather than sending it as a turn.
type SystemMessage struct {
	Content string `json:"content"`
}

// UserMessage is a human turn; it may mix text and images.
type UserMessage struct {
	Content []ContentChunk `json:"content"`
}

// AssistantMessage is a completed model turn (text only — tool activity is
// recorded as separate ToolUseEvent / ToolResult*Event entries).
type AssistantMessage struct {
	Content string `json:"content"`
}

// ToolUseEvent records the model requesting a tool invocation. Input holds
// the decoded argument JSON exactly as the model produced it.
type ToolUseEvent struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultSuccessEvent feeds a successful tool outcome back to the model.
// ID correlates 1:1 with a prior ToolUseEvent in the same thread.
type ToolResultSuccessEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// ToolResultErrorEvent feeds a tool failure back to the model. ID correlates
// 1:1 with a prior ToolUseEvent in the same thread.
type ToolResultErrorEvent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

func (SystemMessage) threadEvent()          {}
func (UserMessage) threadEvent()            {}
func (AssistantMessage) threadEvent()       {}
func (ToolUseEvent) threadEvent()           {}
func (ToolResultSuccessEvent) threadEvent() {}
func (ToolResultErrorEvent) threadEvent()   {}

// ---------------------------------------------------------------------------
// Thread
// ---------------------------------------------------------------------------

// Thread is the append-only conversation history. The dispatch loop never
// mutates a caller's thread; Append copies before extending so every
// iteration works on a fresh sequence.
//
// Result events are only ever appended by the dispatch loop, paired with the
// ToolUseEvent that triggered them. Callers build threads from messages.
type Thread []ThreadEvent

// Append returns a new thread with events added. The receiver is unchanged.
func (t Thread) Append(events ...ThreadEvent) Thread {
	out := make(Thread, 0, len(t)+len(events))
	out = append(out, t...)
	return append(out, events...)
}

// UserText builds a single-chunk text user message.
func UserText(text string) UserMessage {
	return UserMessage{Content: []ContentChunk{TextChunk{Text: text}}}
}

// Text joins the message's text chunks. Image chunks are skipped.
func (m UserMessage) Text() string {
	var s string
	for _, c := range m.Content {
		if tc, ok := c.(TextChunk); ok {
			s += tc.Text
		}
	}
	return s
}
