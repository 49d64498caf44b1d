package llm

import (
	"errors"
	"regexp"
)

// Context-overflow detection. Pairs with the dispatch loop's truncation hook:
// callers that see an overflow can shrink the thread and try again.
//
// Detection is best effort. Vendors report overflow as free-form error text,
// so this matches the known message shapes; if a vendor changes its wording
// the pattern list needs updating.

// overflowPatterns matches the error text each vendor returns when the input
// exceeds the model's context window.
var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)prompt is too long`),                     // Anthropic
	regexp.MustCompile(`(?i)input is too long for requested model`),  // Amazon Bedrock
	regexp.MustCompile(`(?i)exceed.*context window`),                 // OpenAI
	regexp.MustCompile(`(?i)input token count.*exceeds the maximum`), // Google
	regexp.MustCompile(`(?i)maximum context length is \d+ tokens`),   // OpenAI-compatible gateways
	regexp.MustCompile(`(?i)context[_ ]length[_ ]exceeded`),          // generic
	regexp.MustCompile(`(?i)too many tokens`),                        // generic
	regexp.MustCompile(`(?i)token limit exceeded`),                   // generic
}

// IsContextOverflow reports whether err is a vendor context-window overflow.
//
// Two cases are handled:
//  1. Error-based overflow — a *TransportError whose body matches a known
//     overflow message.
//  2. Silent overflow — some backends accept an over-long request; pass the
//     reported input token count and the model's context window to catch it.
//     Pass contextWindow = 0 to skip this check.
func IsContextOverflow(err error, inputTokens, contextWindow int) bool {
	var te *TransportError
	if errors.As(err, &te) {
		for _, re := range overflowPatterns {
			if re.MatchString(te.Body) {
				return true
			}
		}
	}
	if contextWindow > 0 && inputTokens > contextWindow {
		return true
	}
	return false
}
