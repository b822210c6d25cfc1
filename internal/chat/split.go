package chat

import (
	"regexp"
	"strings"
)

// DefaultAnchor marks where the final answer starts in a streamed reply.
const DefaultAnchor = "### Summary"

var thoughtPrefix = regexp.MustCompile(`(?i)^\s*thought\s*`)

// SplitReasoning splits text at the first anchor. Text before it is the
// reasoning and text from the anchor on is the final answer; both are
// trimmed. Without an anchor the reasoning is empty and the whole trimmed
// text is final.
func SplitReasoning(text, anchor string) (reasoning, final string) {
	if text == "" {
		return "", ""
	}
	idx := strings.Index(text, anchor)
	if anchor == "" || idx < 0 {
		return "", strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx:])
}

// CleanReasoning strips a leading "thought" marker and surrounding space.
func CleanReasoning(s string) string {
	return strings.TrimSpace(thoughtPrefix.ReplaceAllString(s, ""))
}

// promote moves the reasoning into the final answer when the answer is
// empty, so that no blank message is committed for a turn that produced text.
func promote(reasoning, final string) (string, string) {
	if final == "" && reasoning != "" {
		return "", reasoning
	}
	return reasoning, final
}

// preview returns the text shown while a turn streams: the cleaned
// reasoning once the anchor has arrived, the raw text before that.
func preview(text, anchor string) string {
	if anchor == "" {
		return text
	}
	if idx := strings.Index(text, anchor); idx >= 0 {
		return CleanReasoning(text[:idx])
	}
	return text
}
