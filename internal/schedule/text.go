package schedule

import (
	"regexp"
	"strings"
)

// skipMarker discards a skippable schedule's output when the model
// decides there is nothing worth reporting.
const skipMarker = "[SKIP]"

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes every <think>…</think> span, including
// multiline ones, preserving the surrounding text exactly.
func StripThinkTags(text string) string {
	return thinkRe.ReplaceAllString(text, "")
}

// IsSkipResponse reports whether the trimmed text starts or ends with
// the skip marker.
func IsSkipResponse(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, skipMarker) || strings.HasSuffix(t, skipMarker)
}
