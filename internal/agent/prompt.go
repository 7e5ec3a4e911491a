package agent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// TemplatePath is the optional on-disk override for the prompt
// skeleton, relative to the project root.
const TemplatePath = "prompts/template.md"

// defaultTemplate is the built-in prompt skeleton. Tokens are
// substituted verbatim; anything else passes through untouched.
const defaultTemplate = `Current time: {{datetime}}
Source: {{source}}
{{assistant_context}}
{{user_input}}`

// loadTemplate returns the on-disk template when present, otherwise
// the built-in one.
func loadTemplate() string {
	if data, err := os.ReadFile(TemplatePath); err == nil {
		return string(data)
	}
	return defaultTemplate
}

// userInputPlaceholder stands in for messages that carry no text.
const userInputPlaceholder = "(no message content)"

// progressHintAuthorRe gates the progress-hint block to real platform
// author ids.
var progressHintAuthorRe = regexp.MustCompile(`^\d{17,20}$`)

const progressHint = "The requester is waiting in a chat thread; post short progress updates for long work."

// assemblePrompt renders the prompt template for a request.
func (g *Gateway) assemblePrompt(req Request) string {
	out := g.template
	out = strings.ReplaceAll(out, "{{datetime}}", g.now().Format("2006-01-02 15:04"))
	out = strings.ReplaceAll(out, "{{source}}", req.Source)
	out = strings.ReplaceAll(out, "{{assistant_context}}", assistantContext(req))

	input := strings.TrimSpace(req.Prompt)
	if input == "" {
		input = userInputPlaceholder
	}
	return strings.ReplaceAll(out, "{{user_input}}", input)
}

// assistantContext concatenates the progress-hint block (DM sources
// with a platform author id only) and the attachment descriptor block.
func assistantContext(req Request) string {
	var blocks []string
	if req.Source == "dm" && progressHintAuthorRe.MatchString(req.AuthorID) {
		blocks = append(blocks, progressHint)
	}
	if len(req.Attachments) > 0 {
		var b strings.Builder
		b.WriteString("Attached files:\n")
		for _, a := range req.Attachments {
			fmt.Fprintf(&b, "- %s (%d bytes) at %s\n", a.Name, a.Size, a.Path)
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(blocks, "\n\n")
}
