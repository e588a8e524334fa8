package router

import (
	"regexp"
	"strings"

	"github.com/normanking/relay/internal/agents"
)

// placeholderPattern matches {{name}} template placeholders.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderPrompt merges the agent's prompt identity with the request. The
// user prompt template may reference {{input}}, {{task_type}}, {{context}}
// and any metadata key; placeholders without a value render as empty blocks.
// Rendering never fails: a profile with no template falls back to the raw
// input.
func RenderPrompt(p *agents.Profile, userInput string, tc TaskContext) string {
	values := map[string]string{
		"input":     userInput,
		"task_type": tc.TaskType,
		"context":   tc.Metadata["context"],
	}
	for k, v := range tc.Metadata {
		if _, taken := values[k]; !taken {
			values[k] = v
		}
	}

	body := p.UserPromptTemplate
	if body == "" {
		body = userInput
	} else {
		body = placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			return values[name]
		})
	}

	var sb strings.Builder
	if p.SystemPrompt != "" {
		sb.WriteString(strings.TrimSpace(p.SystemPrompt))
		sb.WriteString("\n\n")
	}
	sb.WriteString(strings.TrimSpace(body))
	return sb.String()
}
