package ai

import (
	"strings"
)

// DefaultSystemPrompt is used when no custom prompt is configured.
const DefaultSystemPrompt = `You are a friendly, attentive assistant with long-term memory of the user.
Use what you remember about the user naturally, without reciting it back verbatim.
If the memory contradicts what the user says now, trust the user and move on.
Keep replies concise unless the user asks for detail.`

// PromptBuilder renders system prompts that carry the user's memory.
type PromptBuilder struct {
	base string
}

// NewPromptBuilder creates a builder around base; an empty base selects
// DefaultSystemPrompt.
func NewPromptBuilder(base string) *PromptBuilder {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultSystemPrompt
	}
	return &PromptBuilder{base: base}
}

// Build appends the memory block to the base prompt. Blank memory leaves the
// base prompt untouched.
func (pb *PromptBuilder) Build(memory string) string {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		return pb.base
	}

	var builder strings.Builder
	builder.WriteString(pb.base)
	builder.WriteString("\n\n--# ADDITIONAL INFO #--\n")
	builder.WriteString(memory)
	builder.WriteString("\n--# DONE #--")
	return builder.String()
}
