package agent

import (
	"fmt"
	"strings"

	"github.com/nugget/deskpilot/internal/llm"
)

// ReviewPolicy decides whether a proposed assistant turn must be
// approved by a human before its tool calls run.
type ReviewPolicy interface {
	// RequiresReview reports whether msg needs review and why.
	RequiresReview(msg llm.Message) (bool, string)
}

// ReviewFunc adapts a function to [ReviewPolicy].
type ReviewFunc func(msg llm.Message) (bool, string)

// RequiresReview implements [ReviewPolicy].
func (f ReviewFunc) RequiresReview(msg llm.Message) (bool, string) { return f(msg) }

// PatternReview flags any turn that calls a tool matching one of its
// patterns. "*" matches every tool, a trailing "*" matches a prefix,
// anything else must match exactly.
type PatternReview []string

// RequiresReview implements [ReviewPolicy].
func (p PatternReview) RequiresReview(msg llm.Message) (bool, string) {
	for _, tc := range msg.ToolCalls {
		for _, pattern := range p {
			if matchToolPattern(pattern, tc.Function.Name) {
				return true, fmt.Sprintf("tool %s matches review pattern %q", tc.Function.Name, pattern)
			}
		}
	}
	return false, ""
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}
