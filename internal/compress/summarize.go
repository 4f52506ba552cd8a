package compress

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	extractiveTop      = 10  // messages included in the extractive fallback
	extractiveMaxChars = 120 // excerpt length when no sentence terminator is found
)

// SummarizeMessages condenses messages into one text block. A
// configured summarizer is tried first; on absence or any failure the
// extractive fallback takes over, which has no external dependency and
// is the correctness baseline.
func (c *Compressor) SummarizeMessages(ctx context.Context, messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	if c.summarizer != nil {
		var sb strings.Builder
		for _, msg := range messages {
			fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
		}

		summary, err := c.summarizer.Summarize(ctx, sb.String())
		if err == nil && summary != "" {
			return summary
		}
		if err != nil {
			c.obs.Log().Warn().Err(err).Msg("summarizer failed, using extractive fallback")
		}
	}

	return extractiveSummary(messages)
}

// extractiveSummary picks the highest-priority messages and renders
// each one's first sentence as a bulleted list prefixed by role.
func extractiveSummary(messages []Message) string {
	top := make([]Message, len(messages))
	copy(top, messages)
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].Priority > top[j].Priority
	})
	if len(top) > extractiveTop {
		top = top[:extractiveTop]
	}

	var sb strings.Builder
	sb.WriteString("Earlier conversation summary:\n")
	for _, msg := range top {
		fmt.Fprintf(&sb, "- %s: %s\n", msg.Role, firstSentence(msg.Content))
	}
	return sb.String()
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexAny(content, ".!?"); idx >= 0 && idx+1 <= len(content) {
		return strings.TrimSpace(content[:idx+1])
	}
	if len(content) > extractiveMaxChars {
		return content[:extractiveMaxChars] + "..."
	}
	return content
}
