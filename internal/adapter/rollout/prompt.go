package rollout

import (
	"fmt"
	"strings"

	"github.com/tab-bridge/tab/internal/port/agent"
)

// The rollout transport has no native session resume, so conversation state
// is re-injected into every prompt as a compact plain-text prefix.

const (
	contextTurns      = 3
	contextTruncateAt = 200
)

// buildPrompt prepends the recent conversation to the turn's prompt. An
// empty context yields the prompt unchanged.
func buildPrompt(req agent.Request) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	entries := req.Context
	if len(entries) > contextTurns {
		entries = entries[len(entries)-contextTurns:]
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, e := range entries {
		content := e.Content
		if len(content) > contextTruncateAt {
			content = content[:contextTruncateAt] + "..."
		}
		fmt.Fprintf(&b, "[%s]: %s\n", e.FromAgent, content)
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(req.Prompt)
	return b.String()
}
