// internal/orchestrator/prompt.go
package orchestrator

import (
	"fmt"
	"strings"
)

// Slash commands handled natively by the agent binary. These pass through
// unwrapped so the binary recognizes them.
var passthroughCommands = map[string]bool{
	"/context":     true,
	"/compact":     true,
	"/pr-comments": true,
	"/review":      true,
	"/init":        true,
}

// PreparePrompt wraps the user's prompt, and any per-turn custom
// instructions, in delimiting tags so the agent can distinguish operator
// instructions from the request itself. Recognized slash commands are
// forwarded verbatim.
func PreparePrompt(prompt, customInstructions string) string {
	trimmed := strings.TrimSpace(prompt)
	if cmd, _, _ := strings.Cut(trimmed, " "); passthroughCommands[cmd] {
		return trimmed
	}

	if customInstructions == "" {
		return fmt.Sprintf("<user_prompt>\n%s\n</user_prompt>", prompt)
	}
	return fmt.Sprintf("<user_instructions>\n%s\n</user_instructions>\n\n<user_prompt>\n%s\n</user_prompt>",
		customInstructions, prompt)
}
