// internal/transport/command.go
package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/user/sandbridge/internal/sandbox"
)

// Thinking-mode budgets, in max thinking tokens.
var thinkingModeTokens = map[string]int{
	"low":    4000,
	"medium": 10000,
	"high":   15000,
	"ultra":  32000,
}

// permissionModeMap translates the user-facing permission mode to the value
// the agent process understands. Unknown modes fall through to bypass, which
// matches treating an unrecognized mode as fully pre-approved rather than
// silently prompting.
var permissionModeMap = map[string]string{
	"plan": "plan",
	"ask":  "default",
	"auto": "default",
}

const bypassPermissionMode = "bypassPermissions"

// MCPServer describes one tool-server the agent process should launch or
// connect to. Either Command/Args/Env (stdio) or URL (http) is set.
type MCPServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Options configure the exact process invocation inside the sandbox.
type Options struct {
	Binary             string
	Model              string
	PermissionMode     string
	SystemPrompt       string
	SystemPromptAppend bool
	PermissionTool     string
	DisallowedTools    []string
	MCPServers         map[string]MCPServer
	ThinkingMode       string
	ResumeToken        string
	Env                map[string]string
	QueueSize          int
}

// ProcessPermissionMode returns the permission mode passed to the process.
func (o *Options) ProcessPermissionMode() string {
	if mode, ok := permissionModeMap[o.PermissionMode]; ok {
		return mode
	}
	return bypassPermissionMode
}

// BuildCommand assembles the single shell command line that starts the agent
// process. Every interpolated string is shell-quoted; user-controlled content
// (system prompt, model id, tool-server config) must not be able to inject
// into the command.
func (o *Options) BuildCommand() (string, error) {
	binary := o.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{binary, "--output-format", "stream-json", "--verbose"}

	if o.SystemPrompt != "" {
		if o.SystemPromptAppend {
			args = append(args, "--append-system-prompt", o.SystemPrompt)
		} else {
			args = append(args, "--system-prompt", o.SystemPrompt)
		}
	}

	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}

	if o.PermissionTool != "" {
		args = append(args, "--permission-prompt-tool", o.PermissionTool)
	}

	args = append(args, "--permission-mode", o.ProcessPermissionMode())

	if o.ResumeToken != "" {
		args = append(args, "--resume", o.ResumeToken)
	}

	if len(o.MCPServers) > 0 {
		config, err := json.Marshal(map[string]any{"mcpServers": o.MCPServers})
		if err != nil {
			return "", fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(config))
	}

	if tokens, ok := thinkingModeTokens[o.ThinkingMode]; ok {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(tokens))
	}

	args = append(args, "--input-format", "stream-json")

	return sandbox.QuoteJoin(args), nil
}
