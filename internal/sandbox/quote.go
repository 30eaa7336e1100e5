package sandbox

import (
	"regexp"
	"strings"
)

var shellSafe = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

// Quote returns a shell-safe single-token representation of s. Anything
// interpolated into a command line from user-controlled content (system
// prompts, model ids, tool-server configs) must pass through here.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteJoin quotes each argument and joins them into one command line.
func QuoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = Quote(arg)
	}
	return strings.Join(quoted, " ")
}
