// internal/transport/ansi.go
package transport

import (
	"regexp"
	"strings"
)

// ansiEscape matches CSI sequences (colors, cursor movement) that terminals
// inject into the process output. They break JSON parsing if left in place.
var ansiEscape = regexp.MustCompile(`\x1B\[[0-?]*[ -/]*[@-~]`)

// StripControl removes terminal control sequences and carriage returns from a
// raw output line.
func StripControl(line string) string {
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.ReplaceAll(line, "\r", "")
}
