// Package safety implements the command safety contract of spec.md section
// 6: an allow-list on the first token of an inbound command, plus a static
// destructive-pattern filter that runs even for the two reserved inputs
// that bypass the allow-list. It is grounded on the early-rejection texture
// of the teacher's host-agent/internal/heartbeat/ratelimit.go validators
// (ValidateGenericPayload, ValidateSessionOffer), generalized from
// payload-size checks to command-shape checks.
package safety

import (
	"regexp"
	"strings"
)

// AllowedCommands is the fixed set of first tokens a claude-command frame
// may dispatch, per spec.md section 6. The assistant binary itself
// ("claude") is always permitted; the rest cover the everyday shell verbs
// an interactive coding assistant session needs.
var AllowedCommands = map[string]struct{}{
	"claude": {},
	"ls":     {},
	"cat":    {},
	"pwd":    {},
	"cd":     {},
	"git":    {},
	"grep":   {},
	"find":   {},
	"echo":   {},
	"diff":   {},
	"head":   {},
	"tail":   {},
	"wc":     {},
}

// reserved commands bypass the allow-list but never the destructive-pattern
// filter, per spec.md section 6's explicit text.
const (
	CommandHelp = "/help"
	CommandExit = "/exit"
)

// destructivePatterns match command shapes that must never reach the
// assistant's stdin, regardless of allow-list membership: root/wildcard
// recursive deletion, privilege escalation other than invoking the
// assistant binary itself, shell-redirected downloads, raw disk writes, and
// filesystem formatting.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-\w*r\w*f\w*|-\w*f\w*r\w*)\s+/\*?(\s|$)`),
	regexp.MustCompile(`\brm\s+.*-[a-zA-Z]*r[a-zA-Z]*\s+\*`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bdoas\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`(curl|wget)\s+.*\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\d*\b`),
	regexp.MustCompile(`\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|\s*:\s*&\s*\}\s*;`), // fork bomb
}

// Verdict is the outcome of checking one command string.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Check runs the full safety contract against a raw command string: the
// destructive-pattern filter always applies; the allow-list applies unless
// the command is one of the two reserved inputs.
func Check(command string) Verdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{Allowed: false, Reason: "empty command"}
	}

	if pattern, ok := matchDestructive(trimmed); ok {
		return Verdict{Allowed: false, Reason: "command matches a blocked destructive pattern: " + pattern}
	}

	if trimmed == CommandHelp || trimmed == CommandExit {
		return Verdict{Allowed: true}
	}

	first := firstToken(trimmed)
	if _, ok := AllowedCommands[first]; !ok {
		return Verdict{Allowed: false, Reason: "command \"" + first + "\" is not on the allow-list"}
	}

	return Verdict{Allowed: true}
}

func matchDestructive(command string) (string, bool) {
	for _, p := range destructivePatterns {
		if p.MatchString(command) {
			return p.String(), true
		}
	}
	return "", false
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
