package approval

import (
	"fmt"
	"regexp"
	"strings"
)

// Risk levels for a requested tool call.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Assessment is the human-readable risk classification of a tool call.
type Assessment struct {
	Level  string   `json:"level"`
	Reason string   `json:"reason"`
	Vector []string `json:"vector,omitempty"`
	// Complex marks shell syntax the classifier could not fully analyze
	// (pipes, redirects, substitution). Complex commands are high risk
	// by default regardless of the commands involved.
	Complex bool `json:"complex,omitempty"`
}

// denyPatterns match commands that are destructive regardless of context.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[rf]+\s+)*[/~]`),
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`\brm\s+-r[fF]?\s+\.\B`),
	regexp.MustCompile(`\brm\s+-r[fF]?\s+\*`),
	regexp.MustCompile(`\bfind\b.*\b-delete\b`),
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bfdisk\b`),
	regexp.MustCompile(`>\s*/dev/`),
	regexp.MustCompile(`\bchmod\s+-R\s+777\b`),
	regexp.MustCompile(`\bchown\s+-R\b.*[/~]`),
	regexp.MustCompile(`\bshutdown\b`),
	regexp.MustCompile(`\breboot\b`),
	regexp.MustCompile(`\bhalt\b`),
	regexp.MustCompile(`\bsystemctl\s+(start|stop|restart|enable|disable)\b`),
}

// lowRiskCommands are read-only binaries safe to run on their own.
var lowRiskCommands = map[string]bool{
	"ls": true, "cat": true, "pwd": true, "rg": true, "grep": true,
	"sed": true, "head": true, "tail": true, "wc": true, "echo": true,
	"find": true, "file": true, "stat": true, "which": true, "env": false,
	"date": true, "whoami": true, "uname": true, "du": true, "df": true,
}

// writeRiskCommands mutate local state but stay inside the workspace model.
var writeRiskCommands = map[string]bool{
	"mkdir": true, "touch": true, "cp": true, "mv": true, "tee": true,
	"git": true, "tar": true, "gzip": true, "gunzip": true, "patch": true,
}

// shell metacharacters that make a command string ambiguous to analyze.
var complexMarkers = []string{"|", ";", "&&", "||", "`", "$(", ">", ">>", "<", "&"}

// ClassifyShell inspects a shell command string and classifies its risk.
// Ambiguous syntax is marked complex and treated as high risk: the gate must
// never auto-approve what it cannot parse.
func ClassifyShell(command string) Assessment {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Assessment{Level: RiskLow, Reason: "empty command"}
	}

	for _, re := range denyPatterns {
		if re.MatchString(trimmed) {
			return Assessment{
				Level:  RiskHigh,
				Reason: fmt.Sprintf("matches destructive pattern %q", re.String()),
				Vector: []string{trimmed},
			}
		}
	}

	for _, marker := range complexMarkers {
		if containsUnquoted(trimmed, marker) {
			return Assessment{
				Level:   RiskHigh,
				Reason:  fmt.Sprintf("complex shell syntax (%s)", marker),
				Vector:  []string{trimmed},
				Complex: true,
			}
		}
	}

	vector := splitCommand(trimmed)
	if len(vector) == 0 {
		return Assessment{Level: RiskHigh, Reason: "unparseable command", Complex: true, Vector: []string{trimmed}}
	}
	bin := baseName(vector[0])
	switch {
	case lowRiskCommands[bin]:
		return Assessment{Level: RiskLow, Reason: fmt.Sprintf("read-only command %q", bin), Vector: vector}
	case writeRiskCommands[bin]:
		return Assessment{Level: RiskMedium, Reason: fmt.Sprintf("local write command %q", bin), Vector: vector}
	default:
		return Assessment{Level: RiskHigh, Reason: fmt.Sprintf("unrecognized command %q", bin), Vector: vector}
	}
}

// ClassifyTool classifies non-shell tools from their declared tier.
func ClassifyTool(tool string, tier int) Assessment {
	switch {
	case tier <= 0:
		return Assessment{Level: RiskLow, Reason: fmt.Sprintf("read-only tool %q", tool)}
	case tier == 1:
		return Assessment{Level: RiskMedium, Reason: fmt.Sprintf("workspace write tool %q", tool)}
	default:
		return Assessment{Level: RiskHigh, Reason: fmt.Sprintf("high-impact tool %q", tool)}
	}
}

// containsUnquoted reports whether marker appears outside single/double
// quotes in s.
func containsUnquoted(s, marker string) bool {
	var inSingle, inDouble bool
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\'' && !inDouble:
			inSingle = !inSingle
		case s[i] == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && strings.HasPrefix(s[i:], marker):
			// ">>" must win over ">" but both classify identically,
			// so a prefix match is sufficient here.
			return true
		}
	}
	return false
}

// splitCommand tokenizes a simple (non-complex) command string, honoring
// single and double quotes. Returns nil on unterminated quoting.
func splitCommand(s string) []string {
	var (
		out      []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case (c == ' ' || c == '\t') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if inSingle || inDouble {
		return nil
	}
	flush()
	return out
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
