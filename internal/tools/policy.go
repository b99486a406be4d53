package tools

import "regexp"

// defaultDenyPatterns blocks the most common destructive or
// privilege-escalating shell idioms before a command ever reaches the
// shell. Grounded on vanducng-goclaw/internal/tools/shell.go's deny list,
// trimmed to the subset relevant without its sandbox/approval-manager
// machinery (out of scope here per SPEC_FULL.md §10).
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-rf\s+/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=.*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\b:\(\)\s*\{\s*:\|:&\s*\}\s*;`), // fork bomb
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`\bchmod\s+-R\s+777\s+/`),
}

func isDeniedCommand(cmd string) (bool, string) {
	for _, p := range defaultDenyPatterns {
		if p.MatchString(cmd) {
			return true, p.String()
		}
	}
	return false, ""
}
