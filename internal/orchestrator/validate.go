package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// guardRules are checked against the prompt before any workspace or
// process exists. The match is intentionally coarse: a false rejection
// costs a re-submitted job, a false pass costs a repository.
var guardRules = []struct {
	name string
	re   *regexp.Regexp
}{
	{
		name: "filesystem destruction",
		re:   regexp.MustCompile(`(?i)\brm\s+(?:-\S+\s+)+(?:/(?:\s|$|\*)|~|\$HOME\b)`),
	},
	{
		name: "credential file access",
		re:   regexp.MustCompile(`(?i)(\.ssh/|~/\.ssh|\bid_rsa\b|\bid_ed25519\b|\.aws/credentials|\.netrc\b|/etc/shadow\b|\.gnupg/|authorized_keys\b)`),
	},
	{
		name: "remote script piped to shell",
		re:   regexp.MustCompile(`(?i)\b(curl|wget)\b[^|\n]*\|\s*(sudo\s+)?\S*sh\b`),
	},
	{
		name: "eval construct",
		re:   regexp.MustCompile(`(?i)\beval\b`),
	},
	{
		name: "decode-then-execute",
		re:   regexp.MustCompile(`(?i)base64\s+(-d|--decode)\b[^|\n]*\|\s*(sudo\s+)?\S*sh\b`),
	},
}

// validatePrompt rejects empty prompts and prompts that ask for the
// destructive operations the agent refuses to forward to the tool.
func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is empty")
	}
	for _, rule := range guardRules {
		if m := rule.re.FindString(prompt); m != "" {
			return fmt.Errorf("prompt matches %s pattern %q", rule.name, truncate(m, 60))
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
