package session

import (
	"regexp"
	"strings"
)

// allowedEnvNames is the fixed set of benign variables the tool process
// inherits. Everything else is dropped: the launching environment's
// credentials are not the tool's to read.
var allowedEnvNames = map[string]bool{
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"LOGNAME":         true,
	"SHELL":           true,
	"TERM":            true,
	"LANG":            true,
	"LANGUAGE":        true,
	"TZ":              true,
	"TMPDIR":          true,
	"XDG_CACHE_HOME":  true,
	"XDG_CONFIG_HOME": true,
	"XDG_DATA_HOME":   true,
}

// secretNamePatterns exclude a variable by NAME even when allow-listed
// or LC_*-matched. Only an explicit pass-through entry re-admits a
// matching variable.
var secretNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`_TOKEN$`),
	regexp.MustCompile(`_SECRET$`),
	regexp.MustCompile(`_KEY$`),
	regexp.MustCompile(`_PASSWORD$`),
	regexp.MustCompile(`^AWS_`),
	regexp.MustCompile(`^GOOGLE_`),
	regexp.MustCompile(`^GCLOUD_`),
	regexp.MustCompile(`^AZURE_`),
}

func secretLikeName(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range secretNamePatterns {
		if p.MatchString(upper) {
			return true
		}
	}
	return false
}

// buildEnv filters environ down to the allowlist. Names listed in
// passThrough are re-admitted explicitly (the tool's own auth variables,
// configured deliberately) and are the only way past the secret-name
// exclusion.
func buildEnv(environ []string, passThrough []string) []string {
	pass := make(map[string]bool, len(passThrough))
	for _, name := range passThrough {
		pass[name] = true
	}

	var out []string
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		name := kv[:eq]

		if pass[name] {
			out = append(out, kv)
			continue
		}
		if secretLikeName(name) {
			continue
		}
		if allowedEnvNames[name] || strings.HasPrefix(name, "LC_") {
			out = append(out, kv)
		}
	}
	return out
}
