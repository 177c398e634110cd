package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNoConfig is returned by Discover when no config file exists in any
// standard location. Commands that work without a config (job run)
// branch on it and fall back to Defaults.
var ErrNoConfig = errors.New("no config file found")

// Discover resolves the config file path. Order: the explicit value
// (from --config), $CRUCIBLE_CONFIG, ~/.config/crucible/config.yaml,
// /etc/crucible/config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv("CRUCIBLE_CONFIG"); p != "" {
		return p, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "crucible", "config.yaml")
		if fileExists(p) {
			return p, nil
		}
	}
	if p := "/etc/crucible/config.yaml"; fileExists(p) {
		return p, nil
	}
	return "", fmt.Errorf("%w (checked: --config, $CRUCIBLE_CONFIG, ~/.config/crucible/config.yaml, /etc/crucible/config.yaml)", ErrNoConfig)
}

// Load reads and parses the configuration at path. A directory path is
// resolved to its config.yaml. ${VAR} placeholders are expanded from the
// environment before parsing; when a .checksums manifest exists next to
// the file, the file is verified against it before the config is
// trusted.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or run with --config", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyAgainstManifest(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", absPath, err)
	}

	cfg.source = absPath
	return cfg, nil
}

// verifyAgainstManifest checks the file against a .checksums manifest in
// its directory. A missing manifest skips verification; a manifest that
// exists but does not cover the file, or disagrees with it, is fatal.
func verifyAgainstManifest(path string) error {
	dir := filepath.Dir(path)
	manifest, err := LoadManifest(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	name := filepath.Base(path)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no entry in %s\n"+
			"Run: crucible config lock --config %s", name, filepath.Join(dir, checksumFile), path)
	}

	actual, err := ComputeFileHash(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if actual != expected {
		return fmt.Errorf("config verification failed for %s: hash mismatch (expected %s, got %s)\n"+
			"This indicates the file changed since it was locked.\n"+
			"If you edited it intentionally, run: crucible config lock --config %s", path, expected, actual, path)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation where they
// matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyDefaults fills unset fields from Defaults.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = defaults.Agent.Name
	}
	if cfg.Agent.PollInterval == 0 {
		cfg.Agent.PollInterval = defaults.Agent.PollInterval
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = defaults.Agent.LogLevel
	}

	if cfg.Tool.Binary == "" {
		cfg.Tool.Binary = defaults.Tool.Binary
	}
	if cfg.Tool.Timeout == 0 {
		cfg.Tool.Timeout = defaults.Tool.Timeout
	}

	if cfg.Workspace.Namespace == "" {
		cfg.Workspace.Namespace = defaults.Workspace.Namespace
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = defaults.Journal.Retention
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Telemetry.Environment == "" {
		cfg.Telemetry.Environment = defaults.Telemetry.Environment
	}
}

// validate rejects configurations the agent cannot run with. Messages
// name the yaml path of the offending field.
func validate(cfg *Config) error {
	if cfg.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Agent.LogLevel)] {
		return fmt.Errorf("agent.log_level must be one of: debug, info, warn, error (got %q)", cfg.Agent.LogLevel)
	}

	if cfg.Tool.Binary == "" {
		return fmt.Errorf("tool.binary is required")
	}
	if cfg.Tool.Timeout <= 0 {
		return fmt.Errorf("tool.timeout must be positive")
	}

	if strings.ContainsAny(cfg.Workspace.Namespace, " \t~^:?*[\\") {
		return fmt.Errorf("workspace.namespace %q contains characters git refuses in branch names", cfg.Workspace.Namespace)
	}

	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	if cfg.Journal.Retention <= 0 {
		return fmt.Errorf("journal.retention must be positive")
	}

	if cfg.Queue.BaseURL != "" {
		u, err := url.Parse(cfg.Queue.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("queue.base_url must be an http(s) URL (got %q)", cfg.Queue.BaseURL)
		}
	}
	if err := checkResolved("queue.token", cfg.Queue.Token); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if err := checkResolved("api.token", cfg.API.Token); err != nil {
			return err
		}
	}

	return nil
}

// checkResolved rejects values still carrying a ${VAR} placeholder, so
// a missing secret fails loudly instead of being sent as a literal.
func checkResolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
