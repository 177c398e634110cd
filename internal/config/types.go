package config

import "time"

// Config is the complete crucible agent configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Queue     QueueConfig     `yaml:"queue,omitempty"`
	Tool      ToolConfig      `yaml:"tool"`
	Workspace WorkspaceConfig `yaml:"workspace,omitempty"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`

	// source is the file the config was loaded from, empty for Defaults.
	source string
}

// AgentConfig defines the poll loop and logging behavior.
type AgentConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
}

// QueueConfig points the agent at its job queue. Empty BaseURL means no
// remote queue; only `job run` works then.
type QueueConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token,omitempty"`
}

// ToolConfig describes the coding tool the agent drives.
type ToolConfig struct {
	Binary    string        `yaml:"binary"`
	Model     string        `yaml:"model,omitempty"`
	ExtraArgs []string      `yaml:"extra_args,omitempty"`
	PassEnv   []string      `yaml:"pass_env,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WorkspaceConfig tunes workspace naming.
type WorkspaceConfig struct {
	// Namespace prefixes job branches, default "crucible".
	Namespace string `yaml:"namespace"`
}

// JournalConfig locates the local execution journal.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines the optional status API server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token,omitempty"`
}

// TelemetryConfig defines the optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	Environment string `yaml:"environment,omitempty"`
}

// Source returns the path this config was loaded from, or "" for a
// default config.
func (c *Config) Source() string {
	return c.source
}

// Defaults returns a Config that works for local `job run` with the
// tool on PATH. The queue, API and telemetry stay off until configured.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:         "crucible",
			PollInterval: 5 * time.Second,
			LogLevel:     "info",
		},
		Tool: ToolConfig{
			Binary:  "claude",
			Timeout: 2 * time.Hour,
		},
		Workspace: WorkspaceConfig{
			Namespace: "crucible",
		},
		Journal: JournalConfig{
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Environment: "production",
		},
	}
}
