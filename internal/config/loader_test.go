package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
agent:
  poll_interval: 10s
queue:
  base_url: https://queue.example.com
  token: abc123
journal:
  path: ./test-journal.db
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.PollInterval != 10*time.Second {
					t.Error("poll_interval not parsed")
				}
				if cfg.Queue.BaseURL != "https://queue.example.com" {
					t.Error("queue.base_url not parsed")
				}
				if cfg.Journal.Path != "./test-journal.db" {
					t.Error("journal.path not parsed")
				}
				// Check defaults applied
				if cfg.Agent.Name != "crucible" {
					t.Error("default agent name not applied")
				}
				if cfg.Agent.LogLevel != "info" {
					t.Error("default log level not applied")
				}
				if cfg.Tool.Binary != "claude" {
					t.Error("default tool binary not applied")
				}
				if cfg.Tool.Timeout != 2*time.Hour {
					t.Error("default tool timeout not applied")
				}
				if cfg.Workspace.Namespace != "crucible" {
					t.Error("default workspace namespace not applied")
				}
				if cfg.Journal.Retention != 30*24*time.Hour {
					t.Error("default journal retention not applied")
				}
				if cfg.API.Listen != "127.0.0.1:8080" {
					t.Error("default api listen not applied")
				}
				if cfg.Source() == "" {
					t.Error("source not recorded")
				}
			},
		},
		{
			name:    "empty file uses defaults",
			yaml:    "",
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.PollInterval != 5*time.Second {
					t.Error("default poll_interval not applied")
				}
				if cfg.Queue.BaseURL != "" {
					t.Error("queue should be unset")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
queue:
  base_url: https://queue.example.com
  token: ${CRUCIBLE_TEST_TOKEN}
tool:
  model: ${CRUCIBLE_TEST_MODEL}
`,
			env: map[string]string{
				"CRUCIBLE_TEST_TOKEN": "secret123",
				"CRUCIBLE_TEST_MODEL": "claude-test-1",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Queue.Token != "secret123" {
					t.Errorf("env var not interpolated in queue.token: %s", cfg.Queue.Token)
				}
				if cfg.Tool.Model != "claude-test-1" {
					t.Errorf("env var not interpolated in tool.model: %s", cfg.Tool.Model)
				}
			},
		},
		{
			name: "missing env var in queue token fails",
			yaml: `
queue:
  base_url: https://queue.example.com
  token: ${CRUCIBLE_UNSET_TOKEN}
`,
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
agent:
  log_level: loud
`,
			wantErr: true,
		},
		{
			name: "negative tool timeout",
			yaml: `
tool:
  timeout: -5s
`,
			wantErr: true,
		},
		{
			name: "queue url without scheme",
			yaml: `
queue:
  base_url: queue.example.com
`,
			wantErr: true,
		},
		{
			name: "namespace with space",
			yaml: `
workspace:
  namespace: "bad name"
`,
			wantErr: true,
		},
		{
			name: "api enabled with unresolved token",
			yaml: `
api:
  enabled: true
  token: ${CRUCIBLE_UNSET_API_TOKEN}
`,
			env:     map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			writeTestFile(t, configPath, tt.yaml)

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryResolvesConfigYaml(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "agent:\n  name: dirtest\n")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load(dir) error: %v", err)
	}
	if cfg.Agent.Name != "dirtest" {
		t.Errorf("agent.name = %q, want dirtest", cfg.Agent.Name)
	}
	if cfg.Source() != filepath.Join(tmpDir, "config.yaml") {
		t.Errorf("source = %q, want config.yaml inside dir", cfg.Source())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error should mention not found, got: %v", err)
	}
}

func TestLoadRefusesTamperedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	writeTestFile(t, configPath, "agent:\n  name: locked\n")

	if _, err := Lock(tmpDir); err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	// Untouched file still loads
	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() after lock error: %v", err)
	}

	writeTestFile(t, configPath, "agent:\n  name: edited\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error for tampered config")
	}
	if !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("error should mention hash mismatch, got: %v", err)
	}
	if !strings.Contains(err.Error(), "config lock") {
		t.Errorf("error should point at config lock, got: %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${CRUCIBLE_TEST_HOME}/data",
			env:   map[string]string{"CRUCIBLE_TEST_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${CRUCIBLE_TEST_USER}:${CRUCIBLE_TEST_PASS}@${CRUCIBLE_TEST_HOST}",
			env: map[string]string{
				"CRUCIBLE_TEST_USER": "admin",
				"CRUCIBLE_TEST_PASS": "secret",
				"CRUCIBLE_TEST_HOST": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${CRUCIBLE_TEST_UNDEFINED}",
			env:   map[string]string{},
			want:  "key: ${CRUCIBLE_TEST_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			env:   map[string]string{},
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			got := interpolateEnv(tt.input)
			if got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "negative poll interval",
			mutate:  func(cfg *Config) { cfg.Agent.PollInterval = -1 },
			wantErr: "poll_interval",
		},
		{
			name:    "invalid log level",
			mutate:  func(cfg *Config) { cfg.Agent.LogLevel = "trace" },
			wantErr: "log_level",
		},
		{
			name:    "missing tool binary",
			mutate:  func(cfg *Config) { cfg.Tool.Binary = "" },
			wantErr: "tool.binary",
		},
		{
			name:    "missing journal path",
			mutate:  func(cfg *Config) { cfg.Journal.Path = "" },
			wantErr: "journal.path",
		},
		{
			name:    "zero journal retention",
			mutate:  func(cfg *Config) { cfg.Journal.Retention = 0 },
			wantErr: "journal.retention",
		},
		{
			name: "api enabled without listen",
			mutate: func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ""
			},
			wantErr: "api.listen",
		},
		{
			name:    "unresolved queue token",
			mutate:  func(cfg *Config) { cfg.Queue.Token = "${CRUCIBLE_NEVER_SET}" },
			wantErr: "CRUCIBLE_NEVER_SET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validate() = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	t.Run("explicit path wins", func(t *testing.T) {
		got, err := Discover("/some/explicit/path.yaml")
		if err != nil {
			t.Fatalf("Discover() error: %v", err)
		}
		if got != "/some/explicit/path.yaml" {
			t.Errorf("Discover() = %q, want explicit path", got)
		}
	})

	t.Run("env var", func(t *testing.T) {
		os.Setenv("CRUCIBLE_CONFIG", "/from/env/config.yaml")
		defer os.Unsetenv("CRUCIBLE_CONFIG")

		got, err := Discover("")
		if err != nil {
			t.Fatalf("Discover() error: %v", err)
		}
		if got != "/from/env/config.yaml" {
			t.Errorf("Discover() = %q, want env path", got)
		}
	})

	t.Run("home config dir", func(t *testing.T) {
		os.Unsetenv("CRUCIBLE_CONFIG")

		tmpHome := t.TempDir()
		configPath := filepath.Join(tmpHome, ".config", "crucible", "config.yaml")
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			t.Fatal(err)
		}
		writeTestFile(t, configPath, "agent: {}\n")

		oldHome := os.Getenv("HOME")
		os.Setenv("HOME", tmpHome)
		defer os.Setenv("HOME", oldHome)

		got, err := Discover("")
		if err != nil {
			t.Fatalf("Discover() error: %v", err)
		}
		if got != configPath {
			t.Errorf("Discover() = %q, want %q", got, configPath)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		if _, err := os.Stat("/etc/crucible/config.yaml"); err == nil {
			t.Skip("system config present")
		}
		os.Unsetenv("CRUCIBLE_CONFIG")

		oldHome := os.Getenv("HOME")
		os.Setenv("HOME", t.TempDir())
		defer os.Setenv("HOME", oldHome)

		_, err := Discover("")
		if !errors.Is(err, ErrNoConfig) {
			t.Errorf("Discover() error = %v, want ErrNoConfig", err)
		}
	})
}
