package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Executor.Workers != 4 {
					t.Errorf("workers = %d, want 4", cfg.Executor.Workers)
				}
				if cfg.Planner.Strategy != "hybrid" {
					t.Errorf("strategy = %q, want hybrid", cfg.Planner.Strategy)
				}
				if cfg.Audit.Stream != "execution" {
					t.Errorf("stream = %q, want execution", cfg.Audit.Stream)
				}
			},
		},
		{
			name:         "Global only - overrides one field, keeps the rest",
			globalConfig: `{"executor": {"workers": 8}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Executor.Workers != 8 {
					t.Errorf("workers = %d, want 8", cfg.Executor.Workers)
				}
				if cfg.Executor.TaskTimeout.D() != 30*time.Second {
					t.Errorf("task_timeout = %s, want default 30s", cfg.Executor.TaskTimeout.D())
				}
			},
		},
		{
			name:          "Project overrides global - project wins",
			globalConfig:  `{"executor": {"workers": 8, "graph_timeout": "1m"}}`,
			projectConfig: `{"executor": {"workers": 2}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Executor.Workers != 2 {
					t.Errorf("workers = %d, want 2", cfg.Executor.Workers)
				}
				if cfg.Executor.GraphTimeout.D() != time.Minute {
					t.Errorf("graph_timeout = %s, want 1m from global", cfg.Executor.GraphTimeout.D())
				}
			},
		},
		{
			name:          "Explicit zero retries is kept",
			projectConfig: `{"executor": {"max_task_retries": 0}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Executor.MaxTaskRetries != 0 {
					t.Errorf("max_task_retries = %d, want 0", cfg.Executor.MaxTaskRetries)
				}
			},
		},
		{
			name:          "Trusted keys merge by name",
			globalConfig:  `{"audit": {"trusted_keys": {"old": "keys/old.pub", "ops": "keys/ops.pub"}}}`,
			projectConfig: `{"audit": {"trusted_keys": {"ops": "keys/ops-2.pub"}}}`,
			check: func(t *testing.T, cfg *Config) {
				want := map[string]string{"old": "keys/old.pub", "ops": "keys/ops-2.pub"}
				if len(cfg.Audit.TrustedKeys) != len(want) {
					t.Fatalf("trusted_keys = %v, want %v", cfg.Audit.TrustedKeys, want)
				}
				for k, v := range want {
					if cfg.Audit.TrustedKeys[k] != v {
						t.Errorf("trusted_keys[%s] = %q, want %q", k, cfg.Audit.TrustedKeys[k], v)
					}
				}
			},
		},
		{
			name:          "Oracle backend and args",
			projectConfig: `{"oracle": {"backend": "exec", "command": "./plan.sh", "args": ["--fast"], "timeout": "45s"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Oracle.Backend != "exec" || cfg.Oracle.Command != "./plan.sh" {
					t.Errorf("oracle = %+v", cfg.Oracle)
				}
				if len(cfg.Oracle.Args) != 1 || cfg.Oracle.Args[0] != "--fast" {
					t.Errorf("oracle.args = %v", cfg.Oracle.Args)
				}
				if cfg.Oracle.Timeout.D() != 45*time.Second {
					t.Errorf("oracle.timeout = %s, want 45s", cfg.Oracle.Timeout.D())
				}
			},
		},
		{
			name:          "Durations accept seconds",
			projectConfig: `{"planner": {"cache_ttl": 90}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Planner.CacheTTL.D() != 90*time.Second {
					t.Errorf("cache_ttl = %s, want 1m30s", cfg.Planner.CacheTTL.D())
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = filepath.Join(tmpDir, "global.json")
				writeFile(t, globalPath, tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = filepath.Join(tmpDir, "project.json")
				writeFile(t, projectPath, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global.json")
	writeFile(t, globalPath, "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("error should mention the file, got: %v", err)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "project.json")
	writeFile(t, path, `{"executor": {"wrokers": 3}}`)

	if _, err := Load("", path); err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"zero workers", `{"executor": {"workers": 0}}`, "executor.workers"},
		{"bad level", `{"executor": {"verify_level": "LAX"}}`, "executor.verify_level"},
		{"bad strategy", `{"planner": {"strategy": "guess"}}`, "planner.strategy"},
		{"confidence out of range", `{"planner": {"min_confidence": 1.5}}`, "planner.min_confidence"},
		{"bad format", `{"logging": {"format": "xml"}}`, "logging.format"},
		{"bad duration", `{"executor": {"task_timeout": "soon"}}`, "task_timeout"},
		{"unknown oracle", `{"oracle": {"backend": "goose"}}`, "oracle.backend"},
		{"exec oracle without command", `{"oracle": {"backend": "exec"}}`, "oracle.command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "project.json")
			writeFile(t, path, tt.content)

			_, err := Load("", path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) && !strings.Contains(err.Error(), "soon") {
				t.Errorf("error should name %s, got: %v", tt.field, err)
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Executor.Workers != DefaultConfig().Executor.Workers {
		t.Errorf("workers = %d, want default", cfg.Executor.Workers)
	}
}
