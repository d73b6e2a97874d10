package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/taskcore/internal/oracle"
	"github.com/aristath/taskcore/internal/planner"
	"github.com/aristath/taskcore/internal/verify"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.taskcore/config.json
// Project: .taskcore/config.json (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskcore", "config.json"), filepath.Join(".taskcore", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Fields present in the file replace the base value; trusted keys merge by
// name. Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks values that the components would otherwise reject at
// startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Executor.Workers <= 0 {
		errs = append(errs, fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers))
	}
	if c.Executor.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("executor.task_timeout must be positive"))
	}
	if c.Executor.GraphTimeout < 0 {
		errs = append(errs, fmt.Errorf("executor.graph_timeout must not be negative"))
	}
	if c.Executor.MaxTaskRetries < 0 {
		errs = append(errs, fmt.Errorf("executor.max_task_retries must not be negative"))
	}
	if _, err := verify.ParseLevel(c.Executor.VerifyLevel); err != nil {
		errs = append(errs, fmt.Errorf("executor.verify_level: %w", err))
	}
	if c.Executor.MinConfidence < 0 || c.Executor.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("executor.min_confidence must be in [0,1], got %v", c.Executor.MinConfidence))
	}

	if _, err := planner.ParseStrategy(c.Planner.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("planner.strategy: %w", err))
	}
	if c.Planner.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("planner.max_depth must be positive, got %d", c.Planner.MaxDepth))
	}
	if c.Planner.MinConfidence < 0 || c.Planner.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("planner.min_confidence must be in [0,1], got %v", c.Planner.MinConfidence))
	}

	backend, err := oracle.ParseBackend(c.Oracle.Backend)
	if err != nil {
		errs = append(errs, fmt.Errorf("oracle.backend: %w", err))
	}
	if backend == oracle.BackendExec && strings.TrimSpace(c.Oracle.Command) == "" {
		errs = append(errs, fmt.Errorf("oracle.command is required for the exec backend"))
	}
	if c.Oracle.Timeout < 0 {
		errs = append(errs, fmt.Errorf("oracle.timeout must not be negative"))
	}

	if strings.TrimSpace(c.Audit.DBPath) == "" {
		errs = append(errs, fmt.Errorf("audit.db_path must not be empty"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
