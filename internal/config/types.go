package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes JSON as "30s".
// A bare JSON number is taken as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// ExecutorConfig sizes the worker pool and bounds task execution.
type ExecutorConfig struct {
	Workers        int      `json:"workers"`          // Worker pool size
	TaskTimeout    Duration `json:"task_timeout"`     // Per-invocation limit
	GraphTimeout   Duration `json:"graph_timeout"`    // Whole-graph limit, 0 disables
	MaxTaskRetries int      `json:"max_task_retries"` // Retries after the first attempt
	RetryInterval  Duration `json:"retry_interval"`   // Constant backoff between attempts
	MaxSteals      int      `json:"max_steals"`       // Steals before a job moves to the overflow queue
	VerifyLevel    string   `json:"verify_level"`     // BASIC, STRICT or PARANOID
	MinConfidence  float64  `json:"min_confidence"`   // Verification threshold (STRICT and up)

	BreakerFailures    uint32   `json:"breaker_failures"`     // Consecutive failures that open a circuit
	BreakerOpenTimeout Duration `json:"breaker_open_timeout"` // How long a circuit stays open
}

// PlannerConfig configures decomposition and the plan cache.
type PlannerConfig struct {
	Strategy      string   `json:"strategy"`                // rule_based, oracle or hybrid
	MaxDepth      int      `json:"max_depth"`               // Decomposition depth limit
	MinConfidence float64  `json:"min_confidence"`          // Plans below this fall back to the verbatim request
	RulesFile     string   `json:"rules_file,omitempty"`    // YAML rule templates; empty uses the built-in set
	CacheSize     int      `json:"cache_size"`              // Plan cache entries
	CacheTTL      Duration `json:"cache_ttl"`               // Plan cache entry lifetime
	ContextKeys   []string `json:"context_keys,omitempty"` // Request context keys that take part in fingerprints
}

// OracleConfig selects the external decomposition command. An empty
// backend runs the planner without an oracle.
type OracleConfig struct {
	Backend string   `json:"backend,omitempty"` // claude, codex or exec
	Command string   `json:"command,omitempty"` // Defaults to the backend name
	Args    []string `json:"args,omitempty"`
	Model   string   `json:"model,omitempty"`
	Timeout Duration `json:"timeout"` // Per-call limit
}

// AuditConfig configures the audit store and signing keys.
type AuditConfig struct {
	DBPath          string            `json:"db_path"`                // SQLite database
	Stream          string            `json:"stream"`                 // Execution entry stream
	CheckpointEvery int               `json:"checkpoint_every"`       // Auto-checkpoint interval, <0 disables
	SigningKeyFile  string            `json:"signing_key_file"`       // Hex ed25519 seed
	TrustedKeys     map[string]string `json:"trusted_keys,omitempty"` // Name -> hex public key file, for rotated keys
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Executor ExecutorConfig `json:"executor"`
	Planner  PlannerConfig  `json:"planner"`
	Oracle   OracleConfig   `json:"oracle"`
	Audit    AuditConfig    `json:"audit"`
	Logging  LoggingConfig  `json:"logging"`
}
