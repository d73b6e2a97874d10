package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			Workers:            4,
			TaskTimeout:        Duration(30 * time.Second),
			GraphTimeout:       Duration(5 * time.Minute),
			MaxTaskRetries:     2,
			RetryInterval:      Duration(100 * time.Millisecond),
			MaxSteals:          3,
			VerifyLevel:        "STRICT",
			MinConfidence:      0.5,
			BreakerFailures:    5,
			BreakerOpenTimeout: Duration(30 * time.Second),
		},
		Planner: PlannerConfig{
			Strategy:      "hybrid",
			MaxDepth:      3,
			MinConfidence: 0.5,
			CacheSize:     128,
			CacheTTL:      Duration(10 * time.Minute),
		},
		Oracle: OracleConfig{
			Timeout: Duration(2 * time.Minute),
		},
		Audit: AuditConfig{
			DBPath:          ".taskcore/audit.db",
			Stream:          "execution",
			CheckpointEvery: 16,
			SigningKeyFile:  ".taskcore/signing.key",
			TrustedKeys:     map[string]string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
