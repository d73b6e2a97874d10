package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/config"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/logging"
	"github.com/aristath/taskcore/internal/oracle"
	"github.com/aristath/taskcore/internal/orchestrator"
	"github.com/aristath/taskcore/internal/persistence"
	"github.com/aristath/taskcore/internal/planner"
	"github.com/aristath/taskcore/internal/provenance"
	"github.com/aristath/taskcore/internal/verify"
)

// planningStream is the audit stream the planner appends to.
const planningStream = "planning"

// loadConfig reads the layered config files and applies environment and
// flag overrides from v.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	global, project, err := configPaths(v)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(global, project)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		key string
		dst *string
	}{
		{"db", &cfg.Audit.DBPath},
		{"stream", &cfg.Audit.Stream},
		{"key-file", &cfg.Audit.SigningKeyFile},
		{"log-level", &cfg.Logging.Level},
		{"log-format", &cfg.Logging.Format},
	}
	for _, o := range overrides {
		if s := v.GetString(o.key); s != "" {
			*o.dst = s
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPaths returns the global and project config paths, honouring the
// --global-config and --config flags.
func configPaths(v *viper.Viper) (global, project string, err error) {
	global, project, err = config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if p := v.GetString("global-config"); p != "" {
		global = p
	}
	if p := v.GetString("config"); p != "" {
		project = p
	}
	return global, project, nil
}

// newLogger builds the process logger. out replaces stderr when non-nil.
func newLogger(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// errNoSigningKey means the configured seed file does not exist.
var errNoSigningKey = errors.New("no signing key")

// loadKeyRing loads the signing key and every trusted public key. With sign
// set the seed file must exist; otherwise a missing seed yields a
// verify-only ring over the trusted keys.
func loadKeyRing(cfg *config.Config, sign bool) (*audit.KeyRing, error) {
	trusted, err := trustedKeys(cfg)
	if err != nil {
		return nil, err
	}

	path := cfg.Audit.SigningKeyFile
	priv, err := audit.LoadSeedFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && sign:
		return nil, fmt.Errorf("%w at %s: generate one with `taskcore keygen`", errNoSigningKey, path)
	case errors.Is(err, os.ErrNotExist):
		if len(trusted) == 0 {
			return nil, fmt.Errorf("%w at %s and no trusted keys configured", errNoSigningKey, path)
		}
		return audit.NewVerifyOnlyKeyRing(trusted...)
	default:
		return nil, err
	}
	return audit.NewKeyRing(priv, trusted...)
}

func trustedKeys(cfg *config.Config) ([]ed25519.PublicKey, error) {
	var keys []ed25519.PublicKey
	for name, path := range cfg.Audit.TrustedKeys {
		pub, err := audit.LoadPublicKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", name, err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

// generateKey writes a fresh seed to path (0600) and its public key to
// path+".pub".
func generateKey(path string) (ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	// O_EXCL: never overwrite an existing key.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	if _, err := fmt.Fprintln(f, hex.EncodeToString(priv.Seed())); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}
	return priv, nil
}

// app holds the wired components of one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *persistence.SQLiteStore
	keys     *audit.KeyRing
	registry *capability.Registry
	bus      *events.EventBus
	metrics  *orchestrator.Metrics
	gatherer prometheus.Gatherer
	procs    *oracle.ProcessManager
	runner   *orchestrator.Runner
}

// openStore opens the durable audit store.
func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Audit.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit store %s: %w", cfg.Audit.DBPath, err)
	}
	return store, nil
}

// newApp wires the planner, executor and runner on top of the durable store.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			store.Close()
		}
	}()

	keys, err := loadKeyRing(cfg, true)
	if err != nil {
		return nil, err
	}

	registry := capability.NewRegistry()
	if err := capability.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		keys:     keys,
		registry: registry,
		bus:      events.NewEventBus(),
		metrics:  orchestrator.MustNewMetrics(reg),
		gatherer: reg,
		procs:    oracle.NewProcessManager(),
	}

	decisions := audit.NewDecisionRecordManager(store, keys, logger)
	tracker := provenance.NewTracker()

	p, err := a.newPlanner(ctx, decisions)
	if err != nil {
		return nil, err
	}
	exec, err := a.newExecutor(ctx, decisions, tracker)
	if err != nil {
		return nil, err
	}
	a.runner, err = orchestrator.NewRunner(orchestrator.RunnerConfig{
		Planner:    p,
		Executor:   exec.executor,
		Store:      store,
		Log:        exec.log,
		Provenance: tracker,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) newPlanner(ctx context.Context, decisions *audit.DecisionRecordManager) (*planner.Planner, error) {
	pc := a.cfg.Planner

	strategy, err := planner.ParseStrategy(pc.Strategy)
	if err != nil {
		return nil, err
	}
	var rules *planner.RuleSet
	if pc.RulesFile != "" {
		if rules, err = planner.LoadRules(pc.RulesFile); err != nil {
			return nil, err
		}
	}

	var orc planner.Oracle
	if a.cfg.Oracle.Backend != "" {
		backend, err := oracle.ParseBackend(a.cfg.Oracle.Backend)
		if err != nil {
			return nil, err
		}
		orc, err = oracle.New(oracle.Config{
			Backend: backend,
			Command: a.cfg.Oracle.Command,
			Args:    a.cfg.Oracle.Args,
			Model:   a.cfg.Oracle.Model,
			Timeout: a.cfg.Oracle.Timeout.D(),
		}, a.procs, a.logger)
		if err != nil {
			return nil, err
		}
	}

	log, err := audit.NewWormLogger(ctx, a.store, audit.WormConfig{
		Stream:          planningStream,
		CheckpointEvery: a.cfg.Audit.CheckpointEvery,
		Logger:          a.logger,
	})
	if err != nil {
		return nil, err
	}

	var cache *planner.PlanCache
	if pc.CacheSize > 0 {
		cache = planner.NewPlanCache(pc.CacheSize, pc.CacheTTL.D(), a.registry)
	}

	return planner.New(planner.Config{
		DefaultStrategy: strategy,
		MaxDepth:        pc.MaxDepth,
		MinConfidence:   pc.MinConfidence,
		ContextKeys:     pc.ContextKeys,
		CacheTTL:        pc.CacheTTL.D(),
	}, planner.Options{
		Registry: a.registry,
		Rules:    rules,
		Oracle:   orc,
		Cache:    cache,
		Recorder: decisions,
		Events:   log,
		Logger:   a.logger,
	})
}

type executorParts struct {
	executor *orchestrator.Executor
	log      *audit.WormLogger
}

func (a *app) newExecutor(ctx context.Context, decisions *audit.DecisionRecordManager, tracker *provenance.Tracker) (executorParts, error) {
	ec := a.cfg.Executor

	level, err := verify.ParseLevel(ec.VerifyLevel)
	if err != nil {
		return executorParts{}, err
	}

	log, err := audit.NewWormLogger(ctx, a.store, audit.WormConfig{
		Stream:          a.cfg.Audit.Stream,
		CheckpointEvery: a.cfg.Audit.CheckpointEvery,
		Logger:          a.logger,
	})
	if err != nil {
		return executorParts{}, err
	}

	exec, err := orchestrator.NewExecutor(orchestrator.ExecutorConfig{
		Workers:      ec.Workers,
		TaskTimeout:  ec.TaskTimeout.D(),
		GraphTimeout: ec.GraphTimeout.D(),
		Retry: &orchestrator.RetryConfig{
			MaxRetries: ec.MaxTaskRetries,
			Interval:   ec.RetryInterval.D(),
		},
		Breaker: orchestrator.BreakerConfig{
			ConsecutiveFailures: ec.BreakerFailures,
			OpenTimeout:         ec.BreakerOpenTimeout.D(),
		},
		MaxSteals: ec.MaxSteals,
	}, orchestrator.ExecutorDeps{
		Registry: a.registry,
		Verifier: verify.New(verify.Config{
			Level:         level,
			MinConfidence: ec.MinConfidence,
			Specs:         a.registry,
			Rechecker:     verify.RegistryRechecker(a.registry, ec.TaskTimeout.D()),
		}),
		Decisions:  decisions,
		Log:        log,
		Provenance: tracker,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
	if err != nil {
		return executorParts{}, err
	}
	return executorParts{executor: exec, log: log}, nil
}

// Close releases the store and the event bus and kills any oracle process
// still running.
func (a *app) Close() error {
	if err := a.procs.KillAll(); err != nil {
		a.logger.Warn("failed to kill oracle processes", "error", err)
	}
	a.bus.Close()
	return a.store.Close()
}
