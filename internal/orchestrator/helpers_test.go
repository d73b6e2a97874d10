package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/provenance"
	"github.com/aristath/taskcore/internal/scheduler"
)

const executionStream = "execution"

type harness struct {
	exec     *Executor
	registry *capability.Registry
	store    audit.Store
	log      *audit.WormLogger
	keys     *audit.KeyRing
	tracker  *provenance.Tracker
	metrics  *Metrics
}

// newHarness builds an executor over an in-memory store with the builtin
// capabilities plus extra.
func newHarness(t *testing.T, cfg ExecutorConfig, store audit.Store, extra ...capability.Capability) *harness {
	t.Helper()

	reg := capability.NewRegistry()
	if err := capability.RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	for _, c := range extra {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register(%s) error = %v", c.Spec().Name, err)
		}
	}

	if store == nil {
		store = audit.NewMemoryStore()
	}
	seed := sha256.Sum256([]byte("executor-test"))
	keys, err := audit.NewKeyRing(ed25519.NewKeyFromSeed(seed[:]))
	if err != nil {
		t.Fatalf("NewKeyRing() error = %v", err)
	}
	log, err := audit.NewWormLogger(context.Background(), store, audit.WormConfig{Stream: executionStream, CheckpointEvery: -1})
	if err != nil {
		t.Fatalf("NewWormLogger() error = %v", err)
	}

	h := &harness{
		registry: reg,
		store:    store,
		log:      log,
		keys:     keys,
		tracker:  provenance.NewTracker(),
		metrics:  MustNewMetrics(prometheus.NewRegistry()),
	}
	h.exec, err = NewExecutor(cfg, ExecutorDeps{
		Registry:   reg,
		Decisions:  audit.NewDecisionRecordManager(store, keys, nil),
		Log:        log,
		Provenance: h.tracker,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return h
}

func (h *harness) entries(t *testing.T) []audit.Entry {
	t.Helper()
	entries, err := h.store.Entries(context.Background(), executionStream, 1, 0)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	return entries
}

func (h *harness) decisions(t *testing.T, requestID string) []audit.DecisionRecord {
	t.Helper()
	recs, err := h.store.Decisions(context.Background(), requestID)
	if err != nil {
		t.Fatalf("Decisions() error = %v", err)
	}
	return recs
}

func task(id, capName string, args map[string]any, deps ...string) *scheduler.Task {
	return &scheduler.Task{
		ID:         id,
		Name:       id,
		Capability: capability.Descriptor{Name: capName, Args: args},
		DependsOn:  deps,
	}
}

func newGraph(t *testing.T, tasks ...*scheduler.Task) *scheduler.TaskGraph {
	t.Helper()
	g, err := scheduler.NewTaskGraph(tasks...)
	if err != nil {
		t.Fatalf("NewTaskGraph() error = %v", err)
	}
	return g
}

// counter is a capability that counts invocations per task argument.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int32
}

func newCounter() *counter {
	return &counter{calls: make(map[string]int)}
}

func (c *counter) capability() capability.Capability {
	return capability.NewFunc(capability.Spec{
		Name:   "count",
		Args:   []capability.ArgSpec{{Name: "key", Kind: capability.KindString, Required: true}},
		Output: capability.OutputSpec{Kind: capability.KindObject, Required: []string{"key"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		key, _ := args["key"].(string)
		c.mu.Lock()
		c.calls[key]++
		c.mu.Unlock()
		c.total.Add(1)
		return map[string]any{"key": key}, nil
	})
}

// failing returns a capability that always fails, counting attempts.
func failing(name string, attempts *atomic.Int32) capability.Capability {
	return capability.NewFunc(capability.Spec{
		Name:   name,
		Output: capability.OutputSpec{Kind: capability.KindAny},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		attempts.Add(1)
		return nil, errors.New("upstream unavailable")
	})
}

// blocking returns a capability that waits for its context.
func blocking(name string, started chan<- struct{}) capability.Capability {
	return capability.NewFunc(capability.Spec{
		Name:   name,
		Output: capability.OutputSpec{Kind: capability.KindAny},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// faultyStore fails entry appends once failAfter entries are stored.
type faultyStore struct {
	*audit.MemoryStore
	failAfter int32
	appended  atomic.Int32
}

var errDiskFull = errors.New("disk full")

func (s *faultyStore) AppendEntry(ctx context.Context, e audit.Entry) error {
	if s.appended.Load() >= s.failAfter {
		return errDiskFull
	}
	if err := s.MemoryStore.AppendEntry(ctx, e); err != nil {
		return err
	}
	s.appended.Add(1)
	return nil
}
