package planner

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
)

type harness struct {
	planner  *Planner
	registry *capability.Registry
	store    *audit.MemoryStore
	events   *audit.WormLogger
	cache    *PlanCache
	calls    atomic.Int32
}

func newHarness(t *testing.T, cfg Config, oracle Oracle) *harness {
	t.Helper()

	reg := capability.NewRegistry()
	require.NoError(t, capability.RegisterBuiltins(reg))

	seed := sha256.Sum256([]byte("planner-test"))
	keys, err := audit.NewKeyRing(ed25519.NewKeyFromSeed(seed[:]))
	require.NoError(t, err)

	store := audit.NewMemoryStore()
	events, err := audit.NewWormLogger(context.Background(), store, audit.WormConfig{Stream: "planning"})
	require.NoError(t, err)

	h := &harness{registry: reg, store: store, events: events}
	h.cache = NewPlanCache(8, 0, reg)

	var counted Oracle
	if oracle != nil {
		counted = OracleFunc(func(ctx context.Context, prompt string, schema []byte) ([]byte, error) {
			h.calls.Add(1)
			return oracle.Decompose(ctx, prompt, schema)
		})
	}

	h.planner, err = New(cfg, Options{
		Registry: reg,
		Oracle:   counted,
		Cache:    h.cache,
		Recorder: audit.NewDecisionRecordManager(store, keys, nil),
		Events:   events,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) decisions(t *testing.T, requestID string) []string {
	t.Helper()
	recs, err := h.store.Decisions(context.Background(), PlanLane(requestID))
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Decision)
	}
	return out
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	entries, err := h.store.Entries(context.Background(), "planning", 1, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

// staticOracle always answers with body.
func staticOracle(body string) Oracle {
	return OracleFunc(func(context.Context, string, []byte) ([]byte, error) {
		return []byte(body), nil
	})
}
