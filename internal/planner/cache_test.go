package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/scheduler"
)

func cachedResult(t *testing.T, caps ...string) *PlanningResult {
	t.Helper()
	var tasks []*scheduler.Task
	for i, c := range caps {
		tasks = append(tasks, &scheduler.Task{ID: string(rune('a' + i)), Capability: capability.Descriptor{Name: c}})
	}
	g, err := scheduler.NewTaskGraph(tasks...)
	require.NoError(t, err)
	return &PlanningResult{Graph: g, Strategy: StrategyRuleBased, Confidence: 1, Depth: 1}
}

func TestPlanCache_GetPut(t *testing.T) {
	c := NewPlanCache(4, time.Minute, nil)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("fp", cachedResult(t, "merge"), 0)
	got, ok := c.Get("fp")
	require.True(t, ok)
	assert.True(t, got.CacheHit)
	assert.Equal(t, []string{"a merge <- "}, got.Graph.Shape())

	assert.Equal(t, CacheStats{Hits: 1, Misses: 1}, c.Stats())
}

func TestPlanCache_ReturnsClones(t *testing.T) {
	c := NewPlanCache(4, time.Minute, nil)
	c.Put("fp", cachedResult(t, "merge"), 0)

	first, ok := c.Get("fp")
	require.True(t, ok)
	require.NoError(t, first.Graph.MarkReady("a"))

	second, ok := c.Get("fp")
	require.True(t, ok)
	task, _ := second.Graph.Get("a")
	assert.Equal(t, scheduler.TaskPending, task.Status)
}

func TestPlanCache_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewPlanCache(4, time.Minute, nil)
	c.now = func() time.Time { return now }

	c.Put("short", cachedResult(t, "merge"), 10*time.Second)
	c.Put("default", cachedResult(t, "merge"), 0)

	now = now.Add(30 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("default")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("default")
	assert.False(t, ok)

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestPlanCache_UnregisteredCapabilityEvicts(t *testing.T) {
	reg := builtinRegistry(t)
	c := NewPlanCache(4, time.Minute, reg)

	c.Put("fp", cachedResult(t, "fetch", "export"), 0)
	_, ok := c.Get("fp")
	require.True(t, ok)

	reg.Unregister("export")
	_, ok = c.Get("fp")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestPlanCache_LRUEviction(t *testing.T) {
	c := NewPlanCache(2, time.Minute, nil)

	c.Put("a", cachedResult(t, "merge"), 0)
	c.Put("b", cachedResult(t, "merge"), 0)
	_, _ = c.Get("a") // a is now most recent
	c.Put("c", cachedResult(t, "merge"), 0)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestFingerprint(t *testing.T) {
	keys := []string{"locale"}

	base, err := Fingerprint("Fetch A,  merge", StrategyHybrid, map[string]any{"locale": "en"}, keys)
	require.NoError(t, err)

	same, err := Fingerprint("fetch a, merge", StrategyHybrid, map[string]any{"locale": "en", "user": "bob"}, keys)
	require.NoError(t, err)
	assert.Equal(t, base, same, "normalized text and unlisted keys must not matter")

	otherCtx, err := Fingerprint("fetch a, merge", StrategyHybrid, map[string]any{"locale": "de"}, keys)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherCtx)

	otherStrategy, err := Fingerprint("fetch a, merge", StrategyOracle, map[string]any{"locale": "en"}, keys)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherStrategy)

	assert.Len(t, base, 64)
}
