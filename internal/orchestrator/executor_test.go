package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aristath/taskcore/internal/audit"
	"github.com/aristath/taskcore/internal/capability"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/provenance"
	"github.com/aristath/taskcore/internal/scheduler"
	"github.com/aristath/taskcore/internal/verify"
)

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 1, Interval: time.Millisecond}
}

// entryTaskIDs returns the task_id of each entry in append order.
func entryTaskIDs(t *testing.T, entries []audit.Entry) []string {
	t.Helper()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		var p struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("failed to decode payload of entry %d: %v", e.Sequence, err)
		}
		ids = append(ids, p.TaskID)
	}
	return ids
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func TestExecute_FetchMergeExport(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Workers: 2}, nil)
	g := newGraph(t,
		task("t1", "fetch", map[string]any{"target": "A"}),
		task("t2", "fetch", map[string]any{"target": "B"}),
		task("t3", "merge", nil, "t1", "t2"),
		task("t4", "export", map[string]any{"format": "PDF"}, "t3"),
	)

	out, err := h.exec.Execute(context.Background(), "req-1", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != GraphCompleted {
		t.Fatalf("Status = %s, want COMPLETED (failures: %+v)", out.Status, out.Failures)
	}
	if len(out.Failures) != 0 {
		t.Errorf("Failures = %+v, want none", out.Failures)
	}

	doc, ok := out.Results["t4"].Output.(map[string]any)
	if !ok {
		t.Fatalf("t4 output = %T, want map", out.Results["t4"].Output)
	}
	if doc["format"] != "pdf" {
		t.Errorf("format = %v, want pdf", doc["format"])
	}
	if doc["document"] != "contents of A\ncontents of B\n" {
		t.Errorf("document = %q", doc["document"])
	}

	recs := h.decisions(t, "req-1")
	if len(recs) != 4 {
		t.Fatalf("decisions = %d, want 4", len(recs))
	}
	for _, r := range recs {
		if r.Decision != DecisionCompleted {
			t.Errorf("decision for %s = %s, want %s", r.TaskID, r.Decision, DecisionCompleted)
		}
	}
	if err := audit.VerifyChain(recs, h.keys); err != nil {
		t.Errorf("VerifyChain(decisions) error = %v", err)
	}

	entries := h.entries(t)
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	ids := entryTaskIDs(t, entries)
	for _, edge := range [][2]string{{"t1", "t3"}, {"t2", "t3"}, {"t3", "t4"}} {
		if indexOf(ids, edge[0]) > indexOf(ids, edge[1]) {
			t.Errorf("entry for %s appended after %s: %v", edge[0], edge[1], ids)
		}
	}
	if ok, err := h.log.VerifyChain(context.Background()); !ok || err != nil {
		t.Errorf("VerifyChain() = %v, %v", ok, err)
	}

	for id, res := range out.Results {
		task, _ := g.Get(id)
		if task.Annotations["decision_id"] != res.DecisionID {
			t.Errorf("%s decision_id annotation = %q, want %q", id, task.Annotations["decision_id"], res.DecisionID)
		}
		if res.Verdict == nil || !res.Verdict.Passed {
			t.Errorf("%s verdict = %+v, want passed", id, res.Verdict)
		}
	}

	pg, ok := h.tracker.Graph("req-1")
	if !ok {
		t.Fatal("no provenance graph for req-1")
	}
	if n := len(pg.Activities); n != 8 {
		t.Errorf("provenance activities = %d, want 8 (execution + verification per task)", n)
	}
}

func TestExecute_FailureSkipsDependents(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, ExecutorConfig{Workers: 2, Retry: fastRetry()}, nil, failing("broken", &attempts))
	g := newGraph(t,
		task("t1", "fetch", map[string]any{"target": "A"}),
		task("t2", "broken", nil),
		task("t3", "merge", nil, "t1", "t2"),
		task("t4", "export", nil, "t3"),
		task("t5", "fetch", map[string]any{"target": "C"}),
	)

	out, err := h.exec.Execute(context.Background(), "req-fail", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != GraphPartial {
		t.Errorf("Status = %s, want PARTIAL", out.Status)
	}

	want := map[string]scheduler.TaskStatus{
		"t1": scheduler.TaskCompleted,
		"t2": scheduler.TaskFailed,
		"t3": scheduler.TaskSkipped,
		"t4": scheduler.TaskSkipped,
		"t5": scheduler.TaskCompleted,
	}
	for id, status := range want {
		if got := out.Results[id].Status; got != status {
			t.Errorf("%s status = %s, want %s", id, got, status)
		}
	}
	for _, id := range []string{"t3", "t4"} {
		if cause := out.Results[id].SkipCause; cause != "t2" {
			t.Errorf("%s skip cause = %q, want t2", id, cause)
		}
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("broken attempts = %d, want 2 (one retry)", got)
	}
	if got := out.Results["t2"].Usage.Retries; got != 1 {
		t.Errorf("t2 retries = %d, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.taskRetries.WithLabelValues("broken")); got != 1 {
		t.Errorf("retry metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.tasksTotal.WithLabelValues("merge", "SKIPPED")); got != 1 {
		t.Errorf("skipped merge metric = %v, want 1", got)
	}

	if len(out.Failures) != 3 {
		t.Fatalf("Failures = %+v, want 3 lines", out.Failures)
	}
	if out.Failures[0].TaskID != "t2" {
		t.Errorf("first failure = %s, want t2", out.Failures[0].TaskID)
	}

	// Every task, skipped or not, has a decision and an entry.
	if n := len(h.decisions(t, "req-fail")); n != 5 {
		t.Errorf("decisions = %d, want 5", n)
	}
	ids := entryTaskIDs(t, h.entries(t))
	if len(ids) != 5 {
		t.Fatalf("entries = %v, want 5", ids)
	}
	if indexOf(ids, "t2") > indexOf(ids, "t3") || indexOf(ids, "t3") > indexOf(ids, "t4") {
		t.Errorf("skips logged before their cause: %v", ids)
	}
}

func TestExecute_OptionalFailureDoesNotBlock(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, ExecutorConfig{Workers: 2, Retry: &RetryConfig{Interval: time.Millisecond}}, nil, failing("broken", &attempts))
	opt := task("t1", "broken", nil)
	opt.Priority = scheduler.PriorityOptional
	g := newGraph(t,
		opt,
		task("t2", "fetch", map[string]any{"target": "A"}),
		task("t3", "merge", nil, "t1", "t2"),
	)

	out, err := h.exec.Execute(context.Background(), "req-opt", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := out.Results["t3"].Status; got != scheduler.TaskCompleted {
		t.Errorf("t3 status = %s, want COMPLETED", got)
	}
	if out.Status != GraphPartial {
		t.Errorf("Status = %s, want PARTIAL", out.Status)
	}
}

func TestExecute_UnknownCapabilityFailsWithoutRunning(t *testing.T) {
	h := newHarness(t, ExecutorConfig{}, nil)
	g := newGraph(t,
		task("t1", "teleport", nil),
		task("t2", "fetch", map[string]any{"target": 42}),
	)

	out, err := h.exec.Execute(context.Background(), "req-bad", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != GraphFailed {
		t.Errorf("Status = %s, want FAILED", out.Status)
	}

	var unknown *capability.UnknownCapabilityError
	if !errors.As(out.Results["t1"].Err, &unknown) {
		t.Errorf("t1 error = %v, want UnknownCapabilityError", out.Results["t1"].Err)
	}
	var badArg *capability.ArgumentError
	if !errors.As(out.Results["t2"].Err, &badArg) {
		t.Errorf("t2 error = %v, want ArgumentError", out.Results["t2"].Err)
	}
	for _, id := range []string{"t1", "t2"} {
		if got := out.Results[id].Usage.Attempts; got != 0 {
			t.Errorf("%s attempts = %d, want 0", id, got)
		}
	}
}

func TestExecute_VerificationFailureIsAuthoritative(t *testing.T) {
	liar := capability.NewFunc(capability.Spec{
		Name:   "liar",
		Output: capability.OutputSpec{Kind: capability.KindObject, Required: []string{"answer"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"guess": 42}, nil
	})
	h := newHarness(t, ExecutorConfig{}, nil, liar)
	g := newGraph(t,
		task("t1", "liar", nil),
		task("t2", "merge", nil, "t1"),
	)

	out, err := h.exec.Execute(context.Background(), "req-liar", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	res := out.Results["t1"]
	if res.Status != scheduler.TaskFailed {
		t.Fatalf("t1 status = %s, want FAILED", res.Status)
	}
	var verr *verify.VerificationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("t1 error = %v, want VerificationError", res.Err)
	}
	if verr.Verdict.Passed {
		t.Error("verdict passed, want failed")
	}
	if got := out.Results["t2"].SkipCause; got != "t1" {
		t.Errorf("t2 skip cause = %q, want t1", got)
	}

	recs := h.decisions(t, "req-liar")
	if len(recs) != 2 || recs[0].Decision != DecisionFailed || recs[1].Decision != DecisionSkipped {
		t.Errorf("decisions = %+v, want [task_failed task_skipped]", recs)
	}
}

func TestExecute_GraphTimeout(t *testing.T) {
	h := newHarness(t, ExecutorConfig{
		Workers:      2,
		TaskTimeout:  5 * time.Second,
		GraphTimeout: 50 * time.Millisecond,
		Retry:        fastRetry(),
	}, nil, blocking("stall", nil))
	g := newGraph(t,
		task("t1", "stall", nil),
		task("t2", "merge", nil, "t1"),
		task("t3", "fetch", map[string]any{"target": "A"}),
	)

	start := time.Now()
	out, err := h.exec.Execute(context.Background(), "req-slow", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Execute took %s, want it bounded by the graph timeout", elapsed)
	}

	if out.Status != GraphPartial || !out.TimedOut {
		t.Errorf("Status = %s, TimedOut = %v, want PARTIAL and true", out.Status, out.TimedOut)
	}
	if c := g.Counts(); c.Running != 0 || c.Pending != 0 || c.Ready != 0 {
		t.Errorf("non-terminal tasks left: %+v", c)
	}

	var te *TimeoutError
	if !errors.As(out.Results["t1"].Err, &te) || te.Scope != ScopeGraph {
		t.Errorf("t1 error = %v, want graph TimeoutError", out.Results["t1"].Err)
	}
	if v := out.Results["t1"].Verdict; v == nil || v.Passed {
		t.Errorf("t1 verdict = %+v, want a failed TIMEOUT verdict", v)
	}
	if got := out.Results["t2"].Status; got != scheduler.TaskSkipped {
		t.Errorf("t2 status = %s, want SKIPPED", got)
	}
	if got := out.Results["t3"].Status; got != scheduler.TaskCompleted {
		t.Errorf("t3 status = %s, want COMPLETED", got)
	}
	if n := len(h.entries(t)); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
}

func TestExecute_MoreTasksThanWorkersRunExactlyOnce(t *testing.T) {
	const tasks = 40
	c := newCounter()
	h := newHarness(t, ExecutorConfig{Workers: 3}, nil, c.capability())

	list := make([]*scheduler.Task, 0, tasks)
	for i := range tasks {
		id := fmt.Sprintf("t%d", i+1)
		list = append(list, task(id, "count", map[string]any{"key": id}))
	}
	g := newGraph(t, list...)

	out, err := h.exec.Execute(context.Background(), "req-many", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != GraphCompleted {
		t.Fatalf("Status = %s, want COMPLETED", out.Status)
	}
	if got := c.total.Load(); got != tasks {
		t.Errorf("invocations = %d, want %d", got, tasks)
	}
	for key, n := range c.calls {
		if n != 1 {
			t.Errorf("%s ran %d times", key, n)
		}
	}
	if n := len(h.entries(t)); n != tasks {
		t.Errorf("entries = %d, want %d", n, tasks)
	}
}

func TestExecute_ExclusiveResources(t *testing.T) {
	var active, peak atomic.Int32
	exclusive := capability.NewFunc(capability.Spec{
		Name:   "exclusive",
		Output: capability.OutputSpec{Kind: capability.KindAny},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return "done", nil
	})
	h := newHarness(t, ExecutorConfig{Workers: 4}, nil, exclusive)

	list := make([]*scheduler.Task, 0, 4)
	for i := range 4 {
		tk := task(fmt.Sprintf("t%d", i+1), "exclusive", nil)
		tk.Capability.Resources = []string{"printer"}
		list = append(list, tk)
	}

	out, err := h.exec.Execute(context.Background(), "req-lock", newGraph(t, list...))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != GraphCompleted {
		t.Errorf("Status = %s, want COMPLETED", out.Status)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", got)
	}
}

func TestExecute_AuditFailureAborts(t *testing.T) {
	store := &faultyStore{MemoryStore: audit.NewMemoryStore(), failAfter: 1}
	h := newHarness(t, ExecutorConfig{Workers: 1}, store)
	g := newGraph(t,
		task("t1", "fetch", map[string]any{"target": "A"}),
		task("t2", "fetch", map[string]any{"target": "B"}, "t1"),
		task("t3", "merge", nil, "t2"),
	)

	out, err := h.exec.Execute(context.Background(), "req-audit", g)
	if err == nil {
		t.Fatal("Execute() error = nil, want audit failure")
	}
	var ae *AuditError
	if !errors.As(err, &ae) || ae.Stage != "log" || ae.TaskID != "t2" {
		t.Fatalf("error = %v, want log AuditError for t2", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("error does not wrap the store failure: %v", err)
	}
	if out.Status != GraphFailed {
		t.Errorf("Status = %s, want FAILED", out.Status)
	}

	// The unlogged completion is not final.
	if got := out.Results["t2"].Status; got != scheduler.TaskFailed {
		t.Errorf("t2 status = %s, want FAILED", got)
	}
	if got := out.Results["t3"].SkipCause; got != CauseAborted {
		t.Errorf("t3 skip cause = %q, want %q", got, CauseAborted)
	}
	if c := g.Counts(); c.Running != 0 || c.Pending != 0 || c.Ready != 0 {
		t.Errorf("non-terminal tasks left: %+v", c)
	}
	if n := len(h.entries(t)); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestExecute_PublishesEvents(t *testing.T) {
	h := newHarness(t, ExecutorConfig{}, nil)
	bus := events.NewEventBus()
	defer bus.Close()
	taskEvents := bus.Subscribe(events.TopicTask, 16)
	graphEvents := bus.Subscribe(events.TopicGraph, 16)
	auditEvents := bus.Subscribe(events.TopicAudit, 16)
	h.exec.deps.Bus = bus

	g := newGraph(t,
		task("t1", "fetch", map[string]any{"target": "A"}),
		task("t2", "merge", nil, "t1"),
	)
	if _, err := h.exec.Execute(context.Background(), "req-events", g); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var kinds []string
	timeout := time.After(time.Second)
	for len(kinds) < 4 {
		select {
		case ev := <-taskEvents:
			kinds = append(kinds, ev.EventType()+":"+ev.TaskID())
		case <-timeout:
			t.Fatalf("got task events %v, want 4", kinds)
		}
	}
	want := []string{"task.started:t1", "task.completed:t1", "task.started:t2", "task.completed:t2"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("task events = %v, want %v", kinds, want)
			break
		}
	}

	var finished *events.GraphFinishedEvent
	for finished == nil {
		select {
		case ev := <-graphEvents:
			if f, ok := ev.(events.GraphFinishedEvent); ok {
				finished = &f
			}
		case <-timeout:
			t.Fatal("no graph.finished event")
		}
	}
	if finished.Status != string(GraphCompleted) {
		t.Errorf("finished status = %s, want COMPLETED", finished.Status)
	}

	// Each task is decided, then logged.
	var audited []string
	for len(audited) < 4 {
		select {
		case ev := <-auditEvents:
			audited = append(audited, ev.EventType()+":"+ev.TaskID())
			if a, ok := ev.(events.AuditAppendedEvent); ok && a.Kind != "task.completed" {
				t.Errorf("appended kind = %q, want task.completed", a.Kind)
			}
		case <-timeout:
			t.Fatalf("got audit events %v, want 4", audited)
		}
	}
	wantAudit := []string{"audit.decision:t1", "audit.appended:t1", "audit.decision:t2", "audit.appended:t2"}
	for i := range wantAudit {
		if audited[i] != wantAudit[i] {
			t.Errorf("audit events = %v, want %v", audited, wantAudit)
			break
		}
	}
}

func TestExecute_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	var attempts atomic.Int32
	h := newHarness(t, ExecutorConfig{Retry: fastRetry()}, nil, failing("broken", &attempts))
	g := newGraph(t,
		task("t1", "fetch", map[string]any{"target": "A"}),
		task("t2", "broken", nil),
	)
	if _, err := h.exec.Execute(context.Background(), "req-trace", g); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	counts := map[string]int{}
	statuses := map[string]codes.Code{}
	for _, span := range recorder.Ended() {
		counts[span.Name()]++
		for _, kv := range span.Attributes() {
			if string(kv.Key) == traceAttrTaskID {
				statuses[kv.Value.AsString()] = span.Status().Code
			}
		}
	}
	if counts[traceSpanGraph] != 1 || counts[traceSpanTask] != 2 {
		t.Errorf("span counts = %v, want 1 graph and 2 task spans", counts)
	}
	if statuses["t1"] != codes.Ok || statuses["t2"] != codes.Error {
		t.Errorf("task span statuses = %v", statuses)
	}
}

func TestGraphOutcomeSettle(t *testing.T) {
	res := func(statuses ...scheduler.TaskStatus) map[string]*ExecutionResult {
		m := make(map[string]*ExecutionResult)
		for i, s := range statuses {
			id := fmt.Sprintf("t%d", i)
			m[id] = &ExecutionResult{TaskID: id, Status: s}
		}
		return m
	}

	tests := []struct {
		name     string
		results  map[string]*ExecutionResult
		timedOut bool
		aborted  bool
		want     GraphStatus
	}{
		{"all completed", res(scheduler.TaskCompleted, scheduler.TaskCompleted), false, false, GraphCompleted},
		{"some failed", res(scheduler.TaskCompleted, scheduler.TaskFailed), false, false, GraphPartial},
		{"none completed", res(scheduler.TaskFailed, scheduler.TaskSkipped), false, false, GraphFailed},
		{"timed out", res(scheduler.TaskCompleted, scheduler.TaskCompleted), true, false, GraphPartial},
		{"aborted", res(scheduler.TaskCompleted), false, true, GraphFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &GraphOutcome{Results: tt.results, TimedOut: tt.timedOut}
			o.settle(tt.aborted)
			if o.Status != tt.want {
				t.Errorf("settle() = %s, want %s", o.Status, tt.want)
			}
		})
	}
}

// interval is the wall-clock span of one invocation.
type interval struct{ start, end time.Time }

func TestExecute_IndependentFetchesOverlap(t *testing.T) {
	var mu sync.Mutex
	spans := map[string]interval{}
	download := capability.NewFunc(capability.Spec{
		Name:   "download",
		Args:   []capability.ArgSpec{{Name: "target", Kind: capability.KindString, Required: true}},
		Output: capability.OutputSpec{Kind: capability.KindObject, Required: []string{"content"}},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		target, _ := args["target"].(string)
		start := time.Now()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		spans[target] = interval{start: start, end: time.Now()}
		mu.Unlock()
		return map[string]any{"source": target, "content": "contents of " + target}, nil
	})
	h := newHarness(t, ExecutorConfig{Workers: 2}, nil, download)
	g := newGraph(t,
		task("t1", "download", map[string]any{"target": "A"}),
		task("t2", "download", map[string]any{"target": "B"}),
		task("t3", "merge", nil, "t1", "t2"),
		task("t4", "export", map[string]any{"format": "PDF"}, "t3"),
	)

	out, err := h.exec.Execute(context.Background(), "req-overlap", g)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != GraphCompleted {
		t.Fatalf("Status = %s, want COMPLETED (failures: %+v)", out.Status, out.Failures)
	}

	a, b := spans["A"], spans["B"]
	if a.start.IsZero() || b.start.IsZero() {
		t.Fatalf("downloads did not both run: %+v", spans)
	}
	if !a.start.Before(b.end) || !b.start.Before(a.end) {
		t.Errorf("downloads ran one after the other: A=%v..%v B=%v..%v", a.start, a.end, b.start, b.end)
	}
	merged, _ := out.Results["t3"].Output.(map[string]any)
	if merged["merged"] != "contents of A\ncontents of B" {
		t.Errorf("merged = %q", merged["merged"])
	}
	doc, _ := out.Results["t4"].Output.(map[string]any)
	if doc["document"] != "contents of A\ncontents of B\n" {
		t.Errorf("document = %q", doc["document"])
	}
}

func TestExecute_IndependentRequestsFinalizeConcurrently(t *testing.T) {
	const delay = 200 * time.Millisecond
	slow := capability.NewFunc(capability.Spec{
		Name:          "slow",
		Output:        capability.OutputSpec{Kind: capability.KindObject, Required: []string{"value"}},
		Deterministic: true,
	}, func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(delay)
		return map[string]any{"value": "constant"}, nil
	})
	h := newHarness(t, ExecutorConfig{Workers: 1}, nil, slow)
	exec, err := NewExecutor(ExecutorConfig{Workers: 1}, ExecutorDeps{
		Registry: h.registry,
		Verifier: verify.New(verify.Config{
			Level:     verify.LevelParanoid,
			Specs:     h.registry,
			Rechecker: verify.RegistryRechecker(h.registry, time.Second),
		}),
		Decisions:  audit.NewDecisionRecordManager(h.store, h.keys, nil),
		Log:        h.log,
		Provenance: h.tracker,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	// Each request takes two delays: the invocation and its re-check. Run
	// side by side they must not queue behind each other's verification.
	requests := []string{"req-a", "req-b"}
	graphs := make([]*scheduler.TaskGraph, len(requests))
	for i := range requests {
		graphs[i] = newGraph(t, task("t1", "slow", nil))
	}
	outcomes := make([]*GraphOutcome, len(requests))
	errs := make([]error, len(requests))
	var wg sync.WaitGroup
	start := time.Now()
	for i, id := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i], errs[i] = exec.Execute(context.Background(), id, graphs[i])
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, id := range requests {
		if errs[i] != nil {
			t.Fatalf("Execute(%s) error = %v", id, errs[i])
		}
		if outcomes[i].Status != GraphCompleted {
			t.Fatalf("%s status = %s, want COMPLETED (failures: %+v)", id, outcomes[i].Status, outcomes[i].Failures)
		}
		if err := audit.VerifyChain(h.decisions(t, id), h.keys); err != nil {
			t.Errorf("VerifyChain(%s) error = %v", id, err)
		}
	}
	if elapsed >= 5*delay/2 {
		t.Errorf("two independent requests took %v, want about %v", elapsed, 2*delay)
	}
	if n := len(h.entries(t)); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
	if ok, err := h.log.VerifyChain(context.Background()); !ok || err != nil {
		t.Errorf("VerifyChain() = %v, %v", ok, err)
	}
}

func TestExecute_RetryConfig(t *testing.T) {
	tests := []struct {
		name  string
		retry *RetryConfig
		want  int32
	}{
		{name: "zero retries is a single attempt", retry: &RetryConfig{}, want: 1},
		{name: "nil uses defaults", retry: nil, want: int32(DefaultRetryConfig().MaxRetries) + 1},
		{name: "explicit retries", retry: fastRetry(), want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			h := newHarness(t, ExecutorConfig{Retry: tt.retry}, nil, failing("broken", &attempts))

			out, err := h.exec.Execute(context.Background(), "req-retry", newGraph(t, task("t1", "broken", nil)))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if out.Status != GraphFailed {
				t.Errorf("Status = %s, want FAILED", out.Status)
			}
			if got := attempts.Load(); got != tt.want {
				t.Errorf("attempts = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExecute_TimedOutCapabilityKeepsResources(t *testing.T) {
	const runFor = 100 * time.Millisecond
	var active, peak, finished atomic.Int32
	stubborn := capability.NewFunc(capability.Spec{
		Name:   "stubborn",
		Output: capability.OutputSpec{Kind: capability.KindAny},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// Ignores ctx.
		time.Sleep(runFor)
		active.Add(-1)
		finished.Add(1)
		return "late", nil
	})
	h := newHarness(t, ExecutorConfig{
		Workers:     2,
		TaskTimeout: 20 * time.Millisecond,
		Retry:       &RetryConfig{},
	}, nil, stubborn)

	list := make([]*scheduler.Task, 0, 2)
	for i := range 2 {
		tk := task(fmt.Sprintf("t%d", i+1), "stubborn", nil)
		tk.Capability.Resources = []string{"printer"}
		list = append(list, tk)
	}

	out, err := h.exec.Execute(context.Background(), "req-stubborn", newGraph(t, list...))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for id, res := range out.Results {
		var te *TimeoutError
		if res.Status != scheduler.TaskFailed || !errors.As(res.Err, &te) || te.Scope != ScopeTask {
			t.Errorf("%s = %s (%v), want FAILED with a task timeout", id, res.Status, res.Err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for finished.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := finished.Load(); got != 2 {
		t.Fatalf("finished invocations = %d, want 2", got)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", got)
	}
}

func TestGraphRun_AnnotateLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	r := &graphRun{
		graph:  newGraph(t, task("t1", "fetch", map[string]any{"target": "A"})),
		logger: slog.New(slog.NewTextHandler(&buf, nil)),
	}

	r.annotate("t1", map[string]string{"decision_id": "d-1"})
	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %s", buf.String())
	}
	if tk, _ := r.graph.Get("t1"); tk.Annotations["decision_id"] != "d-1" {
		t.Errorf("annotation = %q, want d-1", tk.Annotations["decision_id"])
	}

	r.annotate("missing", map[string]string{"decision_id": "d-2"})
	if !strings.Contains(buf.String(), "failed to annotate task") || !strings.Contains(buf.String(), "task=missing") {
		t.Errorf("annotate failure not logged: %s", buf.String())
	}
}

func TestExecute_EqualOutputsKeepSeparateProvenance(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Workers: 2}, nil)
	g := newGraph(t,
		task("t1", "fetch", map[string]any{"target": "A"}),
		task("t2", "fetch", map[string]any{"target": "A"}),
		task("t3", "merge", nil, "t1", "t2"),
	)
	if _, err := h.exec.Execute(context.Background(), "req-same", g); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	pg, ok := h.tracker.Graph("req-same")
	if !ok {
		t.Fatal("no provenance graph for req-same")
	}
	generated := map[string]int{}
	for _, rel := range pg.Relations {
		if rel.Kind != provenance.WasGeneratedBy {
			continue
		}
		if origin, _ := pg.Entities[rel.From]["origin"].(string); origin != "" {
			generated[origin]++
		}
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if generated[id] != 1 {
			t.Errorf("output of %s generated %d times, want 1 (%v)", id, generated[id], generated)
		}
	}
}
