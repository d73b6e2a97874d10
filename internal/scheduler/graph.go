package scheduler

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// TaskGraph is a directed acyclic graph of tasks. It owns its tasks: callers
// only ever see clones, and every status change goes through a Mark method
// that enforces the state machine.
type TaskGraph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	seq        map[string]int      // Insertion index, used for tie-breaking
	order      []string            // Task IDs in insertion order
	dependents map[string][]string // Maps taskID -> tasks that depend on it
}

// NewTaskGraph builds a graph from tasks, which may be given in any order.
// The graph is validated before it is returned: unknown dependencies and
// cycles fail construction.
func NewTaskGraph(tasks ...*Task) (*TaskGraph, error) {
	g := newTaskGraph()
	for _, t := range tasks {
		if err := g.insert(t); err != nil {
			return nil, err
		}
	}
	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func newTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:      make(map[string]*Task),
		seq:        make(map[string]int),
		dependents: make(map[string][]string),
	}
}

func (g *TaskGraph) insert(task *Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task must have an ID")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	t := cloneTask(task)
	t.Status = TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.DependsOn = dedupe(t.DependsOn)

	g.tasks[t.ID] = t
	g.seq[t.ID] = len(g.order)
	g.order = append(g.order, t.ID)
	for _, depID := range t.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}
	return nil
}

// AddTask adds a task whose dependencies must already be in the graph.
// Because every dependency predates the task, no cycle can be introduced.
func (g *TaskGraph) AddTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("task must not be nil")
	}

	g.mu.RLock()
	for _, depID := range task.DependsOn {
		if depID == task.ID {
			g.mu.RUnlock()
			return &CycleError{Path: []string{task.ID, task.ID}}
		}
		if _, exists := g.tasks[depID]; !exists {
			g.mu.RUnlock()
			return fmt.Errorf("task %q depends on non-existent task %q", task.ID, depID)
		}
	}
	g.mu.RUnlock()

	return g.insert(task)
}

// AddDependency records that taskID depends on dependsOn. The cycle check
// runs before anything is modified, so on error the graph is unchanged.
func (g *TaskGraph) AddDependency(taskID, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if _, ok := g.tasks[dependsOn]; !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, dependsOn)
	}
	if task.Status != TaskPending {
		return fmt.Errorf("%w: cannot add dependency to %s task %q", ErrInvalidTransition, task.Status, taskID)
	}
	for _, existing := range task.DependsOn {
		if existing == dependsOn {
			return nil
		}
	}

	if path := g.pathLocked(dependsOn, taskID); path != nil {
		return &CycleError{Path: append([]string{taskID}, path...)}
	}

	task.DependsOn = append(task.DependsOn, dependsOn)
	g.dependents[dependsOn] = append(g.dependents[dependsOn], taskID)
	return nil
}

// pathLocked returns the depends-on path from -> ... -> to, or nil if to is
// not reachable. Iterative DFS.
func (g *TaskGraph) pathLocked(from, to string) []string {
	type frame struct {
		id   string
		next int
	}
	visited := map[string]bool{from: true}
	stack := []frame{{id: from}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.id == to {
			path := make([]string, len(stack))
			for i, f := range stack {
				path[i] = f.id
			}
			return path
		}
		deps := g.tasks[top.id].DependsOn
		if top.next >= len(deps) {
			stack = stack[:len(stack)-1]
			continue
		}
		dep := deps[top.next]
		top.next++
		if !visited[dep] {
			visited[dep] = true
			stack = append(stack, frame{id: dep})
		}
	}
	return nil
}

// Validate checks that every dependency exists and that the graph is acyclic.
// Returns a dependency-respecting order of task IDs.
func (g *TaskGraph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, taskID := range g.order {
		for _, depID := range g.tasks[taskID].DependsOn {
			if depID == taskID {
				return nil, &CycleError{Path: []string{taskID, taskID}}
			}
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, taskID := range g.order {
		task := g.tasks[taskID]
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - edge from nil keeps it in the result
			edges = append(edges, toposort.Edge{nil, taskID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		if cycle := g.findCycleLocked(); cycle != nil {
			return nil, cycle
		}
		return nil, &CycleError{}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

func (g *TaskGraph) findCycleLocked() *CycleError {
	for _, id := range g.order {
		for _, dep := range g.tasks[id].DependsOn {
			if dep == id {
				return &CycleError{Path: []string{id, id}}
			}
			if path := g.pathLocked(dep, id); path != nil {
				return &CycleError{Path: append([]string{id}, path...)}
			}
		}
	}
	return nil
}

// TopologicalSort returns task IDs so that every task follows all of its
// dependencies. Among tasks available at the same time, higher priority
// comes first, then earlier insertion.
func (g *TaskGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoLocked()
}

func (g *TaskGraph) topoLocked() ([]string, error) {
	inDeg := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		inDeg[id] = len(t.DependsOn)
	}

	q := &readyQueue{graph: g}
	for _, id := range g.order {
		if inDeg[id] == 0 {
			heap.Push(q, id)
		}
	}

	out := make([]string, 0, len(g.tasks))
	for q.Len() > 0 {
		id := heap.Pop(q).(string)
		out = append(out, id)
		for _, child := range g.dependents[id] {
			inDeg[child]--
			if inDeg[child] == 0 {
				heap.Push(q, child)
			}
		}
	}

	if len(out) != len(g.tasks) {
		if cycle := g.findCycleLocked(); cycle != nil {
			return nil, cycle
		}
		return nil, &CycleError{}
	}
	return out, nil
}

// readyQueue is a heap of task IDs ordered by (priority, insertion).
type readyQueue struct {
	graph *TaskGraph
	ids   []string
}

func (q *readyQueue) Len() int { return len(q.ids) }
func (q *readyQueue) Less(i, j int) bool {
	return q.graph.lessLocked(q.ids[i], q.ids[j])
}
func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }
func (q *readyQueue) Push(x any)   { q.ids = append(q.ids, x.(string)) }
func (q *readyQueue) Pop() any {
	n := len(q.ids)
	id := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return id
}

func (g *TaskGraph) lessLocked(a, b string) bool {
	pa, pb := g.tasks[a].Priority, g.tasks[b].Priority
	if pa != pb {
		return pa < pb
	}
	return g.seq[a] < g.seq[b]
}

// isDependencyResolved checks whether a dependency lets its dependents run.
func isDependencyResolved(dep *Task) bool {
	switch dep.Status {
	case TaskCompleted:
		return true
	case TaskSkipped, TaskFailed:
		return dep.Optional()
	}
	return false
}

func (g *TaskGraph) depsResolvedLocked(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || !isDependencyResolved(dep) {
			return false
		}
	}
	return true
}

// ReadyTasks returns tasks that may be dispatched now: those already READY
// and PENDING tasks whose dependencies are all resolved. Sorted by priority,
// then insertion order. Does not change any status.
func (g *TaskGraph) ReadyTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == TaskReady || (t.Status == TaskPending && g.depsResolvedLocked(t)) {
			ids = append(ids, id)
		}
	}
	return g.sortedClonesLocked(ids)
}

// Promote moves every PENDING task whose dependencies are resolved to READY
// and returns clones of the promoted tasks in dispatch order.
func (g *TaskGraph) Promote() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == TaskPending && g.depsResolvedLocked(t) {
			t.Status = TaskReady
			ids = append(ids, id)
		}
	}
	return g.sortedClonesLocked(ids)
}

func (g *TaskGraph) sortedClonesLocked(ids []string) []*Task {
	sort.SliceStable(ids, func(i, j int) bool { return g.lessLocked(ids[i], ids[j]) })
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneTask(g.tasks[id]))
	}
	return out
}

func (g *TaskGraph) transitionLocked(taskID string, to TaskStatus, allowed ...TaskStatus) (*Task, error) {
	task, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	for _, from := range allowed {
		if task.Status == from {
			return task, nil
		}
	}
	return nil, fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, taskID, task.Status, to)
}

// MarkReady moves a PENDING task to READY. Fails if dependencies are unmet.
func (g *TaskGraph) MarkReady(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(taskID, TaskReady, TaskPending)
	if err != nil {
		return err
	}
	if !g.depsResolvedLocked(task) {
		return fmt.Errorf("%w: task %q has unresolved dependencies", ErrInvalidTransition, taskID)
	}
	task.Status = TaskReady
	return nil
}

// MarkRunning moves a READY task to RUNNING. Dependencies are re-checked so a
// task with unmet dependencies can never run.
func (g *TaskGraph) MarkRunning(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(taskID, TaskRunning, TaskReady)
	if err != nil {
		return err
	}
	if !g.depsResolvedLocked(task) {
		return fmt.Errorf("%w: task %q has unresolved dependencies", ErrInvalidTransition, taskID)
	}
	task.Status = TaskRunning
	task.StartedAt = time.Now().UTC()
	return nil
}

// MarkCompleted sets a RUNNING task to COMPLETED and stores its result.
func (g *TaskGraph) MarkCompleted(taskID string, result Result, retries int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(taskID, TaskCompleted, TaskRunning)
	if err != nil {
		return err
	}
	task.Status = TaskCompleted
	task.Result = result
	task.Retries = retries
	task.FinishedAt = time.Now().UTC()
	return nil
}

// MarkFailed sets a READY or RUNNING task to FAILED. READY tasks fail when
// they are rejected at submission.
func (g *TaskGraph) MarkFailed(taskID string, cause error, retries int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(taskID, TaskFailed, TaskReady, TaskRunning)
	if err != nil {
		return err
	}
	task.Status = TaskFailed
	task.Err = cause
	task.Retries = retries
	task.FinishedAt = time.Now().UTC()
	return nil
}

// MarkSkipped sets a PENDING or READY task to SKIPPED with the given cause.
func (g *TaskGraph) MarkSkipped(taskID, cause string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.transitionLocked(taskID, TaskSkipped, TaskPending, TaskReady)
	if err != nil {
		return err
	}
	task.Status = TaskSkipped
	task.SkipCause = cause
	task.FinishedAt = time.Now().UTC()
	return nil
}

// BlockedBy returns, in topological order, the not-yet-started tasks that a
// failure of failedID would skip. Optional tasks are included but stop the
// propagation, since their own dependents treat them as resolved.
// No status changes.
func (g *TaskGraph) BlockedBy(failedID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blockedByLocked(failedID)
}

func (g *TaskGraph) blockedByLocked(failedID string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[failedID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		t := g.tasks[id]
		if t.Status != TaskPending && t.Status != TaskReady {
			continue
		}
		seen[id] = true
		if !t.Optional() {
			queue = append(queue, g.dependents[id]...)
		}
	}

	out := make([]string, 0, len(seen))
	order, err := g.topoLocked()
	if err != nil {
		order = g.order
	}
	for _, id := range order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// SkipDependents marks every task blocked by failedID as SKIPPED, citing
// failedID as the cause. Returns the skipped IDs in topological order.
func (g *TaskGraph) SkipDependents(failedID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := g.blockedByLocked(failedID)
	now := time.Now().UTC()
	for _, id := range ids {
		t := g.tasks[id]
		t.Status = TaskSkipped
		t.SkipCause = failedID
		t.FinishedAt = now
	}
	return ids
}

// Annotate attaches an audit annotation. Allowed in any state.
func (g *TaskGraph) Annotate(taskID, key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Annotations == nil {
		task.Annotations = make(map[string]string)
	}
	task.Annotations[key] = value
	return nil
}

// Get returns a clone of the task.
func (g *TaskGraph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns clones of all tasks in insertion order.
func (g *TaskGraph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *TaskGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// Clone returns a deep copy with all tasks reset to PENDING and execution
// state cleared. Used to hand out fresh copies of a cached plan.
func (g *TaskGraph) Clone() *TaskGraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp := newTaskGraph()
	for _, id := range g.order {
		t := cloneTask(g.tasks[id])
		t.Status = TaskPending
		t.Result = Result{}
		t.Err = nil
		t.SkipCause = ""
		t.StartedAt = time.Time{}
		t.FinishedAt = time.Time{}
		t.Retries = 0
		t.Annotations = nil
		cp.tasks[id] = t
		cp.seq[id] = len(cp.order)
		cp.order = append(cp.order, id)
	}
	for k, v := range g.dependents {
		cp.dependents[k] = append([]string(nil), v...)
	}
	return cp
}

// Shape describes the graph structure independent of execution state: one
// line per task, "id capability <- dep1,dep2", sorted.
func (g *TaskGraph) Shape() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	lines := make([]string, 0, len(g.tasks))
	for _, id := range g.order {
		t := g.tasks[id]
		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		lines = append(lines, fmt.Sprintf("%s %s <- %s", id, t.Capability.Name, strings.Join(deps, ",")))
	}
	sort.Strings(lines)
	return lines
}

// Counts tallies tasks by status.
type Counts struct {
	Total     int
	Pending   int
	Ready     int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Counts returns the current status tally.
func (g *TaskGraph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := Counts{Total: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.Status {
		case TaskPending:
			c.Pending++
		case TaskReady:
			c.Ready++
		case TaskRunning:
			c.Running++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskSkipped:
			c.Skipped++
		}
	}
	return c
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
