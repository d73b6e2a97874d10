package scheduler

import (
	"context"
	"sort"
	"sync"
)

// ResourceLockManager serializes tasks that declare the same exclusive
// resource. Tasks holding disjoint resources run concurrently.
type ResourceLockManager struct {
	mu    sync.Mutex               // Guards the locks map itself
	locks map[string]chan struct{} // One-slot semaphore per resource
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]chan struct{}),
	}
}

func (r *ResourceLockManager) slot(resource string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.locks[resource]
	if !ok {
		s = make(chan struct{}, 1)
		r.locks[resource] = s
	}
	return s
}

// Lock acquires a single resource, waiting until it is free or ctx is done.
func (r *ResourceLockManager) Lock(ctx context.Context, resource string) error {
	select {
	case r.slot(resource) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases a resource acquired with Lock.
func (r *ResourceLockManager) Unlock(resource string) {
	select {
	case <-r.slot(resource):
	default:
	}
}

// LockAll acquires every resource in sorted order, so two tasks with
// overlapping resource sets can never deadlock. On success it returns a
// release func; on cancellation nothing is left held.
func (r *ResourceLockManager) LockAll(ctx context.Context, resources []string) (func(), error) {
	sorted := normalize(resources)
	for i, res := range sorted {
		if err := r.Lock(ctx, res); err != nil {
			release(r, sorted[:i])
			return nil, err
		}
	}
	return func() { release(r, sorted) }, nil
}

// release unlocks in reverse acquisition order.
func release(r *ResourceLockManager, held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		r.Unlock(held[i])
	}
}

func normalize(resources []string) []string {
	if len(resources) == 0 {
		return nil
	}
	sorted := dedupe(resources)
	sort.Strings(sorted)
	return sorted
}

// Held reports whether resource is currently locked.
func (r *ResourceLockManager) Held(resource string) bool {
	return len(r.slot(resource)) == 1
}
