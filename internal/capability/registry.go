package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Invocation is the outcome of a single capability call.
type Invocation struct {
	Output   any
	Duration time.Duration

	// Done is closed once the capability itself has returned. After a
	// timeout it may still be open: the capability ignored its context.
	Done <-chan struct{}
}

// Registry holds the capabilities available to a process.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Returns error if the name is taken.
func (r *Registry) Register(c Capability) error {
	name := c.Spec().Name
	if name == "" {
		return fmt.Errorf("capability has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

// Unregister removes a capability. Missing names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, name)
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OutputSpec returns the output spec for name, if registered.
func (r *Registry) OutputSpec(name string) (OutputSpec, bool) {
	c, ok := r.Lookup(name)
	if !ok {
		return OutputSpec{}, false
	}
	return c.Spec().Output, true
}

// Validate checks a descriptor against the registered spec: the capability
// must exist, every required argument must be present, every argument must
// be declared and of the declared kind.
func (r *Registry) Validate(d Descriptor) error {
	c, ok := r.Lookup(d.Name)
	if !ok {
		return &UnknownCapabilityError{Name: d.Name}
	}

	spec := c.Spec()
	declared := make(map[string]ArgSpec, len(spec.Args))
	for _, a := range spec.Args {
		declared[a.Name] = a
		if _, present := d.Args[a.Name]; a.Required && !present {
			return &ArgumentError{Capability: d.Name, Arg: a.Name, Reason: "required argument missing"}
		}
	}

	for name, value := range d.Args {
		a, ok := declared[name]
		if !ok {
			return &ArgumentError{Capability: d.Name, Arg: name, Reason: "argument not declared"}
		}
		if !MatchesKind(value, a.Kind) {
			return &ArgumentError{Capability: d.Name, Arg: name, Reason: fmt.Sprintf("expected %s, got %T", a.Kind, value)}
		}
	}
	return nil
}

// Invoke runs the named capability with a per-call timeout. The timeout is
// enforced even when the capability ignores its context: the call returns
// context.DeadlineExceeded and the capability's late result is dropped.
// A non-positive timeout means no per-call limit beyond ctx.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (Invocation, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return Invocation{}, &UnknownCapabilityError{Name: name}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	finished := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(finished)
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("capability %q panicked: %v", name, rec)}
			}
		}()
		out, err := c.Invoke(ctx, args)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		<-finished
		inv := Invocation{Output: res.out, Duration: time.Since(start), Done: finished}
		if res.err != nil {
			return inv, fmt.Errorf("capability %q: %w", name, res.err)
		}
		return inv, nil
	case <-ctx.Done():
		return Invocation{Duration: time.Since(start), Done: finished}, fmt.Errorf("capability %q: %w", name, ctx.Err())
	}
}

// MatchesKind reports whether a decoded JSON-like value has the given kind.
func MatchesKind(v any, k Kind) bool {
	switch k {
	case "", KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		switch v.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	}
	return false
}
