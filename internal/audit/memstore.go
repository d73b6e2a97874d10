package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Nothing survives the process.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string][]Entry
	checkpoints map[string][]Checkpoint
	decisions   map[string][]DecisionRecord
	closed      bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string][]Entry),
		checkpoints: make(map[string][]Checkpoint),
		decisions:   make(map[string][]DecisionRecord),
	}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (m *MemoryStore) AppendEntry(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	stream := m.entries[e.Stream]
	if want := uint64(len(stream)) + 1; e.Sequence != want {
		return fmt.Errorf("stream %q: sequence %d out of order, want %d", e.Stream, e.Sequence, want)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	m.entries[e.Stream] = append(stream, e)
	return nil
}

func (m *MemoryStore) Entries(ctx context.Context, stream string, from, to uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range m.entries[stream] {
		if e.Sequence < from || (to != 0 && e.Sequence > to) {
			continue
		}
		e.Payload = append([]byte(nil), e.Payload...)
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) LastEntry(ctx context.Context, stream string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return Entry{}, false, err
	}

	s := m.entries[stream]
	if len(s) == 0 {
		return Entry{}, false, nil
	}
	return s[len(s)-1], true, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.checkpoints[cp.Stream] = append(m.checkpoints[cp.Stream], cp)
	return nil
}

func (m *MemoryStore) Checkpoints(ctx context.Context, stream string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return append([]Checkpoint(nil), m.checkpoints[stream]...), nil
}

func (m *MemoryStore) AppendDecision(ctx context.Context, rec DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	lane := m.decisions[rec.Lane]
	if want := uint64(len(lane)) + 1; rec.Sequence != want {
		return fmt.Errorf("lane %q: sequence %d out of order, want %d", rec.Lane, rec.Sequence, want)
	}
	m.decisions[rec.Lane] = append(lane, rec.clone())
	return nil
}

func (m *MemoryStore) Decisions(ctx context.Context, lane string) ([]DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]DecisionRecord, 0, len(m.decisions[lane]))
	for _, r := range m.decisions[lane] {
		out = append(out, r.clone())
	}
	return out, nil
}

func (m *MemoryStore) LastDecision(ctx context.Context, lane string) (DecisionRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return DecisionRecord{}, false, err
	}

	l := m.decisions[lane]
	if len(l) == 0 {
		return DecisionRecord{}, false, nil
	}
	return l[len(l)-1].clone(), true, nil
}

func (m *MemoryStore) Lanes(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	lanes := make([]string, 0, len(m.decisions))
	for lane := range m.decisions {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)
	return lanes, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
