package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultStream is the stream name used when none is configured.
const DefaultStream = "main"

// WormConfig configures a WormLogger.
type WormConfig struct {
	Stream          string // Stream name (default "main")
	CheckpointEvery int    // Auto-checkpoint after this many entries (default 16, <0 disables)
	Clock           func() time.Time
	Logger          *slog.Logger

	// Optional hooks, called with the logger's lock held.
	OnAppend     func(Entry)
	OnCheckpoint func(Checkpoint)
}

// WormLogger is a write-once, hash-chained audit log. Each entry commits to
// its predecessor's hash; checkpoints commit a Merkle root over the entries
// appended since the previous checkpoint.
type WormLogger struct {
	mu     sync.Mutex
	store  Store
	cfg    WormConfig
	logger *slog.Logger

	lastHash    string
	lastSeq     uint64
	pendingFrom uint64   // First sequence not covered by a checkpoint
	pending     [][]byte // Leaf hashes from pendingFrom to lastSeq
}

// NewWormLogger opens the stream in store, restoring the chain head and the
// uncheckpointed leaves left by a previous process.
func NewWormLogger(ctx context.Context, store Store, cfg WormConfig) (*WormLogger, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &WormLogger{
		store:       store,
		cfg:         cfg,
		logger:      logger.With("stream", cfg.Stream),
		lastHash:    ZeroHash,
		pendingFrom: 1,
	}
	if err := w.restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore audit stream %q: %w", cfg.Stream, err)
	}
	return w, nil
}

func (w *WormLogger) restore(ctx context.Context) error {
	last, ok, err := w.store.LastEntry(ctx, w.cfg.Stream)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w.lastHash = last.Hash
	w.lastSeq = last.Sequence

	cps, err := w.store.Checkpoints(ctx, w.cfg.Stream)
	if err != nil {
		return err
	}
	if n := len(cps); n > 0 {
		w.pendingFrom = cps[n-1].LastSequence + 1
	}
	if w.pendingFrom > w.lastSeq {
		return nil
	}

	entries, err := w.store.Entries(ctx, w.cfg.Stream, w.pendingFrom, w.lastSeq)
	if err != nil {
		return err
	}
	for _, e := range entries {
		leaf, err := hex.DecodeString(e.Hash)
		if err != nil {
			return fmt.Errorf("entry %d: %w", e.Sequence, err)
		}
		w.pending = append(w.pending, leaf)
	}
	w.logger.Info("restored audit stream", "sequence", w.lastSeq, "uncheckpointed", len(w.pending))
	return nil
}

// Stream returns the stream name.
func (w *WormLogger) Stream() string { return w.cfg.Stream }

// Head returns the sequence and hash of the last entry.
func (w *WormLogger) Head() (uint64, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq, w.lastHash
}

// Append writes a new entry and returns it once the store has committed it.
// payload is stored as canonical JSON.
func (w *WormLogger) Append(ctx context.Context, actor, eventType string, payload any) (Entry, error) {
	if eventType == "" {
		return Entry{}, fmt.Errorf("event type must not be empty")
	}
	body, err := Canonical(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode payload for %s: %w", eventType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	e := Entry{
		Stream:       w.cfg.Stream,
		Sequence:     w.lastSeq + 1,
		Timestamp:    w.cfg.Clock().UTC(),
		Actor:        actor,
		EventType:    eventType,
		Payload:      body,
		PayloadHash:  HashHex(body),
		PreviousHash: w.lastHash,
	}
	e.Hash = e.ComputeHash()

	if err := w.store.AppendEntry(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("failed to append audit entry %d: %w", e.Sequence, err)
	}

	leaf, _ := hex.DecodeString(e.Hash)
	w.lastSeq = e.Sequence
	w.lastHash = e.Hash
	w.pending = append(w.pending, leaf)
	if w.cfg.OnAppend != nil {
		w.cfg.OnAppend(e)
	}

	if w.cfg.CheckpointEvery > 0 && len(w.pending) >= w.cfg.CheckpointEvery {
		if _, err := w.checkpointLocked(ctx); err != nil {
			// The entry itself is committed; the next checkpoint covers it.
			w.logger.Warn("failed to write automatic checkpoint", "error", err)
		}
	}
	return e, nil
}

// Checkpoint commits a Merkle root over every entry appended since the
// previous checkpoint.
func (w *WormLogger) Checkpoint(ctx context.Context) (Checkpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointLocked(ctx)
}

func (w *WormLogger) checkpointLocked(ctx context.Context) (Checkpoint, error) {
	if len(w.pending) == 0 {
		return Checkpoint{}, ErrNothingToCheckpoint
	}

	tree := NewMerkleTree(w.pending)
	cp := Checkpoint{
		Stream:        w.cfg.Stream,
		RootHash:      tree.RootHex(),
		EntryCount:    len(w.pending),
		FirstSequence: w.pendingFrom,
		LastSequence:  w.lastSeq,
		Timestamp:     w.cfg.Clock().UTC(),
	}
	if err := w.store.SaveCheckpoint(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	w.pendingFrom = w.lastSeq + 1
	w.pending = nil
	if w.cfg.OnCheckpoint != nil {
		w.cfg.OnCheckpoint(cp)
	}
	w.logger.Debug("checkpoint written", "first", cp.FirstSequence, "last", cp.LastSequence, "root", cp.RootHash)
	return cp, nil
}

// Checkpoints returns every checkpoint of the stream, oldest first.
func (w *WormLogger) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	return w.store.Checkpoints(ctx, w.cfg.Stream)
}

// VerifyIntegrity re-reads the entries covered by cp and recomputes every
// entry hash, the chain links and the Merkle root. On mismatch it returns
// false and a *TamperDetectedError.
func (w *WormLogger) VerifyIntegrity(ctx context.Context, cp Checkpoint) (bool, error) {
	if err := VerifyCheckpoint(ctx, w.store, cp); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyChain walks the whole stream and checks every entry and every
// checkpoint.
func (w *WormLogger) VerifyChain(ctx context.Context) (bool, error) {
	entries, err := w.store.Entries(ctx, w.cfg.Stream, 1, 0)
	if err != nil {
		return false, fmt.Errorf("failed to read stream: %w", err)
	}
	if err := verifyLinks(w.cfg.Stream, entries, ZeroHash, 1); err != nil {
		return false, err
	}

	cps, err := w.store.Checkpoints(ctx, w.cfg.Stream)
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	for _, cp := range cps {
		if err := checkRoot(cp, entries); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Proof returns an inclusion proof for the entry at seq against the
// checkpoint that covers it.
func (w *WormLogger) Proof(ctx context.Context, seq uint64) (Checkpoint, []ProofStep, error) {
	cps, err := w.store.Checkpoints(ctx, w.cfg.Stream)
	if err != nil {
		return Checkpoint{}, nil, err
	}
	for _, cp := range cps {
		if seq < cp.FirstSequence || seq > cp.LastSequence {
			continue
		}
		entries, err := w.store.Entries(ctx, w.cfg.Stream, cp.FirstSequence, cp.LastSequence)
		if err != nil {
			return Checkpoint{}, nil, err
		}
		leaves := make([]string, len(entries))
		for i, e := range entries {
			leaves[i] = e.Hash
		}
		tree, err := NewMerkleTreeHex(leaves)
		if err != nil {
			return Checkpoint{}, nil, err
		}
		proof, err := tree.Proof(int(seq - cp.FirstSequence))
		return cp, proof, err
	}
	return Checkpoint{}, nil, fmt.Errorf("sequence %d is not covered by a checkpoint", seq)
}

// VerifyCheckpoint checks the entries covered by cp against store.
func VerifyCheckpoint(ctx context.Context, store Store, cp Checkpoint) error {
	if cp.FirstSequence == 0 || cp.LastSequence < cp.FirstSequence {
		return &TamperDetectedError{Stream: cp.Stream, Sequence: cp.FirstSequence, Reason: "malformed checkpoint range"}
	}

	from := cp.FirstSequence
	prev := ZeroHash
	if from > 1 {
		// Include the predecessor so the first link can be checked.
		from--
	}
	entries, err := store.Entries(ctx, cp.Stream, from, cp.LastSequence)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint range: %w", err)
	}
	if from < cp.FirstSequence {
		if len(entries) == 0 || entries[0].Sequence != from {
			return &TamperDetectedError{Stream: cp.Stream, Sequence: from, Reason: "missing entry"}
		}
		if terr := entries[0].check(); terr != nil {
			return terr
		}
		prev = entries[0].Hash
		entries = entries[1:]
	}

	if err := verifyLinks(cp.Stream, entries, prev, cp.FirstSequence); err != nil {
		return err
	}
	return checkRoot(cp, entries)
}

// verifyLinks checks entry hashes, contiguous sequences and chain links.
func verifyLinks(stream string, entries []Entry, prev string, firstSeq uint64) error {
	want := firstSeq
	for _, e := range entries {
		if e.Sequence != want {
			return &TamperDetectedError{Stream: stream, Sequence: want, Reason: "missing or reordered entry",
				Expected: fmt.Sprint(want), Actual: fmt.Sprint(e.Sequence)}
		}
		if terr := e.check(); terr != nil {
			return terr
		}
		if e.PreviousHash != prev {
			return &TamperDetectedError{Stream: stream, Sequence: e.Sequence, Reason: "broken chain link",
				Expected: prev, Actual: e.PreviousHash}
		}
		prev = e.Hash
		want++
	}
	return nil
}

// checkRoot recomputes cp's Merkle root from the entries it covers. entries
// may be a superset of the range.
func checkRoot(cp Checkpoint, entries []Entry) error {
	var leaves []string
	for _, e := range entries {
		if e.Sequence >= cp.FirstSequence && e.Sequence <= cp.LastSequence {
			leaves = append(leaves, e.Hash)
		}
	}
	if len(leaves) != cp.EntryCount {
		return &TamperDetectedError{Stream: cp.Stream, Sequence: cp.FirstSequence, Reason: "entry count mismatch",
			Expected: fmt.Sprint(cp.EntryCount), Actual: fmt.Sprint(len(leaves))}
	}
	tree, err := NewMerkleTreeHex(leaves)
	if err != nil {
		return &TamperDetectedError{Stream: cp.Stream, Sequence: cp.FirstSequence, Reason: "malformed entry hash", Err: err}
	}
	if got := tree.RootHex(); got != cp.RootHash {
		return &TamperDetectedError{Stream: cp.Stream, Sequence: cp.FirstSequence, Reason: "merkle root mismatch",
			Expected: cp.RootHash, Actual: got}
	}
	return nil
}

// IsTamper reports whether err is or wraps a *TamperDetectedError.
func IsTamper(err error) bool {
	var terr *TamperDetectedError
	return errors.As(err, &terr)
}
