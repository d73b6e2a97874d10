package audit

import "context"

// Store is durable, append-only storage for audit entries, checkpoints and
// decision records. Appends return only after the data is committed.
type Store interface {
	// Entries
	AppendEntry(ctx context.Context, e Entry) error
	Entries(ctx context.Context, stream string, from, to uint64) ([]Entry, error) // Inclusive; to == 0 means no upper bound
	LastEntry(ctx context.Context, stream string) (Entry, bool, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	Checkpoints(ctx context.Context, stream string) ([]Checkpoint, error)

	// Decision records
	AppendDecision(ctx context.Context, rec DecisionRecord) error
	Decisions(ctx context.Context, lane string) ([]DecisionRecord, error)
	LastDecision(ctx context.Context, lane string) (DecisionRecord, bool, error)
	Lanes(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}
