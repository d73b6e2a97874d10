package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToCheckpoint is returned by Checkpoint when no entries were
	// appended since the last checkpoint.
	ErrNothingToCheckpoint = errors.New("no new entries to checkpoint")

	// ErrUnknownKey is returned when a record names a key the ring does not trust.
	ErrUnknownKey = errors.New("unknown signing key")
)

// TamperDetectedError reports stored audit data that no longer matches its
// hashes, chain links, Merkle root or signature.
type TamperDetectedError struct {
	Stream   string // Entry stream or decision lane
	Sequence uint64
	Reason   string
	Expected string
	Actual   string
	Err      error
}

func (e *TamperDetectedError) Error() string {
	msg := fmt.Sprintf("tamper detected in %q at sequence %d: %s", e.Stream, e.Sequence, e.Reason)
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", short(e.Expected), short(e.Actual))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TamperDetectedError) Unwrap() error { return e.Err }

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
