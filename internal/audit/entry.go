package audit

import (
	"encoding/json"
	"strings"
	"time"
)

// ZeroHash is the PreviousHash of the first entry in a stream.
var ZeroHash = strings.Repeat("0", 64)

// Entry is one immutable record in a hash-chained audit stream.
type Entry struct {
	Stream       string          `json:"stream"`
	Sequence     uint64          `json:"sequence"` // 1-based, contiguous per stream
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"` // Canonical JSON
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

type entryHeader struct {
	Stream       string `json:"stream"`
	Sequence     uint64 `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	Actor        string `json:"actor"`
	EventType    string `json:"event_type"`
	PayloadHash  string `json:"payload_hash"`
	PreviousHash string `json:"previous_hash"`
}

// ComputeHash recomputes the entry hash from its fields. The payload is
// covered through PayloadHash.
func (e Entry) ComputeHash() string {
	b, err := Canonical(entryHeader{
		Stream:       e.Stream,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        e.Actor,
		EventType:    e.EventType,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		// A struct of strings and an integer always marshals.
		panic(err)
	}
	return HashHex(b)
}

// check validates the entry's own hashes. Chain links are checked by the
// caller, which knows the predecessor.
func (e Entry) check() *TamperDetectedError {
	if got := HashHex(e.Payload); got != e.PayloadHash {
		return &TamperDetectedError{Stream: e.Stream, Sequence: e.Sequence, Reason: "payload hash mismatch", Expected: e.PayloadHash, Actual: got}
	}
	if got := e.ComputeHash(); got != e.Hash {
		return &TamperDetectedError{Stream: e.Stream, Sequence: e.Sequence, Reason: "entry hash mismatch", Expected: e.Hash, Actual: got}
	}
	return nil
}

// Checkpoint commits a Merkle root over a contiguous range of entries.
type Checkpoint struct {
	Stream        string    `json:"stream"`
	RootHash      string    `json:"root_hash"`
	EntryCount    int       `json:"entry_count"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	Timestamp     time.Time `json:"timestamp"`
}
