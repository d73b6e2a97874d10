package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
)

const exportPageSize = 256

// Exporter streams audit data out of a Store for external review.
type Exporter struct {
	store Store
}

// NewExporter creates an Exporter over store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store}
}

// Entries yields every entry of stream in sequence order, a page at a time.
func (x *Exporter) Entries(ctx context.Context, stream string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var from uint64 = 1
		for {
			page, err := x.store.Entries(ctx, stream, from, from+exportPageSize-1)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < exportPageSize {
				return
			}
			from += exportPageSize
		}
	}
}

// Decisions yields every decision record of lane in sequence order.
func (x *Exporter) Decisions(ctx context.Context, lane string) iter.Seq2[DecisionRecord, error] {
	return func(yield func(DecisionRecord, error) bool) {
		recs, err := x.store.Decisions(ctx, lane)
		if err != nil {
			yield(DecisionRecord{}, err)
			return
		}
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Checkpoints returns the checkpoints of stream.
func (x *Exporter) Checkpoints(ctx context.Context, stream string) ([]Checkpoint, error) {
	return x.store.Checkpoints(ctx, stream)
}

// Lanes returns every decision lane.
func (x *Exporter) Lanes(ctx context.Context) ([]string, error) {
	return x.store.Lanes(ctx)
}

// VerifyEntries checks an exported entry sequence on its own: entry hashes,
// contiguous sequences from 1 and chain links. Returns the number of entries
// checked.
func VerifyEntries(entries iter.Seq2[Entry, error]) (int, error) {
	prev := ZeroHash
	var want uint64 = 1
	n := 0
	var stream string
	for e, err := range entries {
		if err != nil {
			return n, err
		}
		if n == 0 {
			stream = e.Stream
		}
		if err := verifyLinks(stream, []Entry{e}, prev, want); err != nil {
			return n, err
		}
		prev = e.Hash
		want++
		n++
	}
	return n, nil
}

// VerifyDecisions checks an exported lane: signatures against keys,
// sequences and chain links. Returns the number of records checked.
func VerifyDecisions(records iter.Seq2[DecisionRecord, error], keys KeyResolver) (int, error) {
	var lane []DecisionRecord
	for r, err := range records {
		if err != nil {
			return len(lane), err
		}
		lane = append(lane, r)
	}
	if err := VerifyChain(lane, keys); err != nil {
		return len(lane), err
	}
	return len(lane), nil
}

// exportLine is one JSON line of an export.
type exportLine struct {
	Kind       string          `json:"kind"`
	Entry      *Entry          `json:"entry,omitempty"`
	Checkpoint *Checkpoint     `json:"checkpoint,omitempty"`
	Decision   *DecisionRecord `json:"decision,omitempty"`
}

// WriteJSONLines writes the stream's entries and checkpoints, then every
// lane's decision records, one JSON object per line.
func (x *Exporter) WriteJSONLines(ctx context.Context, w io.Writer, stream string) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for e, err := range x.Entries(ctx, stream) {
		if err != nil {
			return fmt.Errorf("failed to read entries: %w", err)
		}
		if err := enc.Encode(exportLine{Kind: "entry", Entry: &e}); err != nil {
			return err
		}
	}

	cps, err := x.Checkpoints(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to read checkpoints: %w", err)
	}
	for i := range cps {
		if err := enc.Encode(exportLine{Kind: "checkpoint", Checkpoint: &cps[i]}); err != nil {
			return err
		}
	}

	lanes, err := x.Lanes(ctx)
	if err != nil {
		return fmt.Errorf("failed to read lanes: %w", err)
	}
	for _, lane := range lanes {
		for r, err := range x.Decisions(ctx, lane) {
			if err != nil {
				return fmt.Errorf("failed to read lane %q: %w", lane, err)
			}
			if err := enc.Encode(exportLine{Kind: "decision", Decision: &r}); err != nil {
				return err
			}
		}
	}
	return nil
}
