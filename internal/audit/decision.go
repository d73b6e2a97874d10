package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DecisionRecord is a signed statement of one decision. Records form a hash
// chain per lane. Once signed a record must not change: the signature covers
// every other field.
type DecisionRecord struct {
	ID                     string    `json:"id"`
	Lane                   string    `json:"lane"`
	Sequence               uint64    `json:"sequence"`
	Timestamp              time.Time `json:"timestamp"`
	Actor                  string    `json:"actor"`
	TaskID                 string    `json:"task_id,omitempty"`
	Decision               string    `json:"decision"`
	InputsHash             string    `json:"inputs_hash"`
	AlternativesConsidered []string  `json:"alternatives_considered"`
	ToolsUsed              []string  `json:"tools_used"`
	Confidence             float64   `json:"confidence"`
	PreviousRecordHash     string    `json:"previous_record_hash"`
	KeyID                  string    `json:"key_id"`
	Signature              string    `json:"signature"` // Hex ed25519 signature
}

type signedFields struct {
	ID                     string   `json:"id"`
	Lane                   string   `json:"lane"`
	Sequence               uint64   `json:"sequence"`
	Timestamp              string   `json:"timestamp"`
	Actor                  string   `json:"actor"`
	TaskID                 string   `json:"task_id"`
	Decision               string   `json:"decision"`
	InputsHash             string   `json:"inputs_hash"`
	AlternativesConsidered []string `json:"alternatives_considered"`
	ToolsUsed              []string `json:"tools_used"`
	Confidence             float64  `json:"confidence"`
	PreviousRecordHash     string   `json:"previous_record_hash"`
	KeyID                  string   `json:"key_id"`
}

// SigningBytes returns the canonical serialization the signature covers.
func (r *DecisionRecord) SigningBytes() []byte {
	alts := r.AlternativesConsidered
	if alts == nil {
		alts = []string{}
	}
	tools := r.ToolsUsed
	if tools == nil {
		tools = []string{}
	}
	b, err := Canonical(signedFields{
		ID:                     r.ID,
		Lane:                   r.Lane,
		Sequence:               r.Sequence,
		Timestamp:              r.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:                  r.Actor,
		TaskID:                 r.TaskID,
		Decision:               r.Decision,
		InputsHash:             r.InputsHash,
		AlternativesConsidered: alts,
		ToolsUsed:              tools,
		Confidence:             r.Confidence,
		PreviousRecordHash:     r.PreviousRecordHash,
		KeyID:                  r.KeyID,
	})
	if err != nil {
		// Confidence is validated finite before signing; everything else is strings.
		panic(err)
	}
	return b
}

// Hash is the chain hash of the signed record, referenced by the next record
// in the lane.
func (r *DecisionRecord) Hash() string {
	return HashHex(append(r.SigningBytes(), []byte(r.Signature)...))
}

func (r DecisionRecord) clone() DecisionRecord {
	r.AlternativesConsidered = append([]string(nil), r.AlternativesConsidered...)
	r.ToolsUsed = append([]string(nil), r.ToolsUsed...)
	return r
}

// Verify checks the record's signature against pub.
func Verify(rec *DecisionRecord, pub ed25519.PublicKey) bool {
	if rec == nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(rec.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, rec.SigningBytes(), sig)
}

// KeyResolver looks up trusted public keys by id.
type KeyResolver interface {
	PublicKey(keyID string) (ed25519.PublicKey, bool)
}

// VerifyTrusted checks the record against the trusted key it names.
func VerifyTrusted(rec *DecisionRecord, keys KeyResolver) error {
	pub, ok := keys.PublicKey(rec.KeyID)
	if !ok {
		return &TamperDetectedError{Stream: rec.Lane, Sequence: rec.Sequence, Reason: "untrusted signing key", Actual: rec.KeyID, Err: ErrUnknownKey}
	}
	if !Verify(rec, pub) {
		return &TamperDetectedError{Stream: rec.Lane, Sequence: rec.Sequence, Reason: "invalid signature"}
	}
	return nil
}

// VerifyChain checks signatures, sequence numbers and hash links of one
// lane's records, oldest first.
func VerifyChain(records []DecisionRecord, keys KeyResolver) error {
	prev := ZeroHash
	for i := range records {
		rec := &records[i]
		if want := uint64(i) + 1; rec.Sequence != want {
			return &TamperDetectedError{Stream: rec.Lane, Sequence: want, Reason: "missing or reordered record",
				Expected: fmt.Sprint(want), Actual: fmt.Sprint(rec.Sequence)}
		}
		if i > 0 && rec.Lane != records[0].Lane {
			return &TamperDetectedError{Stream: rec.Lane, Sequence: rec.Sequence, Reason: "record from another lane"}
		}
		if err := VerifyTrusted(rec, keys); err != nil {
			return err
		}
		if rec.PreviousRecordHash != prev {
			return &TamperDetectedError{Stream: rec.Lane, Sequence: rec.Sequence, Reason: "broken record chain",
				Expected: prev, Actual: rec.PreviousRecordHash}
		}
		prev = rec.Hash()
	}
	return nil
}

// DecisionInput describes a decision to record.
type DecisionInput struct {
	Actor        string
	TaskID       string
	Decision     string
	Inputs       any // Hashed, not stored
	Alternatives []string
	ToolsUsed    []string
	Confidence   float64
}

type laneState struct {
	mu       sync.Mutex
	loaded   bool
	seq      uint64
	lastHash string
}

// DecisionRecordManager creates signed, lane-chained decision records.
// Record calls on the same lane are serialized; different lanes proceed
// independently.
type DecisionRecordManager struct {
	store  Store
	keys   *KeyRing
	clock  func() time.Time
	logger *slog.Logger

	mu    sync.Mutex // Guards lanes
	lanes map[string]*laneState

	// OnRecord, if set, is called after a record is committed.
	OnRecord func(*DecisionRecord)
}

// NewDecisionRecordManager creates a manager that signs with keys and
// persists to store.
func NewDecisionRecordManager(store Store, keys *KeyRing, logger *slog.Logger) *DecisionRecordManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionRecordManager{
		store:  store,
		keys:   keys,
		clock:  time.Now,
		logger: logger,
		lanes:  make(map[string]*laneState),
	}
}

// SetClock overrides the time source.
func (m *DecisionRecordManager) SetClock(clock func() time.Time) { m.clock = clock }

// Keys returns the manager's key ring.
func (m *DecisionRecordManager) Keys() *KeyRing { return m.keys }

func (m *DecisionRecordManager) lane(name string) *laneState {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[name]
	if !ok {
		l = &laneState{lastHash: ZeroHash}
		m.lanes[name] = l
	}
	return l
}

// Record signs and persists a decision on lane.
func (m *DecisionRecordManager) Record(ctx context.Context, lane string, in DecisionInput) (*DecisionRecord, error) {
	if lane == "" {
		return nil, fmt.Errorf("decision lane must not be empty")
	}
	if in.Decision == "" {
		return nil, fmt.Errorf("decision must not be empty")
	}
	if !(in.Confidence >= 0 && in.Confidence <= 1) {
		return nil, fmt.Errorf("confidence %v out of range [0,1]", in.Confidence)
	}
	inputsHash, err := CanonicalHash(in.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to hash decision inputs: %w", err)
	}

	l := m.lane(lane)
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		last, ok, err := m.store.LastDecision(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("failed to load lane %q: %w", lane, err)
		}
		if ok {
			l.seq = last.Sequence
			l.lastHash = last.Hash()
		}
		l.loaded = true
	}

	rec := &DecisionRecord{
		ID:                     uuid.NewString(),
		Lane:                   lane,
		Sequence:               l.seq + 1,
		Timestamp:              m.clock().UTC(),
		Actor:                  in.Actor,
		TaskID:                 in.TaskID,
		Decision:               in.Decision,
		InputsHash:             inputsHash,
		AlternativesConsidered: append([]string{}, in.Alternatives...),
		ToolsUsed:              append([]string{}, in.ToolsUsed...),
		Confidence:             in.Confidence,
		PreviousRecordHash:     l.lastHash,
		KeyID:                  m.keys.ActiveKeyID(),
	}

	keyID, sig, err := m.keys.Sign(rec.SigningBytes())
	if err != nil {
		return nil, err
	}
	if keyID != rec.KeyID {
		// Rotated between reading the id and signing.
		rec.KeyID = keyID
		_, sig, err = m.keys.Sign(rec.SigningBytes())
		if err != nil {
			return nil, err
		}
	}
	rec.Signature = hex.EncodeToString(sig)

	if err := m.store.AppendDecision(ctx, *rec); err != nil {
		return nil, fmt.Errorf("failed to persist decision record: %w", err)
	}
	l.seq = rec.Sequence
	l.lastHash = rec.Hash()

	if m.OnRecord != nil {
		m.OnRecord(rec)
	}
	m.logger.Debug("decision recorded", "lane", lane, "sequence", rec.Sequence, "decision", rec.Decision, "task", rec.TaskID)
	return rec, nil
}

// Records returns every record of lane, oldest first.
func (m *DecisionRecordManager) Records(ctx context.Context, lane string) ([]DecisionRecord, error) {
	return m.store.Decisions(ctx, lane)
}

// Verify checks rec against pub.
func (m *DecisionRecordManager) Verify(rec *DecisionRecord, pub ed25519.PublicKey) bool {
	return Verify(rec, pub)
}

// VerifyTrusted checks rec against every key the manager trusts.
func (m *DecisionRecordManager) VerifyTrusted(rec *DecisionRecord) bool {
	return VerifyTrusted(rec, m.keys) == nil
}

// VerifyChain checks a lane's records with the manager's keys.
func (m *DecisionRecordManager) VerifyChain(records []DecisionRecord) error {
	return VerifyChain(records, m.keys)
}
