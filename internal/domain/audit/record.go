// Package audit defines tamper-evident audit records. Records form a
// hash chain: each record's hash covers a canonical encoding of its fields
// plus the previous record's hash, so any mutation or reordering is
// detectable by re-walking the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies what an audit record describes.
type EventKind string

const (
	EventSessionStarted    EventKind = "SESSION_STARTED"
	EventTurnAdmitted      EventKind = "TURN_ADMITTED"
	EventTurnEmitted       EventKind = "TURN_EMITTED"
	EventTurnRejected      EventKind = "TURN_REJECTED"
	EventBudgetExceeded    EventKind = "BUDGET_EXCEEDED"
	EventConverged         EventKind = "CONVERGED"
	EventAdapterFailure    EventKind = "ADAPTER_FAILURE"
	EventPolicyViolation   EventKind = "POLICY_VIOLATION"
	EventSessionTerminated EventKind = "SESSION_TERMINATED"
)

// Outcome is the result classification of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// Genesis is the previous-hash value of the first record in a chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one audit event. All fields participate in the hash except
// Hash itself.
type Record struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	TurnID        string             `json:"turn_id,omitempty"`
	Kind          EventKind          `json:"kind"`
	Actor         string             `json:"actor"`
	Action        string             `json:"action"`
	Outcome       Outcome            `json:"outcome"`
	Reason        string             `json:"reason,omitempty"`
	PolicyID      string             `json:"policy_id,omitempty"`
	TraceID       string             `json:"trace_id,omitempty"`
	ResourceUsage map[string]float64 `json:"resource_usage,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	PrevHash      string             `json:"prev_hash"`
	Hash          string             `json:"hash"`
}

// NewRecord builds an unchained record with a fresh id and timestamp.
// The caller links it via Chain before persisting.
func NewRecord(sessionID string, kind EventKind, actor, action string, outcome Outcome) *Record {
	return &Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Actor:     actor,
		Action:    action,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the record's own fields, not its chain position.
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("audit: id is required")
	}
	if r.SessionID == "" {
		return errors.New("audit: session_id is required")
	}
	switch r.Kind {
	case EventSessionStarted, EventTurnAdmitted, EventTurnEmitted, EventTurnRejected,
		EventBudgetExceeded, EventConverged, EventAdapterFailure,
		EventPolicyViolation, EventSessionTerminated:
	default:
		return fmt.Errorf("audit: invalid event kind %q", r.Kind)
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeBlocked:
	default:
		return fmt.Errorf("audit: invalid outcome %q", r.Outcome)
	}
	if r.Actor == "" {
		return errors.New("audit: actor is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("audit: timestamp is required")
	}
	return nil
}

// Chain links the record to prevHash (Genesis for the first record) and
// computes its hash over the canonical encoding.
func (r *Record) Chain(prevHash string) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if prevHash == "" {
		prevHash = Genesis
	}
	r.PrevHash = prevHash
	digest, err := r.digest()
	if err != nil {
		return err
	}
	r.Hash = digest
	return nil
}

// digest hashes the canonical encoding of every field except Hash.
func (r *Record) digest() (string, error) {
	clone := *r
	clone.Hash = ""
	raw, err := canonicalJSON(&clone)
	if err != nil {
		return "", fmt.Errorf("audit: encode record %s: %w", r.ID, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyError pinpoints the first record at which a chain fails.
type VerifyError struct {
	Index  int
	Record string
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit: chain broken at record %d (%s): %s", e.Index, e.Record, e.Reason)
}

// Verify walks the chain and returns nil iff every record's hash matches a
// recomputation and every link points to its predecessor. The error reports
// the exact position of the first break.
func Verify(records []Record) error {
	prev := Genesis
	for i := range records {
		r := &records[i]
		if r.PrevHash != prev {
			return &VerifyError{Index: i, Record: r.ID, Reason: fmt.Sprintf("prev_hash %s does not match predecessor %s", r.PrevHash, prev)}
		}
		want, err := r.digest()
		if err != nil {
			return &VerifyError{Index: i, Record: r.ID, Reason: err.Error()}
		}
		if r.Hash != want {
			return &VerifyError{Index: i, Record: r.ID, Reason: "stored hash does not match recomputation"}
		}
		prev = r.Hash
	}
	return nil
}
