// Package session defines the conversation session and turn domain model.
// A session is a bounded, monotonic sequence of turns between a fixed
// participant set on a single topic under a single policy.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session. Transitions out of
// StatusActive are one-way and terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Limits on session construction.
const (
	MinParticipants = 2
	MaxTopicLength  = 1000
	MinTurns        = 1
	MaxTurns        = 20
)

// ErrTerminal is returned when mutating a session in a terminal status.
var ErrTerminal = errors.New("session: already terminal")

// Session is a complete multi-turn dialogue between agents. It is created
// and mutated only by the orchestrator; adapters never touch it directly.
type Session struct {
	ID                string            `json:"id"`
	Participants      []string          `json:"participants"`
	Topic             string            `json:"topic"`
	Status            Status            `json:"status"`
	CurrentTurn       int               `json:"current_turn"`
	MaxTurns          int               `json:"max_turns"`
	TotalCostUSD      float64           `json:"total_cost_usd"`
	BudgetUSD         float64           `json:"budget_usd"`
	PolicyID          string            `json:"policy_id"`
	WorkingDir        string            `json:"working_dir,omitempty"`
	TerminationReason string            `json:"termination_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	TurnHistory       []Turn            `json:"turn_history"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// mu serializes mutation against Snapshot so readers in other
	// goroutines never observe a half-appended turn. Shared by copies.
	mu *sync.Mutex
}

// CreateRequest holds the fields needed to open a new session.
type CreateRequest struct {
	Topic          string   `json:"topic"`
	Participants   []string `json:"participants"`
	PolicyID       string   `json:"policy_id"`
	MaxTurns       int      `json:"max_turns"`
	BudgetUSD      float64  `json:"budget_usd"`
	WorkingDir     string   `json:"working_directory,omitempty"`
	InitialSpeaker string   `json:"initial_speaker,omitempty"`
}

// Validate checks the request against the session construction limits.
func (r *CreateRequest) Validate() error {
	if r.Topic == "" || len(r.Topic) > MaxTopicLength {
		return fmt.Errorf("session: topic must be 1-%d characters", MaxTopicLength)
	}
	if len(r.Participants) < MinParticipants {
		return fmt.Errorf("session: at least %d participants required", MinParticipants)
	}
	seen := make(map[string]bool, len(r.Participants))
	for _, p := range r.Participants {
		if p == "" {
			return errors.New("session: participant id must not be empty")
		}
		if seen[p] {
			return fmt.Errorf("session: duplicate participant %q", p)
		}
		seen[p] = true
	}
	if r.MaxTurns < MinTurns || r.MaxTurns > MaxTurns {
		return fmt.Errorf("session: max_turns must be %d-%d", MinTurns, MaxTurns)
	}
	if r.BudgetUSD <= 0 {
		return errors.New("session: budget_usd must be positive")
	}
	if r.InitialSpeaker != "" && !seen[r.InitialSpeaker] {
		return fmt.Errorf("session: initial_speaker %q is not a participant", r.InitialSpeaker)
	}
	return nil
}

// New creates an active session from a validated request.
func New(req CreateRequest) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	policyID := req.PolicyID
	if policyID == "" {
		policyID = "default"
	}
	return &Session{
		ID:           uuid.NewString(),
		Participants: append([]string(nil), req.Participants...),
		Topic:        req.Topic,
		Status:       StatusActive,
		MaxTurns:     req.MaxTurns,
		BudgetUSD:    req.BudgetUSD,
		PolicyID:     policyID,
		WorkingDir:   req.WorkingDir,
		CreatedAt:    now,
		UpdatedAt:    now,
		mu:           &sync.Mutex{},
	}, nil
}

func (s *Session) lock() {
	if s.mu != nil {
		s.mu.Lock()
	}
}

func (s *Session) unlock() {
	if s.mu != nil {
		s.mu.Unlock()
	}
}

// Snapshot returns a deep copy safe to read and marshal while the original
// is still being driven by the orchestrator.
func (s *Session) Snapshot() *Session {
	s.lock()
	defer s.unlock()
	cp := *s
	cp.mu = nil
	cp.Participants = append([]string(nil), s.Participants...)
	cp.TurnHistory = append([]Turn(nil), s.TurnHistory...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// HasParticipant reports whether the agent belongs to the session.
func (s *Session) HasParticipant(agentID string) bool {
	for _, p := range s.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}

// Append adds a turn to the history. It is the sole mutator of TurnHistory
// and keeps CurrentTurn and TotalCostUSD consistent with it.
func (s *Session) Append(t *Turn) error {
	if s.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.SessionID != s.ID {
		return fmt.Errorf("session: turn belongs to %q, not %q", t.SessionID, s.ID)
	}
	if !s.HasParticipant(t.FromAgent) {
		return fmt.Errorf("session: from_agent %q is not a participant", t.FromAgent)
	}
	if n := len(s.TurnHistory); n > 0 && t.Timestamp.Before(s.TurnHistory[n-1].Timestamp) {
		return fmt.Errorf("session: turn timestamp %s precedes history tail", t.Timestamp)
	}
	s.lock()
	defer s.unlock()
	s.TurnHistory = append(s.TurnHistory, *t)
	s.CurrentTurn = len(s.TurnHistory)
	s.TotalCostUSD += t.CostUSD
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminate transitions the session to a terminal status, recording the
// reason. Transitioning an already-terminal session is rejected.
func (s *Session) Terminate(status Status, reason string) error {
	if s.Status.IsTerminal() {
		return ErrTerminal
	}
	if !status.IsTerminal() {
		return fmt.Errorf("session: %q is not a terminal status", status)
	}
	s.lock()
	defer s.unlock()
	s.Status = status
	s.TerminationReason = reason
	s.UpdatedAt = time.Now().UTC()
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata["terminated_at"] = s.UpdatedAt.Format(time.RFC3339Nano)
	return nil
}

// Recent returns up to limit turns newest-first in normalized chat shape.
// If agentFilter is non-empty only turns from that agent are included.
func (s *Session) Recent(limit int, agentFilter string) []ContextEntry {
	if limit <= 0 {
		return nil
	}
	out := make([]ContextEntry, 0, limit)
	for i := len(s.TurnHistory) - 1; i >= 0 && len(out) < limit; i-- {
		t := &s.TurnHistory[i]
		if agentFilter != "" && t.FromAgent != agentFilter {
			continue
		}
		out = append(out, ContextEntry{
			Role:        t.Role,
			Content:     t.Content,
			FromAgent:   t.FromAgent,
			Timestamp:   t.Timestamp,
			Attachments: t.Attachments,
		})
	}
	return out
}

// CheckInvariants verifies the structural invariants that must hold at every
// observable state. A violation is a programmer error.
func (s *Session) CheckInvariants() error {
	if s.CurrentTurn != len(s.TurnHistory) {
		return fmt.Errorf("session: current_turn=%d but history has %d turns", s.CurrentTurn, len(s.TurnHistory))
	}
	var sum float64
	for i := range s.TurnHistory {
		t := &s.TurnHistory[i]
		if t.SessionID != s.ID {
			return fmt.Errorf("session: turn %d belongs to %q", i, t.SessionID)
		}
		if !s.HasParticipant(t.FromAgent) {
			return fmt.Errorf("session: turn %d from non-participant %q", i, t.FromAgent)
		}
		if i > 0 && t.Timestamp.Before(s.TurnHistory[i-1].Timestamp) {
			return fmt.Errorf("session: turn %d breaks timestamp order", i)
		}
		sum += t.CostUSD
	}
	const eps = 1e-9
	if diff := s.TotalCostUSD - sum; diff > eps || diff < -eps {
		return fmt.Errorf("session: total_cost_usd=%v but turns sum to %v", s.TotalCostUSD, sum)
	}
	return nil
}
