package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role designates who authored a turn's content.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MaxAttachments bounds the attachment list per turn.
const MaxAttachments = 10

// MaxAttachmentSize bounds a single attachment in bytes.
const MaxAttachmentSize = 10 << 20

// MaxContentLength bounds turn content size in bytes.
const MaxContentLength = 100_000

// Attachment is a file reference carried by a turn.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest,omitempty"`
}

// PolicySnapshot records the tool allow/deny sets in effect when a turn was
// produced. Turns carry the snapshot by value, never a reference to the live
// policy.
type PolicySnapshot struct {
	PolicyID        string   `json:"policy_id"`
	PermissionMode  string   `json:"permission_mode"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
}

// Turn is a single speaker-to-listener exchange. Turns are immutable once
// appended to a session.
type Turn struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent"`
	Role        Role           `json:"role"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	CostUSD     float64        `json:"cost_usd"`
	Duration    time.Duration  `json:"duration"`
	Policy      PolicySnapshot `json:"policy"`
}

// NewTurn builds a validated turn. The timestamp defaults to now.
func NewTurn(sessionID, fromAgent, toAgent string, role Role, content string) (*Turn, error) {
	t := &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the turn-level invariants.
func (t *Turn) Validate() error {
	if t.SessionID == "" {
		return errors.New("turn: session_id is required")
	}
	if t.FromAgent == "" {
		return errors.New("turn: from_agent is required")
	}
	if t.ToAgent == "" {
		return errors.New("turn: to_agent is required")
	}
	if t.FromAgent == t.ToAgent {
		return fmt.Errorf("turn: from_agent and to_agent must differ, both are %q", t.FromAgent)
	}
	switch t.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("turn: invalid role %q", t.Role)
	}
	if t.Content == "" {
		return errors.New("turn: content is required")
	}
	if len(t.Content) > MaxContentLength {
		return fmt.Errorf("turn: content exceeds %d bytes", MaxContentLength)
	}
	if t.CostUSD < 0 {
		return errors.New("turn: cost_usd must be non-negative")
	}
	if len(t.Attachments) > MaxAttachments {
		return fmt.Errorf("turn: at most %d attachments allowed", MaxAttachments)
	}
	seen := make(map[string]bool, len(t.Attachments))
	for i := range t.Attachments {
		a := &t.Attachments[i]
		if a.Name == "" {
			return errors.New("turn: attachment name is required")
		}
		if a.Size < 0 {
			return fmt.Errorf("turn: attachment %q has negative size", a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("turn: duplicate attachment %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// ContextEntry is the normalized chat-shape projection of a turn, used to
// build adapter prompt context.
type ContextEntry struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	FromAgent   string       `json:"from_agent"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
