// Package store defines session persistence.
package store

import (
	"context"
	"errors"

	"github.com/tab-bridge/tab/internal/domain/session"
)

// ErrNotFound is returned when a session id has no stored state.
var ErrNotFound = errors.New("store: session not found")

// SessionStore persists session state across turns and restarts. Save
// overwrites the full session; the orchestrator calls it after every
// mutation so a crash loses at most the in-flight turn.
type SessionStore interface {
	Save(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	// List returns sessions filtered by status; empty status means all.
	List(ctx context.Context, status session.Status) ([]*session.Session, error)
	Close(ctx context.Context) error
}
