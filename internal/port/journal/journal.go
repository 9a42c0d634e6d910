// Package journal defines the append-only audit journal contract.
package journal

import (
	"context"
	"errors"

	"github.com/tab-bridge/tab/internal/domain/audit"
)

// ErrWriteFailed marks an append that could not be durably persisted.
// Journal write failure is fatal to the owning session.
var ErrWriteFailed = errors.New("journal: write failed")

// Writer appends chained audit records. Append returns only after the
// record is durable; an error means the record must be treated as unwritten.
type Writer interface {
	Append(ctx context.Context, r *audit.Record) error
	// Last returns the hash of the most recently appended record for a
	// session, or the genesis hash if none exists.
	Last(ctx context.Context, sessionID string) (string, error)
	Close(ctx context.Context) error
}

// Reader retrieves persisted audit records.
type Reader interface {
	// Records returns the full chain for a session in append order.
	Records(ctx context.Context, sessionID string) ([]audit.Record, error)
	// Sessions lists the session ids present in the journal.
	Sessions(ctx context.Context) ([]string, error)
}

// Verifier re-walks a persisted chain.
type Verifier interface {
	Verify(ctx context.Context, sessionID string) error
}

// Exporter renders a session's chain as newline-delimited JSON for offline
// verification.
type Exporter interface {
	Export(ctx context.Context, sessionID string) ([]byte, error)
}

// Log is the full read side of the journal.
type Log interface {
	Reader
	Verifier
	Exporter
}
