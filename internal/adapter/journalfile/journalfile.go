// Package journalfile persists the audit chain as one NDJSON file per
// session. A single writer goroutine serializes appends; the caller is
// acknowledged only after the record is flushed and fsynced, so an
// acknowledged record survives a crash.
package journalfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tab-bridge/tab/internal/domain/audit"
	"github.com/tab-bridge/tab/internal/port/journal"
)

const queueDepth = 256

type appendReq struct {
	record *audit.Record
	done   chan error
}

// Journal is a file-backed journal.Writer / Reader / Verifier.
type Journal struct {
	dir string
	log *slog.Logger

	queue chan appendReq

	mu    sync.Mutex // guards files and heads
	files map[string]*os.File
	heads map[string]string // session id -> last hash

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

var (
	_ journal.Writer   = (*Journal)(nil)
	_ journal.Reader   = (*Journal)(nil)
	_ journal.Verifier = (*Journal)(nil)
)

// Open creates the journal directory if needed and starts the writer.
func Open(dir string, log *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("journalfile: create %s: %w", dir, err)
	}
	j := &Journal{
		dir:     dir,
		log:     log.With("service", "journal"),
		queue:   make(chan appendReq, queueDepth),
		files:   make(map[string]*os.File),
		heads:   make(map[string]string),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// Append chains the record onto its session's head and persists it. The
// record's PrevHash and Hash are filled in here; callers hand over unchained
// records.
func (j *Journal) Append(ctx context.Context, r *audit.Record) error {
	req := appendReq{record: r, done: make(chan error, 1)}
	select {
	case j.queue <- req:
	case <-j.closed:
		return fmt.Errorf("%w: journal closed", journal.ErrWriteFailed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", journal.ErrWriteFailed, ctx.Err())
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// the write may still land; the caller must treat it as unwritten
		return fmt.Errorf("%w: %v", journal.ErrWriteFailed, ctx.Err())
	}
}

func (j *Journal) writeLoop() {
	defer close(j.drained)
	for {
		select {
		case req := <-j.queue:
			req.done <- j.write(req.record)
		case <-j.closed:
			// drain what was queued before close
			for {
				select {
				case req := <-j.queue:
					req.done <- j.write(req.record)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(r *audit.Record) error {
	head, err := j.head(r.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", journal.ErrWriteFailed, err)
	}
	if err := r.Chain(head); err != nil {
		return fmt.Errorf("%w: %v", journal.ErrWriteFailed, err)
	}

	f, err := j.file(r.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", journal.ErrWriteFailed, err)
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", journal.ErrWriteFailed, err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: %v", journal.ErrWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %v", journal.ErrWriteFailed, err)
	}

	j.mu.Lock()
	j.heads[r.SessionID] = r.Hash
	j.mu.Unlock()
	return nil
}

// head returns the last hash for a session, loading it from disk on first
// touch so appends continue an existing chain after a restart.
func (j *Journal) head(sessionID string) (string, error) {
	j.mu.Lock()
	h, ok := j.heads[sessionID]
	j.mu.Unlock()
	if ok {
		return h, nil
	}

	records, err := j.load(sessionID)
	if err != nil {
		return "", err
	}
	h = audit.Genesis
	if n := len(records); n > 0 {
		h = records[n-1].Hash
	}
	j.mu.Lock()
	j.heads[sessionID] = h
	j.mu.Unlock()
	return h, nil
}

func (j *Journal) file(sessionID string) (*os.File, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if f, ok := j.files[sessionID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(j.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	j.files[sessionID] = f
	return f, nil
}

func (j *Journal) path(sessionID string) string {
	return filepath.Join(j.dir, sessionID+".ndjson")
}

// Last implements journal.Writer.
func (j *Journal) Last(ctx context.Context, sessionID string) (string, error) {
	return j.head(sessionID)
}

// Records implements journal.Reader.
func (j *Journal) Records(ctx context.Context, sessionID string) ([]audit.Record, error) {
	return j.load(sessionID)
}

func (j *Journal) load(sessionID string) ([]audit.Record, error) {
	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("journalfile: open %s: %w", sessionID, err)
	}
	defer f.Close()

	var out []audit.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r audit.Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("journalfile: corrupt record in %s: %w", sessionID, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journalfile: read %s: %w", sessionID, err)
	}
	return out, nil
}

// Sessions implements journal.Reader.
func (j *Journal) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("journalfile: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".ndjson"); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Verify implements journal.Verifier by re-walking the persisted chain.
func (j *Journal) Verify(ctx context.Context, sessionID string) error {
	records, err := j.load(sessionID)
	if err != nil {
		return err
	}
	return audit.Verify(records)
}

// Export streams a session's chain as NDJSON.
func (j *Journal) Export(ctx context.Context, sessionID string) ([]byte, error) {
	records, err := j.load(sessionID)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, fmt.Errorf("journalfile: export %s: %w", sessionID, err)
		}
	}
	return []byte(b.String()), nil
}

// Close stops the writer after draining queued appends and closes all files.
func (j *Journal) Close(ctx context.Context) error {
	j.closeOnce.Do(func() { close(j.closed) })
	select {
	case <-j.drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for id, f := range j.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("journalfile: close %s: %w", id, err)
		}
	}
	j.files = make(map[string]*os.File)
	return firstErr
}
