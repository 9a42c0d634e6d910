// Package postgres persists sessions in PostgreSQL. The full session is
// stored as one JSONB document per row; status and timestamps are lifted
// into columns for filtering.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/port/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements store.SessionStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ store.SessionStore = (*Store)(nil)

// Connect opens the pool and applies pending migrations.
func Connect(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if err := migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info("postgres connected")
	return &Store{pool: pool, log: log.With("service", "store")}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres migrate open: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres migrate dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("postgres migrate up: %w", err)
	}
	return nil
}

// Save upserts the full session document.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("postgres save %s: encode: %w", sess.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at`,
		sess.ID, string(sess.Status), payload, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres save %s: %w", sess.ID, err)
	}
	return nil
}

// Get loads one session by id.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM sessions WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres get %s: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("postgres get %s: decode: %w", id, err)
	}
	return &sess, nil
}

// List returns sessions filtered by status; empty status means all.
func (s *Store) List(ctx context.Context, status session.Status) ([]*session.Session, error) {
	query := `SELECT payload FROM sessions ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT payload FROM sessions WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres list scan: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			return nil, fmt.Errorf("postgres list decode: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}
