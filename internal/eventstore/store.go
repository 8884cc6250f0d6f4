// Package eventstore keeps a SQLite timeline of transcription jobs and the
// events each job emitted.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	JobID     string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Job is the latest known state of a transcription job.
type Job struct {
	ID        string
	Language  string
	State     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps a SQLite-backed job timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    language TEXT,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_job_created ON events(job_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendJob inserts the job row or moves it to a new state. An empty language
// keeps the recorded one.
func (s *Store) AppendJob(ctx context.Context, jobID, language, state string) error {
	if s.disabled() {
		return nil
	}
	if jobID == "" {
		return errors.New("job id required")
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, language, state, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   language=CASE WHEN excluded.language = '' THEN jobs.language ELSE excluded.language END,
		   state=excluded.state,
		   updated_at=excluded.updated_at`,
		jobID, language, state, now, now)
	return err
}

// GetJob returns the recorded job, or sql.ErrNoRows.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	if s.disabled() {
		return Job{}, sql.ErrNoRows
	}
	var (
		j                Job
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, language, state, created_at, updated_at FROM jobs WHERE job_id = ?`, jobID).
		Scan(&j.ID, &j.Language, &j.State, &created, &updated)
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return j, nil
}

// AppendEvent writes an event into the store. The job row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(job_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.JobID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListJobEvents retrieves up to limit events for a job in insertion order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, trace_id, event_type, payload, created_at
		 FROM events WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &traceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseTime(value string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	return time.Time{}
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE updated_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
