package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/script"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned for an unknown session or part.
	ErrNotFound = errors.New("not found")
	// ErrEphemeral is returned by reads when persistence is disabled.
	ErrEphemeral = errors.New("session store is ephemeral")
)

// Session is one generate run over a script.
type Session struct {
	ID        string
	Title     string
	Source    string
	CreatedAt time.Time
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store keeps sessions, their parts and a timeline of events in SQLite so a
// review can span several invocations.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    source TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS parts (
    session_id TEXT NOT NULL,
    segment_index INTEGER NOT NULL,
    part_index INTEGER NOT NULL,
    segment_title TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    filename TEXT NOT NULL,
    approved INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY(session_id, segment_index, part_index),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether data outlives the process.
func (s *Store) Persistent() bool { return s.db != nil }

// CreateSession records a new session with a fresh id.
func (s *Store) CreateSession(ctx context.Context, title, source string) (Session, error) {
	sess := Session{ID: uuid.NewString(), Title: title, Source: source, CreatedAt: s.clock().UTC()}
	if s.db == nil {
		return sess, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, title, source, created_at) VALUES(?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Source, sess.CreatedAt.UnixMilli())
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Session looks a session up by id. An empty id selects the latest one.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	if s.db == nil {
		return Session{}, ErrEphemeral
	}
	var row *sql.Row
	if id == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT session_id, title, source, created_at FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT session_id, title, source, created_at FROM sessions WHERE session_id = ?`, id)
	}
	var (
		sess    Session
		source  sql.NullString
		created int64
	)
	if err := row.Scan(&sess.ID, &sess.Title, &source, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return Session{}, err
	}
	sess.Source = source.String
	sess.CreatedAt = time.UnixMilli(created).UTC()
	return sess, nil
}

// SaveParts upserts parts by position key.
func (s *Store) SaveParts(ctx context.Context, sessionID string, parts ...pipeline.PartResult) error {
	if s.db == nil || len(parts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := s.clock().UTC().UnixMilli()
	for _, p := range parts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO parts(session_id, segment_index, part_index, segment_title, kind, text, audio_path, duration_ms, filename, approved, updated_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, segment_index, part_index) DO UPDATE SET
			   segment_title=excluded.segment_title, kind=excluded.kind, text=excluded.text,
			   audio_path=excluded.audio_path, duration_ms=excluded.duration_ms,
			   filename=excluded.filename, approved=excluded.approved, updated_at=excluded.updated_at`,
			sessionID, p.Key.Segment, p.Key.Part, p.SegmentTitle, string(p.Kind), p.Text,
			p.AudioPath, p.Duration.Milliseconds(), p.Filename, p.Approved, now)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save part %s: %w", p.Filename, err)
		}
	}
	return tx.Commit()
}

// Parts returns the session's parts sorted by filename.
func (s *Store) Parts(ctx context.Context, sessionID string) ([]pipeline.PartResult, error) {
	if s.db == nil {
		return nil, ErrEphemeral
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_index, part_index, segment_title, kind, text, audio_path, duration_ms, filename, approved
		 FROM parts WHERE session_id = ? ORDER BY filename ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []pipeline.PartResult
	for rows.Next() {
		var (
			p        pipeline.PartResult
			kind     string
			duration int64
		)
		if err := rows.Scan(&p.Key.Segment, &p.Key.Part, &p.SegmentTitle, &kind, &p.Text, &p.AudioPath, &duration, &p.Filename, &p.Approved); err != nil {
			return nil, err
		}
		p.Kind = script.PartKind(kind)
		p.Duration = time.Duration(duration) * time.Millisecond
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// Part looks a single part up by filename or by its "SS_PP" key prefix.
func (s *Store) Part(ctx context.Context, sessionID, ref string) (pipeline.PartResult, error) {
	parts, err := s.Parts(ctx, sessionID)
	if err != nil {
		return pipeline.PartResult{}, err
	}
	for _, p := range parts {
		if p.Filename == ref || p.Key.String() == ref {
			return p, nil
		}
	}
	return pipeline.PartResult{}, fmt.Errorf("part %q: %w", ref, ErrNotFound)
}

// SetApproved toggles whether a part goes into the master track.
func (s *Store) SetApproved(ctx context.Context, sessionID string, key pipeline.Key, approved bool) error {
	if s.db == nil {
		return ErrEphemeral
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE parts SET approved = ?, updated_at = ? WHERE session_id = ? AND segment_index = ? AND part_index = ?`,
		approved, s.clock().UTC().UnixMilli(), sessionID, key.Segment, key.Part)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("part %s: %w", key, ErrNotFound)
	}
	return nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// Events retrieves up to limit events for a session ordered ascending by time.
func (s *Store) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "session" && s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
