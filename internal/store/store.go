package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"kbagent/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	kind TEXT NOT NULL,
	remote_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	deleted_at INTEGER,
	PRIMARY KEY (kind, remote_id)
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS transcript (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transcript_session ON transcript(session_id, id);
`

// A running session refreshes its heartbeat every HeartbeatInterval. Its
// resources are protected from cleanup until it ends or its heartbeat is older
// than LiveWindow.
const (
	HeartbeatInterval = time.Minute
	LiveWindow        = 3 * time.Minute
)

// Store is the local SQLite ledger of remote resources and chat transcript.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	session string
}

// Resource is a remote resource recorded as created and not yet deleted.
type Resource struct {
	Kind      string
	RemoteID  string
	SessionID string
	CreatedAt time.Time
}

// Entry is one transcript line.
type Entry struct {
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare store dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	recovered, err := checkAndRecover(db, path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database recovery failed: %w", err)
	}
	if recovered != nil {
		db = recovered
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// migrate adds the session column to ledgers written before sessions were tracked.
func migrate(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('resources')`)
	if err != nil {
		return fmt.Errorf("inspect store schema: %w", err)
	}
	defer rows.Close()
	found, hasSession := false, false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		found = true
		if name == "session_id" {
			hasSession = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	if !found || hasSession {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE resources ADD COLUMN session_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("migrate store schema: %w", err)
	}
	return nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// checkAndRecover recreates a database file that exists but cannot be read.
// It returns a new handle when it did so, nil when db is usable.
func checkAndRecover(db *sql.DB, path string) (*sql.DB, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master`).Scan(&n)
	if err == nil {
		return nil, nil
	}
	logging.WarnLog("store: %s unreadable (%v), recreating", path, err)

	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err == nil {
		if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master`).Scan(&n); err == nil {
			return nil, nil
		}
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("close corrupted database: %w", err)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return openDB(path)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession marks sessionID as running. Resources recorded afterwards
// belong to it. Call it once, before the store is shared.
func (s *Store) BeginSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id must be set")
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, started_at, last_seen, ended_at) VALUES(?,?,?,NULL)
ON CONFLICT(id) DO UPDATE SET last_seen=excluded.last_seen, ended_at=NULL
`, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	s.session = sessionID
	return nil
}

// Heartbeat refreshes the running session's last_seen time.
func (s *Store) Heartbeat(ctx context.Context) error {
	if s.session == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen=? WHERE id=?`, s.now().UnixMilli(), s.session)
	if err != nil {
		return fmt.Errorf("session heartbeat: %w", err)
	}
	return nil
}

// KeepAlive sends a heartbeat every interval until ctx is done.
func (s *Store) KeepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logging.WarnLog("store: %v", err)
			}
		}
	}
}

// EndSession marks the running session as finished. Whatever it left behind
// becomes eligible for cleanup.
func (s *Store) EndSession(ctx context.Context) error {
	if s.session == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at=? WHERE id=?`, s.now().UnixMilli(), s.session)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordCreated adds a live resource owned by the running session.
// Re-recording clears an earlier deletion.
func (s *Store) RecordCreated(ctx context.Context, kind, remoteID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resources (kind, remote_id, session_id, created_at, deleted_at)
VALUES(?,?,?,?,NULL)
ON CONFLICT(kind, remote_id) DO UPDATE SET
	session_id=excluded.session_id,
	created_at=excluded.created_at,
	deleted_at=NULL
`, kind, remoteID, s.session, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record created %s: %w", kind, err)
	}
	return nil
}

// RecordDeleted marks a resource as deleted. Unknown resources are ignored.
func (s *Store) RecordDeleted(ctx context.Context, kind, remoteID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET deleted_at=? WHERE kind=? AND remote_id=? AND deleted_at IS NULL`,
		s.now().UnixMilli(), kind, remoteID)
	if err != nil {
		return fmt.Errorf("record deleted %s: %w", kind, err)
	}
	return nil
}

// Outstanding lists resources created but never deleted, oldest first. Resources
// of sessions that are still running (not ended, heartbeat within LiveWindow)
// are left out, as are the store's own session's.
func (s *Store) Outstanding(ctx context.Context) ([]Resource, error) {
	query := `
SELECT r.kind, r.remote_id, r.session_id, r.created_at
FROM resources r
LEFT JOIN sessions s ON s.id = r.session_id
WHERE r.deleted_at IS NULL
	AND (s.id IS NULL OR s.ended_at IS NOT NULL OR s.last_seen < ?)`
	args := []any{s.now().Add(-LiveWindow).UnixMilli()}
	if s.session != "" {
		query += ` AND r.session_id <> ?`
		args = append(args, s.session)
	}
	query += ` ORDER BY r.created_at, r.rowid`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var (
			r       Resource
			created int64
		)
		if err := rows.Scan(&r.Kind, &r.RemoteID, &r.SessionID, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendTranscript stores one displayed transcript line.
func (s *Store) AppendTranscript(ctx context.Context, sessionID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript (session_id, role, content, created_at) VALUES(?,?,?,?)`,
		sessionID, role, content, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Transcript returns the last limit entries of a session in display order.
// limit <= 0 returns all of them.
func (s *Store) Transcript(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	query := `SELECT session_id, role, content, created_at FROM transcript WHERE session_id=? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.SessionID, &e.Role, &e.Content, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
