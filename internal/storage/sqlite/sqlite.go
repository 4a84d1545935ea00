// Package sqlite implements the storage.Adapter contract on SQLite. Writes go
// through a single connection; reads use a separate read-only pool so loads
// proceed alongside transcript appends via WAL snapshots.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/storage"
)

const busyTimeout = 5 * time.Second

// readerConns is the size of the read-only pool. WAL mode allows many
// readers alongside the single writer.
const readerConns = 4

// Adapter is the SQLite storage backend.
type Adapter struct {
	db *sqlx.DB // writer, MaxOpenConns(1)
	ro *sqlx.DB // read-only pool
}

var _ storage.Adapter = (*Adapter)(nil)

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Adapter, error) {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	a := &Adapter{db: writer, ro: writer}
	if err := a.initSchema(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)
	a.ro = reader

	return a, nil
}

// Close closes both pools.
func (a *Adapter) Close() error {
	var roErr error
	if a.ro != a.db {
		roErr = a.ro.Close()
	}
	if err := a.db.Close(); err != nil {
		return err
	}
	return roErr
}

func (a *Adapter) initSchema() error {
	_, err := a.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		agent_profile_id TEXT NOT NULL DEFAULT '',
		architecture TEXT NOT NULL DEFAULT '',
		session_options TEXT DEFAULT '',
		vendor_session_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_transcripts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT 'main',
		chunk TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_session ON session_transcripts(session_id, conversation_id, seq);

	CREATE TABLE IF NOT EXISTS session_files (
		session_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content TEXT DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, path),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		architecture TEXT NOT NULL DEFAULT '',
		config TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (a *Adapter) ListSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	rows, err := a.ro.QueryContext(ctx, `
		SELECT id, title, agent_profile_id, architecture, session_options, vendor_session_id, created_at, last_activity_at
		FROM sessions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errdefs.PersistenceError(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (storage.SessionRecord, error) {
	var rec storage.SessionRecord
	var options string
	if err := row.Scan(&rec.ID, &rec.Title, &rec.AgentProfileID, &rec.Architecture,
		&options, &rec.VendorSessionID, &rec.CreatedAt, &rec.LastActivityAt); err != nil {
		return rec, err
	}
	if options != "" {
		rec.SessionOptions = json.RawMessage(options)
	}
	return rec, nil
}

func (a *Adapter) LoadSession(ctx context.Context, id string) (*storage.StoredSession, error) {
	row := a.ro.QueryRowContext(ctx, `
		SELECT id, title, agent_profile_id, architecture, session_options, vendor_session_id, created_at, last_activity_at
		FROM sessions WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("session", id)
	}
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}

	stored := &storage.StoredSession{
		Record:            rec,
		TranscriptsByConv: make(map[string]string),
	}

	// Transcript chunks are append-only rows; concatenation in seq order
	// reconstructs each conversation's blob.
	rows, err := a.ro.QueryContext(ctx, `
		SELECT conversation_id, chunk FROM session_transcripts
		WHERE session_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer func() { _ = rows.Close() }()

	blobs := make(map[string]*strings.Builder)
	for rows.Next() {
		var conv, chunk string
		if err := rows.Scan(&conv, &chunk); err != nil {
			return nil, errdefs.PersistenceError(err)
		}
		b, ok := blobs[conv]
		if !ok {
			b = &strings.Builder{}
			blobs[conv] = b
		}
		b.WriteString(chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	for conv, b := range blobs {
		stored.TranscriptsByConv[conv] = b.String()
	}

	fileRows, err := a.ro.QueryContext(ctx, `
		SELECT path, content FROM session_files WHERE session_id = ? ORDER BY path ASC
	`, id)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer func() { _ = fileRows.Close() }()

	for fileRows.Next() {
		var f conversation.WorkspaceFile
		if err := fileRows.Scan(&f.Path, &f.Content); err != nil {
			return nil, errdefs.PersistenceError(err)
		}
		stored.WorkspaceFiles = append(stored.WorkspaceFiles, f)
	}
	return stored, fileRows.Err()
}

func (a *Adapter) CreateSessionRecord(ctx context.Context, rec storage.SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActivityAt.IsZero() {
		rec.LastActivityAt = rec.CreatedAt
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, agent_profile_id, architecture, session_options, vendor_session_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.AgentProfileID, rec.Architecture, string(rec.SessionOptions), rec.VendorSessionID, rec.CreatedAt, rec.LastActivityAt)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) UpdateSessionRecord(ctx context.Context, id string, patch storage.RecordPatch) error {
	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.SessionOptions != nil {
		sets = append(sets, "session_options = ?")
		args = append(args, string(patch.SessionOptions))
	}
	if patch.VendorSessionID != nil {
		sets = append(sets, "vendor_session_id = ?")
		args = append(args, *patch.VendorSessionID)
	}
	if patch.LastActivityAt != nil {
		sets = append(sets, "last_activity_at = ?")
		args = append(args, *patch.LastActivityAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := a.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.NotFound("session", id)
	}
	return nil
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errdefs.NotFound("session", id)
	}
	// FK cascades do not fire without foreign_keys=on on every connection;
	// delete dependents explicitly to be safe.
	if _, err := a.db.ExecContext(ctx, `DELETE FROM session_transcripts WHERE session_id = ?`, id); err != nil {
		return errdefs.PersistenceError(err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM session_files WHERE session_id = ?`, id); err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) SaveTranscript(ctx context.Context, sessionID, raw, conversationID string) error {
	if conversationID == "" {
		conversationID = conversation.MainConversationID
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO session_transcripts (session_id, conversation_id, chunk, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, conversationID, raw, time.Now().UTC())
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO session_files (session_id, path, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, sessionID, file.Path, file.Content, time.Now().UTC())
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	_, err := a.db.ExecContext(ctx, `
		DELETE FROM session_files WHERE session_id = ? AND path = ?
	`, sessionID, path)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) ListAgentProfiles(ctx context.Context) ([]*profiles.Profile, error) {
	rows, err := a.ro.QueryContext(ctx, `
		SELECT id, name, architecture, config FROM agent_profiles ORDER BY id ASC
	`)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*profiles.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, errdefs.PersistenceError(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (a *Adapter) LoadAgentProfile(ctx context.Context, id string) (*profiles.Profile, error) {
	row := a.ro.QueryRowContext(ctx, `
		SELECT id, name, architecture, config FROM agent_profiles WHERE id = ?
	`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("agent profile", id)
	}
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	return p, nil
}

// SaveAgentProfile upserts a profile row. The launch details beyond identity
// are stored as one JSON config column.
func (a *Adapter) SaveAgentProfile(ctx context.Context, p *profiles.Profile) error {
	config, err := json.Marshal(p)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	now := time.Now().UTC()
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (id, name, architecture, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, architecture = excluded.architecture,
			config = excluded.config, updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Architecture, string(config), now, now)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func scanProfile(row rowScanner) (*profiles.Profile, error) {
	var id, name, architecture, config string
	if err := row.Scan(&id, &name, &architecture, &config); err != nil {
		return nil, err
	}
	p := &profiles.Profile{}
	if config != "" && config != "{}" {
		if err := json.Unmarshal([]byte(config), p); err != nil {
			return nil, fmt.Errorf("failed to deserialize profile config: %w", err)
		}
	}
	p.ID = id
	p.Name = name
	p.Architecture = architecture
	return p, nil
}
