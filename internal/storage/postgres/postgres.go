// Package postgres implements the storage.Adapter contract on PostgreSQL via
// pgxpool. Suited to multi-node deployments where sessions are durable beyond
// a single host process.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/storage"
)

// Adapter is the PostgreSQL storage backend.
type Adapter struct {
	pool *pgxpool.Pool
}

var _ storage.Adapter = (*Adapter)(nil)

// Open connects to the database, verifies the connection, and initializes the
// schema. maxConns/minConns of 0 use pgxpool defaults.
func Open(ctx context.Context, dsn string, maxConns, minConns int) (*Adapter, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		poolConfig.MinConns = int32(minConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	a := &Adapter{pool: pool}
	if err := a.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *Adapter) Close() error {
	a.pool.Close()
	return nil
}

func (a *Adapter) initSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		agent_profile_id TEXT NOT NULL DEFAULT '',
		architecture TEXT NOT NULL DEFAULT '',
		session_options JSONB,
		vendor_session_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_transcripts (
		seq BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		conversation_id TEXT NOT NULL DEFAULT 'main',
		chunk TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_session ON session_transcripts(session_id, conversation_id, seq);

	CREATE TABLE IF NOT EXISTS session_files (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, path)
	);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		architecture TEXT NOT NULL DEFAULT '',
		config JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	`)
	return err
}

func (a *Adapter) ListSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, title, agent_profile_id, architecture, session_options, vendor_session_id, created_at, last_activity_at
		FROM sessions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer rows.Close()

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

func scanRecord(row pgx.Row) (storage.SessionRecord, error) {
	var rec storage.SessionRecord
	var options []byte
	if err := row.Scan(&rec.ID, &rec.Title, &rec.AgentProfileID, &rec.Architecture,
		&options, &rec.VendorSessionID, &rec.CreatedAt, &rec.LastActivityAt); err != nil {
		return rec, err
	}
	if len(options) > 0 {
		rec.SessionOptions = json.RawMessage(options)
	}
	return rec, nil
}

func (a *Adapter) LoadSession(ctx context.Context, id string) (*storage.StoredSession, error) {
	rec, err := scanRecord(a.pool.QueryRow(ctx, `
		SELECT id, title, agent_profile_id, architecture, session_options, vendor_session_id, created_at, last_activity_at
		FROM sessions WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errdefs.NotFound("session", id)
	}
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}

	stored := &storage.StoredSession{
		Record:            rec,
		TranscriptsByConv: make(map[string]string),
	}

	rows, err := a.pool.Query(ctx, `
		SELECT conversation_id, chunk FROM session_transcripts
		WHERE session_id = $1 ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer rows.Close()

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

	fileRows, err := a.pool.Query(ctx, `
		SELECT path, content FROM session_files WHERE session_id = $1 ORDER BY path ASC
	`, id)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer fileRows.Close()

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

	_, err := a.pool.Exec(ctx, `
		INSERT INTO sessions (id, title, agent_profile_id, architecture, session_options, vendor_session_id, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Title, rec.AgentProfileID, rec.Architecture, nullableJSON(rec.SessionOptions), rec.VendorSessionID, rec.CreatedAt, rec.LastActivityAt)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (a *Adapter) UpdateSessionRecord(ctx context.Context, id string, patch storage.RecordPatch) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if patch.Title != nil {
		args = append(args, *patch.Title)
		sets = append(sets, fmt.Sprintf("title = $%d", len(args)))
	}
	if patch.SessionOptions != nil {
		args = append(args, []byte(patch.SessionOptions))
		sets = append(sets, fmt.Sprintf("session_options = $%d", len(args)))
	}
	if patch.VendorSessionID != nil {
		args = append(args, *patch.VendorSessionID)
		sets = append(sets, fmt.Sprintf("vendor_session_id = $%d", len(args)))
	}
	if patch.LastActivityAt != nil {
		args = append(args, *patch.LastActivityAt)
		sets = append(sets, fmt.Sprintf("last_activity_at = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	tag, err := a.pool.Exec(ctx,
		fmt.Sprintf("UPDATE sessions SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("session", id)
	}
	return nil
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	tag, err := a.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	if tag.RowsAffected() == 0 {
		return errdefs.NotFound("session", id)
	}
	return nil
}

func (a *Adapter) SaveTranscript(ctx context.Context, sessionID, raw, conversationID string) error {
	if conversationID == "" {
		conversationID = conversation.MainConversationID
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO session_transcripts (session_id, conversation_id, chunk, created_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, conversationID, raw, time.Now().UTC())
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO session_files (session_id, path, content, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, path) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at
	`, sessionID, file.Path, file.Content, time.Now().UTC())
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	_, err := a.pool.Exec(ctx, `
		DELETE FROM session_files WHERE session_id = $1 AND path = $2
	`, sessionID, path)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func (a *Adapter) ListAgentProfiles(ctx context.Context) ([]*profiles.Profile, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, name, architecture, config FROM agent_profiles ORDER BY id ASC
	`)
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	defer rows.Close()

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
	p, err := scanProfile(a.pool.QueryRow(ctx, `
		SELECT id, name, architecture, config FROM agent_profiles WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errdefs.NotFound("agent profile", id)
	}
	if err != nil {
		return nil, errdefs.PersistenceError(err)
	}
	return p, nil
}

// SaveAgentProfile upserts a profile row.
func (a *Adapter) SaveAgentProfile(ctx context.Context, p *profiles.Profile) error {
	config, err := json.Marshal(p)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	now := time.Now().UTC()
	_, err = a.pool.Exec(ctx, `
		INSERT INTO agent_profiles (id, name, architecture, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, architecture = EXCLUDED.architecture,
			config = EXCLUDED.config, updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Architecture, config, now, now)
	if err != nil {
		return errdefs.PersistenceError(err)
	}
	return nil
}

func scanProfile(row pgx.Row) (*profiles.Profile, error) {
	var id, name, architecture string
	var config []byte
	if err := row.Scan(&id, &name, &architecture, &config); err != nil {
		return nil, err
	}
	p := &profiles.Profile{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, p); err != nil {
			return nil, fmt.Errorf("failed to deserialize profile config: %w", err)
		}
	}
	p.ID = id
	p.Name = name
	p.Architecture = architecture
	return p, nil
}
