// Package storage defines the persistence contract for the session host and
// an in-memory implementation. SQL-backed implementations live in the sqlite
// and postgres subpackages.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/profiles"
)

// SessionRecord is the durable identity of a session.
type SessionRecord struct {
	ID             string          `json:"id" db:"id"`
	Title          string          `json:"title,omitempty" db:"title"`
	AgentProfileID string          `json:"agentProfileId" db:"agent_profile_id"`
	Architecture   string          `json:"architecture" db:"architecture"`
	SessionOptions json.RawMessage `json:"sessionOptions,omitempty" db:"session_options"`

	// VendorSessionID is the backend's own conversation id, persisted so a
	// reloaded session resumes the vendor conversation instead of starting
	// a fresh one.
	VendorSessionID string `json:"vendorSessionId,omitempty" db:"vendor_session_id"`

	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	LastActivityAt time.Time `json:"lastActivityAt" db:"last_activity_at"`
}

// RecordPatch is a partial update to a session record. Nil fields are left
// untouched.
type RecordPatch struct {
	Title           *string
	SessionOptions  json.RawMessage
	VendorSessionID *string
	LastActivityAt  *time.Time
}

// StoredSession is everything persisted for one session.
type StoredSession struct {
	Record            SessionRecord
	TranscriptsByConv map[string]string
	WorkspaceFiles    []conversation.WorkspaceFile
}

// Adapter is the persistence contract. Implementations must be safe for
// concurrent use across sessions; within one session the host serializes
// writes. Transcript saves are append-only: no read-before-write.
type Adapter interface {
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	LoadSession(ctx context.Context, id string) (*StoredSession, error)
	CreateSessionRecord(ctx context.Context, rec SessionRecord) error
	UpdateSessionRecord(ctx context.Context, id string, patch RecordPatch) error
	DeleteSession(ctx context.Context, id string) error

	// SaveTranscript appends raw transcript data to the named conversation.
	// An empty conversationID targets the main conversation.
	SaveTranscript(ctx context.Context, sessionID, raw, conversationID string) error

	SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error
	DeleteSessionFile(ctx context.Context, sessionID, path string) error

	ListAgentProfiles(ctx context.Context) ([]*profiles.Profile, error)
	LoadAgentProfile(ctx context.Context, id string) (*profiles.Profile, error)

	Close() error
}
