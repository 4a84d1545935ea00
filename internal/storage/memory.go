package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
)

// Memory is an in-process Adapter for tests and single-node deployments
// without durability requirements.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]*SessionRecord
	transcripts map[string]map[string]string // sessionID -> conversationID -> blob
	files       map[string]map[string]conversation.WorkspaceFile
	profiles    map[string]*profiles.Profile
}

var _ Adapter = (*Memory)(nil)

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]*SessionRecord),
		transcripts: make(map[string]map[string]string),
		files:       make(map[string]map[string]conversation.WorkspaceFile),
		profiles:    make(map[string]*profiles.Profile),
	}
}

// SeedProfiles installs agent profiles served by ListAgentProfiles.
func (m *Memory) SeedProfiles(ps ...*profiles.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		m.profiles[p.ID] = p
	}
}

func (m *Memory) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) LoadSession(ctx context.Context, id string) (*StoredSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, errdefs.NotFound("session", id)
	}

	stored := &StoredSession{
		Record:            *rec,
		TranscriptsByConv: make(map[string]string),
	}
	for conv, blob := range m.transcripts[id] {
		stored.TranscriptsByConv[conv] = blob
	}
	for _, f := range m.files[id] {
		stored.WorkspaceFiles = append(stored.WorkspaceFiles, f)
	}
	sort.Slice(stored.WorkspaceFiles, func(i, j int) bool {
		return stored.WorkspaceFiles[i].Path < stored.WorkspaceFiles[j].Path
	})
	return stored, nil
}

func (m *Memory) CreateSessionRecord(ctx context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return errdefs.New(errdefs.CodePersistenceError, "session record %q already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastActivityAt.IsZero() {
		rec.LastActivityAt = rec.CreatedAt
	}
	m.records[rec.ID] = &rec
	return nil
}

func (m *Memory) UpdateSessionRecord(ctx context.Context, id string, patch RecordPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return errdefs.NotFound("session", id)
	}
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.SessionOptions != nil {
		rec.SessionOptions = append(rec.SessionOptions[:0:0], patch.SessionOptions...)
	}
	if patch.VendorSessionID != nil {
		rec.VendorSessionID = *patch.VendorSessionID
	}
	if patch.LastActivityAt != nil {
		rec.LastActivityAt = *patch.LastActivityAt
	}
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return errdefs.NotFound("session", id)
	}
	delete(m.records, id)
	delete(m.transcripts, id)
	delete(m.files, id)
	return nil
}

func (m *Memory) SaveTranscript(ctx context.Context, sessionID, raw, conversationID string) error {
	if conversationID == "" {
		conversationID = conversation.MainConversationID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[sessionID]; !ok {
		return errdefs.NotFound("session", sessionID)
	}
	convs, ok := m.transcripts[sessionID]
	if !ok {
		convs = make(map[string]string)
		m.transcripts[sessionID] = convs
	}
	convs[conversationID] += raw
	return nil
}

func (m *Memory) SaveWorkspaceFile(ctx context.Context, sessionID string, file conversation.WorkspaceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[sessionID]; !ok {
		return errdefs.NotFound("session", sessionID)
	}
	byPath, ok := m.files[sessionID]
	if !ok {
		byPath = make(map[string]conversation.WorkspaceFile)
		m.files[sessionID] = byPath
	}
	byPath[file.Path] = file
	return nil
}

func (m *Memory) DeleteSessionFile(ctx context.Context, sessionID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPath, ok := m.files[sessionID]
	if !ok {
		return nil
	}
	delete(byPath, path)
	return nil
}

func (m *Memory) ListAgentProfiles(ctx context.Context) ([]*profiles.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*profiles.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LoadAgentProfile(ctx context.Context, id string) (*profiles.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, errdefs.NotFound("agent profile", id)
	}
	return p, nil
}

func (m *Memory) Close() error { return nil }
