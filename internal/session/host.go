package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/storage"
)

// Host owns every loaded session and enforces the concurrency cap. Sessions
// are loaded lazily: a message to an unloaded session loads it first.
type Host struct {
	deps     Deps
	cfg      Config
	registry *profiles.Registry

	mu       sync.RWMutex
	sessions map[string]*Session
}

// CreateSessionInput carries the client-supplied fields of a new session.
type CreateSessionInput struct {
	ProfileID      string
	Title          string
	SessionOptions json.RawMessage
}

// SessionInfo pairs a stored record with its load state.
type SessionInfo struct {
	Record storage.SessionRecord `json:"record"`
	Loaded bool                  `json:"loaded"`
}

// NewHost builds a host around the shared services.
func NewHost(deps Deps, cfg Config, registry *profiles.Registry) *Host {
	cfg = cfg.withDefaults()
	return &Host{
		deps:     deps,
		cfg:      cfg,
		registry: registry,
		sessions: make(map[string]*Session),
	}
}

// CreateSession creates a durable record and loads the session immediately.
func (h *Host) CreateSession(ctx context.Context, in CreateSessionInput) (*Session, error) {
	profile, err := h.resolveProfile(ctx, in.ProfileID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := storage.SessionRecord{
		ID:             uuid.NewString(),
		Title:          in.Title,
		AgentProfileID: profile.ID,
		Architecture:   profile.Architecture,
		SessionOptions: in.SessionOptions,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	h.mu.Lock()
	if err := h.capacityLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}

	if err := h.deps.Store.CreateSessionRecord(ctx, rec); err != nil {
		h.mu.Unlock()
		return nil, errdefs.PersistenceError(err)
	}

	s, err := newSession(rec, profile, nil, h.deps, h.cfg)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.sessions[rec.ID] = s
	h.mu.Unlock()

	if err := s.announce(ctx); err != nil {
		h.deps.Log.Warn("session announce failed", zap.String("session_id", rec.ID), zap.Error(err))
	}
	return s, nil
}

// LoadSession brings a stored session into memory, replaying its transcripts.
// Loading an already-loaded session returns it unchanged.
func (h *Host) LoadSession(ctx context.Context, id string) (*Session, error) {
	h.mu.Lock()
	if s, ok := h.sessions[id]; ok {
		h.mu.Unlock()
		return s, nil
	}
	if err := h.capacityLocked(); err != nil {
		h.mu.Unlock()
		return nil, err
	}

	stored, err := h.deps.Store.LoadSession(ctx, id)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}

	profile, err := h.resolveProfile(ctx, stored.Record.AgentProfileID)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}

	s, err := newSession(stored.Record, profile, stored, h.deps, h.cfg)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.sessions[id] = s
	h.mu.Unlock()

	if err := s.announceLoaded(ctx); err != nil {
		h.deps.Log.Warn("session status announce failed", zap.String("session_id", id), zap.Error(err))
	}
	return s, nil
}

// GetSession returns a loaded session.
func (h *Host) GetSession(id string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	if !ok {
		return nil, errdefs.NotFound("session", id)
	}
	return s, nil
}

// SendMessage enqueues a prompt, loading the session first if needed.
func (h *Host) SendMessage(ctx context.Context, id, prompt string, opts EnqueueOptions) error {
	s, err := h.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	return s.EnqueueQuery(prompt, opts)
}

// UnloadSession drains and releases a loaded session. The durable record
// stays; the session can be loaded again later.
func (h *Host) UnloadSession(ctx context.Context, id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return errdefs.NotFound("session", id)
	}

	closeCtx, cancel := context.WithTimeout(ctx, h.cfg.ShutdownGrace)
	defer cancel()
	return s.Close(closeCtx)
}

// DestroySession unloads the session if loaded and deletes everything stored
// for it.
func (h *Host) DestroySession(ctx context.Context, id string) error {
	if err := h.UnloadSession(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		h.deps.Log.Warn("unload before destroy failed", zap.String("session_id", id), zap.Error(err))
	}
	return h.deps.Store.DeleteSession(ctx, id)
}

// ListSessions returns every stored session with its load state.
func (h *Host) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	records, err := h.deps.Store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(records))
	for _, rec := range records {
		_, loaded := h.sessions[rec.ID]
		out = append(out, SessionInfo{Record: rec, Loaded: loaded})
	}
	return out, nil
}

// LoadedSessionIDs returns the ids of currently loaded sessions.
func (h *Host) LoadedSessionIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	return ids
}

// LoadedCount returns how many sessions are in memory.
func (h *Host) LoadedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown drains every loaded session in parallel, bounded by the context.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	draining := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		draining = append(draining, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range draining {
		s := s
		g.Go(func() error {
			closeCtx, cancel := context.WithTimeout(gctx, h.cfg.ShutdownGrace)
			defer cancel()
			if err := s.Close(closeCtx); err != nil {
				h.deps.Log.Warn("session drain on shutdown failed",
					zap.String("session_id", s.ID()), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// resolveProfile prefers the file registry and falls back to stored profiles.
func (h *Host) resolveProfile(ctx context.Context, id string) (*profiles.Profile, error) {
	if id == "" {
		return nil, errdefs.ProtocolError("agent profile id is required")
	}
	if p, err := h.registry.Get(id); err == nil {
		return p, nil
	}
	p, err := h.deps.Store.LoadAgentProfile(ctx, id)
	if err != nil {
		return nil, errdefs.NotFound("agent profile", id)
	}
	return p, nil
}

func (h *Host) capacityLocked() error {
	if h.cfg.MaxConcurrentSessions > 0 && len(h.sessions) >= h.cfg.MaxConcurrentSessions {
		return errdefs.CapacityExceeded(h.cfg.MaxConcurrentSessions)
	}
	return nil
}
