// Package httpapi exposes the session host over REST.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/session"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// Handler contains the HTTP handlers for the session API.
type Handler struct {
	host     *session.Host
	registry *profiles.Registry
	store    storage.Adapter
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(host *session.Host, registry *profiles.Registry, store storage.Adapter, log *logger.Logger) *Handler {
	return &Handler{
		host:     host,
		registry: registry,
		store:    store,
		logger:   log.WithFields(zap.String("component", "httpapi")),
	}
}

// CreateSession creates a new session.
// POST /v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Code: string(errdefs.CodeProtocolError), Message: err.Error()})
		return
	}

	s, err := h.host.CreateSession(c.Request.Context(), session.CreateSessionInput{
		ProfileID:      req.ProfileID,
		Title:          req.Title,
		SessionOptions: req.SessionOptions,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	snap, err := s.GetState(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// ListSessions lists every stored session.
// GET /v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	infos, err := h.host.ListSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := v1.ListSessionsResponse{Sessions: make([]v1.Session, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, v1.Session{
			ID:             info.Record.ID,
			Title:          info.Record.Title,
			AgentProfileID: info.Record.AgentProfileID,
			Architecture:   info.Record.Architecture,
			SessionOptions: info.Record.SessionOptions,
			CreatedAt:      info.Record.CreatedAt,
			LastActivityAt: info.Record.LastActivityAt,
			Loaded:         info.Loaded,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession returns a full session snapshot, loading the session if needed.
// GET /v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.host.LoadSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	snap, err := s.GetState(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// SendMessage enqueues a prompt on a session.
// POST /v1/sessions/:sessionId/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req v1.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Code: string(errdefs.CodeProtocolError), Message: err.Error()})
		return
	}

	var opts session.EnqueueOptions
	if req.TimeoutMs > 0 {
		opts.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	id := c.Param("sessionId")
	if err := h.host.SendMessage(c.Request.Context(), id, req.Prompt, opts); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.SendMessageResponse{Accepted: true, SessionID: id})
}

// UnloadSession releases a loaded session without deleting it.
// POST /v1/sessions/:sessionId/unload
func (h *Handler) UnloadSession(c *gin.Context) {
	if err := h.host.UnloadSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteSession destroys a session and everything stored for it.
// DELETE /v1/sessions/:sessionId
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.host.DestroySession(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TerminateEE tears down the session's execution environment.
// POST /v1/sessions/:sessionId/terminate-ee
func (h *Handler) TerminateEE(c *gin.Context) {
	s, err := h.host.GetSession(c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := s.TerminateEE(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DebugEvents returns the session's retained event history.
// GET /v1/sessions/:sessionId/debug-events
func (h *Handler) DebugEvents(c *gin.Context) {
	s, err := h.host.GetSession(c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.DebugEvents()})
}

// Logs returns the session's retained log entries.
// GET /v1/sessions/:sessionId/logs
func (h *Handler) Logs(c *gin.Context) {
	s, err := h.host.GetSession(c.Param("sessionId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.Logs()})
}

// ListProfiles lists the available agent profiles: the file registry plus any
// stored in the persistence layer.
// GET /v1/profiles
func (h *Handler) ListProfiles(c *gin.Context) {
	seen := make(map[string]bool)
	resp := v1.ListProfilesResponse{Profiles: []v1.AgentProfile{}}

	for _, p := range h.registry.List() {
		seen[p.ID] = true
		resp.Profiles = append(resp.Profiles, profileToResponse(p))
	}
	stored, err := h.store.ListAgentProfiles(c.Request.Context())
	if err != nil {
		h.logger.Warn("failed to list stored profiles", zap.Error(err))
	}
	for _, p := range stored {
		if seen[p.ID] {
			continue
		}
		resp.Profiles = append(resp.Profiles, profileToResponse(p))
	}
	c.JSON(http.StatusOK, resp)
}

// Healthz reports process liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"loaded_sessions": h.host.LoadedCount(),
	})
}

func profileToResponse(p *profiles.Profile) v1.AgentProfile {
	return v1.AgentProfile{
		ID:           p.ID,
		Name:         p.Name,
		Architecture: p.Architecture,
		Model:        p.Model,
	}
}

// fail writes the errdefs-classified error as an HTTP response.
func (h *Handler) fail(c *gin.Context, err error) {
	code := errdefs.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, v1.ErrorResponse{Code: string(code), Message: err.Error()})
}

func httpStatus(code errdefs.Code) int {
	switch code {
	case errdefs.CodeNotFound:
		return http.StatusNotFound
	case errdefs.CodeBusy:
		return http.StatusConflict
	case errdefs.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case errdefs.CodeProtocolError:
		return http.StatusBadRequest
	case errdefs.CodeEEUnavailable, errdefs.CodePersistenceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
