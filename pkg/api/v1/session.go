// Package v1 defines the public REST API types of the session host.
package v1

import (
	"encoding/json"
	"time"
)

// Session is the API representation of a session record.
type Session struct {
	ID             string          `json:"id"`
	Title          string          `json:"title,omitempty"`
	AgentProfileID string          `json:"agent_profile_id"`
	Architecture   string          `json:"architecture"`
	SessionOptions json.RawMessage `json:"session_options,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	Loaded         bool            `json:"loaded"`
}

// CreateSessionRequest creates a new session from an agent profile.
type CreateSessionRequest struct {
	ProfileID      string          `json:"profile_id" binding:"required"`
	Title          string          `json:"title,omitempty"`
	SessionOptions json.RawMessage `json:"session_options,omitempty"`
}

// SendMessageRequest enqueues a prompt on a session. A positive TimeoutMs
// bounds the query's wall-clock time; on expiry the query is canceled.
type SendMessageRequest struct {
	Prompt    string `json:"prompt" binding:"required"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// SendMessageResponse acknowledges an accepted prompt.
type SendMessageResponse struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id"`
}

// ListSessionsResponse wraps the session listing.
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// ErrorResponse is the error body for every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
