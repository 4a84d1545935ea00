// Package ee manages execution environments: the isolated runtimes that host
// a session's vendor agent process. A Driver knows how to create, probe and
// tear down one kind of environment; the Supervisor owns the per-session
// state machine and restart policy on top of it.
package ee

import (
	"context"
	"time"

	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/runner"
)

// Status of an execution environment. Within one lifecycle transitions are
// monotonic: inactive → starting → ready → (terminated|error), with
// error → starting allowed on restart. Terminated is terminal until a new
// environment is created.
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// LastError records the most recent failure of the environment.
type LastError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is a snapshot of the environment for session runtime reporting.
type State struct {
	Status          Status     `json:"status"`
	ID              string     `json:"id,omitempty"`
	StatusMessage   string     `json:"statusMessage,omitempty"`
	LastHealthCheck time.Time  `json:"lastHealthCheck,omitzero"`
	RestartCount    int        `json:"restartCount"`
	LastError       *LastError `json:"lastError,omitempty"`
}

// CreateRequest carries everything a driver needs to build an environment.
type CreateRequest struct {
	SessionID    string
	Profile      *profiles.Profile
	WorkspaceDir string
}

// Handle identifies a created environment. Addr is set by drivers whose
// runtime exposes an HTTP endpoint (the opencode server); Meta carries
// driver-private bookkeeping.
type Handle struct {
	ID   string
	Addr string
	Meta map[string]string
}

// Driver is the execution substrate capability. Implementations must be safe
// for concurrent use across sessions.
type Driver interface {
	// Name returns the driver identifier (local, docker, sprites).
	Name() string

	// Create builds a fresh environment for the session.
	Create(ctx context.Context, req CreateRequest) (*Handle, error)

	// HealthCheck probes a created environment. A nil return means healthy.
	HealthCheck(ctx context.Context, h *Handle) error

	// Terminate releases all resources held by the environment. Idempotent.
	Terminate(ctx context.Context, h *Handle) error

	// SpawnRunner builds the query runner for the given architecture inside
	// the environment. Options carry persisted session state, such as the
	// vendor session to resume.
	SpawnRunner(h *Handle, architecture string, opts runner.SpawnOptions) (runner.Runner, error)
}
