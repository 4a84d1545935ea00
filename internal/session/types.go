package session

import (
	"time"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/ee"
	"github.com/agenthost/agenthost/internal/storage"
)

// Config tunes session supervision and buffering. Zero values fall back to
// the documented defaults.
type Config struct {
	MaxConcurrentSessions   int
	QueryQueueDepth         int
	CancelInFlightOnEnqueue bool
	HealthCheckInterval     time.Duration
	MaxRestarts             int
	HardCancelTimeout       time.Duration
	ShutdownGrace           time.Duration
	DebugEventBuffer        int
	SessionLogBuffer        int
	SubagentPromptCacheSize int
}

// ConfigFromHost maps the loaded host configuration section.
func ConfigFromHost(h config.HostConfig) Config {
	return Config{
		MaxConcurrentSessions:   h.MaxConcurrentSessions,
		QueryQueueDepth:         h.QueryQueueDepth,
		CancelInFlightOnEnqueue: h.CancelInFlightOnEnqueue,
		HealthCheckInterval:     h.HealthCheckInterval,
		MaxRestarts:             h.MaxRestarts,
		HardCancelTimeout:       h.HardCancelTimeout,
		ShutdownGrace:           h.ShutdownGrace,
		DebugEventBuffer:        h.DebugEventBuffer,
		SessionLogBuffer:        h.SessionLogBuffer,
		SubagentPromptCacheSize: h.SubagentPromptCacheSize,
	}
}

func (c Config) withDefaults() Config {
	if c.QueryQueueDepth <= 0 {
		c.QueryQueueDepth = 1
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 2
	}
	if c.HardCancelTimeout <= 0 {
		c.HardCancelTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.DebugEventBuffer <= 0 {
		c.DebugEventBuffer = 100
	}
	if c.SessionLogBuffer <= 0 {
		c.SessionLogBuffer = 500
	}
	return c
}

// ActiveQuery describes the query currently running, if any.
type ActiveQuery struct {
	Prompt      string `json:"prompt"`
	StartedAtMs int64  `json:"startedAtMs"`
}

// RuntimeState is the live, non-persisted side of a session.
type RuntimeState struct {
	IsLoaded      bool         `json:"isLoaded"`
	ReadOnly      bool         `json:"readOnly,omitempty"`
	EE            ee.State     `json:"ee"`
	ActiveQuery   *ActiveQuery `json:"activeQuery,omitempty"`
	QueuedQueries int          `json:"queuedQueries"`
}

// Snapshot is the full state served to a subscriber joining mid-session.
type Snapshot struct {
	Record       storage.SessionRecord           `json:"record"`
	Conversation *conversation.ConversationState `json:"conversation"`
	Runtime      RuntimeState                    `json:"runtime"`
	Files        []conversation.WorkspaceFile    `json:"files,omitempty"`
}

// DebugEvent is one entry of the per-session event history ring.
type DebugEvent struct {
	Seq   int64                     `json:"seq"`
	Event conversation.SessionEvent `json:"event"`
}

// LogEntry is one entry of the per-session log ring.
type LogEntry struct {
	TimestampMs int64                  `json:"timestampMs"`
	Level       conversation.LogLevel  `json:"level"`
	Message     string                 `json:"message"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// SessionInitializedPayload carries session:initialized events.
type SessionInitializedPayload struct {
	Record storage.SessionRecord `json:"record"`
}

// StatusPayload carries status events.
type StatusPayload struct {
	Runtime RuntimeState `json:"runtime"`
}
