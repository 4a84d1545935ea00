package conversation

import (
	"encoding/json"
	"time"
)

// EventType enumerates every session event on the wire and internally.
type EventType string

const (
	// Session lifecycle
	EventSessionInitialized EventType = "session:initialized"
	EventStatus             EventType = "status"
	EventOptionsUpdate      EventType = "options:update"
	EventSessionIdle        EventType = "session:idle"

	// Conversation content
	EventBlockUpsert    EventType = "block:upsert"
	EventBlockDelta     EventType = "block:delta"
	EventMetadataUpdate EventType = "metadata:update"

	// Subagent lifecycle
	EventSubagentSpawned   EventType = "subagent:spawned"
	EventSubagentCompleted EventType = "subagent:completed"

	// Workspace files
	EventFileCreated  EventType = "file:created"
	EventFileModified EventType = "file:modified"
	EventFileDeleted  EventType = "file:deleted"

	// Diagnostics
	EventLog   EventType = "log"
	EventError EventType = "error"

	// Execution environment
	EventEECreating   EventType = "ee:creating"
	EventEEReady      EventType = "ee:ready"
	EventEETerminated EventType = "ee:terminated"
	EventEEError      EventType = "ee:error"

	// Query lifecycle
	EventQueryStarted   EventType = "query:started"
	EventQueryCompleted EventType = "query:completed"
	EventQueryFailed    EventType = "query:failed"

	// Internal only, never forwarded to rooms
	EventTranscriptChanged EventType = "transcript:changed"
)

// EventSource identifies what produced an event.
type EventSource string

const (
	SourceRunner     EventSource = "runner"
	SourceSupervisor EventSource = "supervisor"
	SourceClient     EventSource = "client"
)

// EventContext locates an event within a session.
type EventContext struct {
	SessionID      string      `json:"sessionId"`
	ConversationID string      `json:"conversationId,omitempty"`
	Source         EventSource `json:"source"`
	TimestampMs    int64       `json:"timestampMs"`
}

// SessionEvent is the immutable unit that advances conversation state.
type SessionEvent struct {
	Type    EventType    `json:"type"`
	Payload interface{}  `json:"payload,omitempty"`
	Context EventContext `json:"context"`
}

// NewEvent builds an event stamped with the current wall clock.
func NewEvent(t EventType, payload interface{}, sessionID, conversationID string, source EventSource) SessionEvent {
	return SessionEvent{
		Type:    t,
		Payload: payload,
		Context: EventContext{
			SessionID:      sessionID,
			ConversationID: conversationID,
			Source:         source,
			TimestampMs:    time.Now().UTC().UnixMilli(),
		},
	}
}

// ConversationID returns the target conversation, defaulting to main.
func (e *SessionEvent) ConversationID() string {
	if e.Context.ConversationID == "" {
		return MainConversationID
	}
	return e.Context.ConversationID
}

// BlockUpsertPayload creates or merges a block.
type BlockUpsertPayload struct {
	Block Block `json:"block"`
}

// BlockDeltaPayload appends text to a pending block.
type BlockDeltaPayload struct {
	BlockID string `json:"blockId"`
	Delta   string `json:"delta"`
}

// MetadataUpdatePayload shallow-merges into conversation metadata.
type MetadataUpdatePayload struct {
	Metadata map[string]interface{} `json:"metadata"`
}

// SubagentSpawnedPayload announces a child conversation.
type SubagentSpawnedPayload struct {
	ToolUseID    string `json:"toolUseId"`
	AgentID      string `json:"agentId,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	SubagentType string `json:"subagentType,omitempty"`
	Description  string `json:"description,omitempty"`
}

// SubagentCompletedPayload closes a child conversation.
type SubagentCompletedPayload struct {
	ToolUseID  string         `json:"toolUseId"`
	AgentID    string         `json:"agentId,omitempty"`
	Status     SubagentStatus `json:"status"`
	Output     string         `json:"output,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
}

// LogLevel classifies log events.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogPayload is a diagnostic event visible in the session log ring.
type LogPayload struct {
	Level   LogLevel               `json:"level"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// ErrorPayload surfaces a failure to clients.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// WorkspaceFile is a file tracked for a session's workspace.
type WorkspaceFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// FilePayload carries file:created and file:modified events.
type FilePayload struct {
	File WorkspaceFile `json:"file"`
}

// FileDeletedPayload carries file:deleted events.
type FileDeletedPayload struct {
	Path string `json:"path"`
}

// EEPayload carries execution-environment transitions.
type EEPayload struct {
	EEID          string `json:"eeId,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// QueryPayload carries query lifecycle events.
type QueryPayload struct {
	Prompt string `json:"prompt,omitempty"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
}

// SessionIdlePayload marks the end of a turn.
type SessionIdlePayload struct {
	SessionID string `json:"sessionId"`
}

// TranscriptChangedPayload is internal; rooms never see it.
type TranscriptChangedPayload struct {
	ConversationID string `json:"conversationId"`
}

// OptionsUpdatePayload carries opaque architecture-specific options.
type OptionsUpdatePayload struct {
	Options json.RawMessage `json:"options,omitempty"`
}
