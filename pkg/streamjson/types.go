// Package streamjson provides types and decoding for the Claude-SDK
// stream-json protocol: newline-delimited JSON messages over stdin/stdout,
// with control requests for permissions and interrupts.
package streamjson

import (
	"encoding/json"
	"strings"
)

// Message types emitted by the CLI.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, and tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries the prompt echo and tool_result blocks
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps partial content updates
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
)

// Stream event types wrapped by stream_event messages.
const (
	StreamMessageStart = "message_start"
	StreamContentStart = "content_block_start"
	StreamContentDelta = "content_block_delta"
	StreamContentStop  = "content_block_stop"
	StreamMessageDelta = "message_delta"
	StreamMessageStop  = "message_stop"
)

// Control request subtypes.
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
	SubtypeInitialize   = "initialize"
	SubtypeInterrupt    = "interrupt"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message is one line of the stream-json protocol. The Type field determines
// which other fields are populated.
type Message struct {
	Type string `json:"type"`

	// Envelope routing. ParentToolUseID is set on messages that belong to a
	// subagent spawned by the Task tool with that tool-use id.
	SessionID       string `json:"session_id,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// TimestampMs is present on persisted transcript lines, absent live.
	TimestampMs int64 `json:"timestamp,omitempty"`

	// Set on history the CLI replays when resuming, and on synthetic
	// checkpoint messages. Neither represents new conversation content.
	IsReplay    bool `json:"isReplay,omitempty"`
	IsSynthetic bool `json:"isSynthetic,omitempty"`

	// For system messages
	Subtype       string `json:"subtype,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
	Model         string `json:"model,omitempty"`

	// For assistant and user messages
	Message *MessageBody `json:"message,omitempty"`

	// Structured result attached to user messages carrying a tool_result.
	ToolUseResult *ToolUseResult `json:"tool_use_result,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For control messages
	RequestID string           `json:"request_id,omitempty"`
	Request   *ControlRequest  `json:"request,omitempty"`
	Response  *ControlResponse `json:"response,omitempty"`

	// For result messages. Result can be either a string (error message)
	// or an object (ResultData).
	Result            json.RawMessage            `json:"result,omitempty"`
	CostUSD           float64                    `json:"total_cost_usd,omitempty"`
	DurationMS        int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                      `json:"duration_api_ms,omitempty"`
	IsError           bool                       `json:"is_error,omitempty"`
	NumTurns          int                        `json:"num_turns,omitempty"`
	TotalInputTokens  int64                      `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                      `json:"total_output_tokens,omitempty"`
	Usage             *Usage                     `json:"usage,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`
}

// MessageBody contains the content of an assistant or user message.
type MessageBody struct {
	ID         string         `json:"id,omitempty"`
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    MessageContent `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// MessageContent is a list of content blocks. User messages may carry plain
// string content on the wire; it decodes as a single text block.
type MessageContent []ContentBlock

// UnmarshalJSON accepts both `"content": "text"` and `"content": [...]`.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// Text joins the text of every text block with newlines.
func (c MessageContent) Text() string {
	var parts []string
	for _, b := range c {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ContentBlock represents one block of message content.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks. Content can be a string or a block array.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultContent flattens a tool_result's content to plain text.
func (b *ContentBlock) ResultContent() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		return MessageContent(blocks).Text()
	}
	return string(b.Content)
}

// InputMap decodes a tool_use input into a generic map.
func (b *ContentBlock) InputMap() map[string]interface{} {
	if len(b.Input) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b.Input, &m); err != nil {
		return nil
	}
	return m
}

// ToolUseResult is the structured result attached to user messages carrying
// a tool_result. Task tool results identify the subagent that ran.
type ToolUseResult struct {
	Status            string `json:"status,omitempty"`
	AgentID           string `json:"agentId,omitempty"`
	TotalDurationMs   int64  `json:"totalDurationMs,omitempty"`
	TotalTokens       int64  `json:"totalTokens,omitempty"`
	TotalToolUseCount int    `json:"totalToolUseCount,omitempty"`
}

// StreamEvent is a partial content update wrapped by a stream_event message.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Message      *MessageBody  `json:"message,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// Delta carries the incremental part of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"` // text_delta, thinking_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// TotalTokens sums every token class that occupies context.
func (u *Usage) TotalTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed.
func (m *Message) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string.
// This is used when the result is an error message string.
func (m *Message) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ModelUsageStats contains per-model usage statistics from result messages.
// The context_window field provides the actual model context window size.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ControlRequest represents a control request from the CLI.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string                 `json:"tool_name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string `json:"callback_id,omitempty"`
	HookName   string `json:"hook_name,omitempty"`
}

// ControlResponseMessage is sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response. Responses to requests
// we sent carry the request id inside the response object.
type ControlResponse struct {
	Subtype   string            `json:"subtype"` // success, error
	RequestID string            `json:"request_id,omitempty"`
	Result    *PermissionResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	Behavior string `json:"behavior"` // allow, deny
	Message  string `json:"message,omitempty"`
}

// SDKControlRequest is a control request sent to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// UserMessage is sent to provide a prompt to the CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Decode parses one line of the protocol.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Common tool names.
const (
	ToolBash      = "Bash"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolRead      = "Read"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
	ToolTask      = "Task"
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
)
