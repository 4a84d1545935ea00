// Package conversation defines the architecture-agnostic conversation model:
// an immutable sequence of typed blocks per conversation, the session events
// that advance it, and the pure reducer that folds events into state.
package conversation

import "encoding/json"

// MainConversationID identifies the top-level conversation of a session.
// Subagent conversations use their own ids.
const MainConversationID = "main"

// BlockType tags the Block union.
type BlockType string

const (
	BlockUserMessage   BlockType = "user_message"
	BlockAssistantText BlockType = "assistant_text"
	BlockToolUse       BlockType = "tool_use"
	BlockToolResult    BlockType = "tool_result"
	BlockThinking      BlockType = "thinking"
	BlockSubagent      BlockType = "subagent"
	BlockSkillLoad     BlockType = "skill_load"
	BlockSystem        BlockType = "system"
	BlockError         BlockType = "error"
)

// BlockStatus reflects data finalization, not execution success.
// Tool success or failure lives in the paired tool_result's IsError.
type BlockStatus string

const (
	BlockPending  BlockStatus = "pending"
	BlockComplete BlockStatus = "complete"
)

// Block is one unit of conversation content. The Type field selects which of
// the optional fields are meaningful.
type Block struct {
	ID        string      `json:"id"`
	Type      BlockType   `json:"type"`
	Timestamp int64       `json:"timestamp,omitempty"` // unix millis; zero when the source stream carries none
	Status    BlockStatus `json:"status"`

	// user_message, assistant_text, thinking, skill_load
	Content string `json:"content,omitempty"`

	// assistant_text
	Model string `json:"model,omitempty"`

	// tool_use
	ToolName    string          `json:"toolName,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`

	// tool_use, tool_result, subagent
	ToolUseID string `json:"toolUseId,omitempty"`

	// tool_result, subagent
	Output     string `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// subagent
	SubagentID string `json:"subagentId,omitempty"`
	Name       string `json:"name,omitempty"`

	// skill_load
	SkillName string `json:"skillName,omitempty"`

	// system
	Subtype string `json:"subtype,omitempty"`
	Message string `json:"message,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// SubagentStatus tracks a child conversation's lifecycle.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
)

// SubagentConversation is a child conversation spawned by a tool invocation.
type SubagentConversation struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name,omitempty"`
	ToolUseID  string                 `json:"toolUseId,omitempty"`
	Status     SubagentStatus         `json:"status"`
	Blocks     []Block                `json:"blocks"`
	Output     string                 `json:"output,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationState is the folded snapshot of a session's conversation.
// It is only ever produced by the reducer; callers treat it as immutable.
type ConversationState struct {
	Blocks    []Block                `json:"blocks"`
	Subagents []SubagentConversation `json:"subagents,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewState returns an empty conversation state.
func NewState() *ConversationState {
	return &ConversationState{Blocks: []Block{}}
}

// Clone returns a deep copy safe to hand outside the owning session.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return NewState()
	}
	cp := &ConversationState{
		Blocks:   cloneBlocks(s.Blocks),
		Metadata: cloneMetadata(s.Metadata),
	}
	if len(s.Subagents) > 0 {
		cp.Subagents = make([]SubagentConversation, len(s.Subagents))
		for i, sa := range s.Subagents {
			cp.Subagents[i] = sa
			cp.Subagents[i].Blocks = cloneBlocks(sa.Blocks)
			cp.Subagents[i].Metadata = cloneMetadata(sa.Metadata)
		}
	}
	return cp
}

// Subagent returns the subagent conversation with the given id, or nil.
func (s *ConversationState) Subagent(id string) *SubagentConversation {
	for i := range s.Subagents {
		if s.Subagents[i].ID == id {
			return &s.Subagents[i]
		}
	}
	return nil
}

// BlockByID returns the block with the given id in the named conversation.
func (s *ConversationState) BlockByID(conversationID, blockID string) *Block {
	blocks := s.Blocks
	if conversationID != "" && conversationID != MainConversationID {
		sa := s.Subagent(conversationID)
		if sa == nil {
			return nil
		}
		blocks = sa.Blocks
	}
	for i := range blocks {
		if blocks[i].ID == blockID {
			return &blocks[i]
		}
	}
	return nil
}

// StripVolatile returns a copy with wall-clock derived fields zeroed.
// Streaming and transcript replay assign timestamps at different instants;
// state comparison for replay parity goes through this form.
func (s *ConversationState) StripVolatile() *ConversationState {
	cp := s.Clone()
	for i := range cp.Blocks {
		cp.Blocks[i].Timestamp = 0
	}
	for i := range cp.Subagents {
		for j := range cp.Subagents[i].Blocks {
			cp.Subagents[i].Blocks[j].Timestamp = 0
		}
	}
	return cp
}

func cloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return []Block{}
	}
	cp := make([]Block, len(blocks))
	copy(cp, blocks)
	for i := range cp {
		if cp[i].Input != nil {
			in := make(json.RawMessage, len(cp[i].Input))
			copy(in, cp[i].Input)
			cp[i].Input = in
		}
	}
	return cp
}

func cloneMetadata(md map[string]interface{}) map[string]interface{} {
	if md == nil {
		return nil
	}
	cp := make(map[string]interface{}, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return cp
}
