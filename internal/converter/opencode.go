package converter

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/pkg/opencode"
)

// openCode converts OpenCode SSE envelopes into session events. Roles arrive
// on message.updated and are correlated to parts via messageID; text parts
// stream cumulatively, so per-part offsets track what has already been sent.
type openCode struct {
	log       *logger.Logger
	sessionID string

	ids idAllocator

	// Message roles and models by vendor message id, from message.updated.
	roles  map[string]string
	models map[string]string

	// Per-part scratch: block id and how much cumulative text was consumed.
	parts map[string]*partState

	// Tool calls by call id.
	tools map[string]*toolState

	// Child vendor sessions spawned by the task tool, keyed by vendor
	// session id. Values are the conversation ids used in events.
	childSessions map[string]string
	// Conversation id by task call id, for completion matching.
	taskCalls map[string]string

	echoPrompt  string
	echoBlockID string
}

type partState struct {
	blockID  string
	consumed int
}

type toolState struct {
	blockID string
	name    string
	conv    string
	done    bool
}

func newOpenCode(opts Options) *openCode {
	return &openCode{
		log:           opts.Logger.WithFields(zap.String("converter", ArchOpenCode)),
		sessionID:     opts.SessionID,
		roles:         make(map[string]string),
		models:        make(map[string]string),
		parts:         make(map[string]*partState),
		tools:         make(map[string]*toolState),
		childSessions: make(map[string]string),
		taskCalls:     make(map[string]string),
	}
}

func (c *openCode) RegisterPromptEcho(prompt string) string {
	c.echoPrompt = prompt
	c.echoBlockID = c.ids.next()
	return c.echoBlockID
}

// Reset clears per-turn scratch. Subagent bookkeeping survives so late
// completions after session.idle still resolve.
func (c *openCode) Reset() {
	c.parts = make(map[string]*partState)
	c.echoPrompt = ""
	c.echoBlockID = ""
}

func (c *openCode) ParseEvent(raw json.RawMessage) ([]conversation.SessionEvent, error) {
	env, err := opencode.ParseSDKEvent(raw)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}

	switch env.Type {
	case opencode.SDKEventMessageUpdated:
		return c.parseMessageUpdated(env.Properties)
	case opencode.SDKEventMessagePartUpdated:
		return c.parsePartUpdated(env.Properties)
	case opencode.SDKEventSessionIdle:
		return c.parseIdle(env.Properties)
	case opencode.SDKEventSessionError:
		return c.parseError(env.Properties)
	case opencode.SDKEventPermissionAsked:
		return c.parsePermission(env.Properties)
	case opencode.SDKEventSessionStatus, opencode.SDKEventSessionDiff,
		opencode.SDKEventSessionCompacted, opencode.SDKEventTodoUpdated,
		opencode.SDKEventMessageRemoved, opencode.SDKEventMessagePartRemoved,
		opencode.SDKEventPermissionReplied:
		// Tracked elsewhere or irrelevant to conversation state.
		return nil, nil
	default:
		c.log.Warn("unhandled event type", zap.String("type", env.Type))
		return []conversation.SessionEvent{
			c.event(conversation.EventLog, conversation.LogPayload{
				Level:   conversation.LogWarn,
				Message: "unhandled runtime event type",
				Data:    map[string]interface{}{"type": env.Type},
			}, ""),
		}, nil
	}
}

func (c *openCode) event(t conversation.EventType, payload interface{}, conv string) conversation.SessionEvent {
	return conversation.NewEvent(t, payload, c.sessionID, conv, conversation.SourceRunner)
}

func (c *openCode) upsert(conv string, block conversation.Block) conversation.SessionEvent {
	return c.event(conversation.EventBlockUpsert, conversation.BlockUpsertPayload{Block: block}, conv)
}

// conversationFor maps a vendor session id onto a conversation: the primary
// session is main, task children use their registered conversation id.
func (c *openCode) conversationFor(vendorSessionID string) string {
	if conv, ok := c.childSessions[vendorSessionID]; ok {
		return conv
	}
	return ""
}

func (c *openCode) parseMessageUpdated(props json.RawMessage) ([]conversation.SessionEvent, error) {
	parsed, err := opencode.ParseMessageUpdated(props)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}
	info := parsed.Info

	if info.ID != "" && info.Role != "" {
		c.roles[info.ID] = info.Role
	}
	if info.ID != "" {
		if info.ModelID != "" {
			c.models[info.ID] = info.ModelID
		} else if info.Model != nil {
			c.models[info.ID] = info.Model.ModelID
		}
	}

	if info.Role != "assistant" || info.Tokens == nil {
		return nil, nil
	}

	conv := c.conversationFor(info.SessionID)
	usage := map[string]interface{}{
		"inputTokens":  info.Tokens.Input,
		"outputTokens": info.Tokens.Output,
		"totalTokens":  info.Tokens.Total(),
	}
	if info.Tokens.Cache != nil {
		usage["cacheReadTokens"] = info.Tokens.Cache.Read
	}
	meta := map[string]interface{}{"usage": usage}
	if model := c.models[info.ID]; model != "" {
		meta["model"] = model
	}
	return []conversation.SessionEvent{
		c.event(conversation.EventMetadataUpdate, conversation.MetadataUpdatePayload{Metadata: meta}, conv),
	}, nil
}

func (c *openCode) parsePartUpdated(props json.RawMessage) ([]conversation.SessionEvent, error) {
	parsed, err := opencode.ParseMessagePartUpdated(props)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}
	part := parsed.Part
	conv := c.conversationFor(part.SessionID)

	switch part.Type {
	case opencode.PartTypeText:
		if c.roles[part.MessageID] == "user" {
			return c.parseUserText(conv, part.Text), nil
		}
		return c.streamText(conv, &part, parsed.Delta, conversation.BlockAssistantText), nil

	case opencode.PartTypeReasoning:
		return c.streamText(conv, &part, parsed.Delta, conversation.BlockThinking), nil

	case opencode.PartTypeTool:
		return c.parseToolPart(conv, &part), nil

	default:
		return nil, nil
	}
}

// streamText upserts a pending block on the first meaningful text for a part
// and emits text-only deltas afterwards. Cumulative part text wins over the
// delta field, which the server may resend.
func (c *openCode) streamText(conv string, part *opencode.Part, delta string, blockType conversation.BlockType) []conversation.SessionEvent {
	partID := part.ID
	if partID == "" {
		partID = part.MessageID + ":" + part.Type
	}

	state := c.parts[partID]

	var text string
	switch {
	case part.Text != "":
		consumed := 0
		if state != nil {
			consumed = state.consumed
		}
		if len(part.Text) > consumed {
			text = part.Text[consumed:]
		}
	case delta != "" && state == nil:
		text = delta
	}
	if text == "" {
		return nil
	}

	if state == nil {
		state = &partState{blockID: c.ids.next()}
		c.parts[partID] = state
		state.consumed += len(text)
		block := conversation.Block{
			ID:      state.blockID,
			Type:    blockType,
			Status:  conversation.BlockPending,
			Content: text,
		}
		if blockType == conversation.BlockAssistantText {
			block.Model = c.models[part.MessageID]
		}
		return []conversation.SessionEvent{c.upsert(conv, block)}
	}

	state.consumed += len(text)
	return []conversation.SessionEvent{
		c.event(conversation.EventBlockDelta, conversation.BlockDeltaPayload{
			BlockID: state.blockID,
			Delta:   text,
		}, conv),
	}
}

// parseUserText handles user-role text parts: the echo of the prompt that
// started this query reuses its canonical block id, other user text (e.g.
// injected context) is appended as its own message.
func (c *openCode) parseUserText(conv, text string) []conversation.SessionEvent {
	if text == "" {
		return nil
	}
	id := ""
	if conv == "" && c.echoPrompt != "" && text == c.echoPrompt {
		id = c.echoBlockID
		c.echoPrompt = ""
		c.echoBlockID = ""
	}
	if id == "" {
		id = c.ids.next()
	}
	return []conversation.SessionEvent{
		c.upsert(conv, conversation.Block{
			ID:      id,
			Type:    conversation.BlockUserMessage,
			Status:  conversation.BlockComplete,
			Content: text,
		}),
	}
}

func (c *openCode) parseToolPart(conv string, part *opencode.Part) []conversation.SessionEvent {
	if part.State == nil || part.CallID == "" {
		return nil
	}
	state := part.State

	ts, seen := c.tools[part.CallID]
	if !seen {
		ts = &toolState{blockID: part.CallID, name: part.Tool, conv: conv}
		c.tools[part.CallID] = ts
	}

	var events []conversation.SessionEvent

	displayName := state.Title
	if displayName == "" {
		displayName = part.Tool
	}

	if !seen {
		events = append(events, c.upsert(conv, conversation.Block{
			ID:          ts.blockID,
			Type:        conversation.BlockToolUse,
			Status:      conversation.BlockPending,
			ToolName:    part.Tool,
			DisplayName: displayName,
			ToolUseID:   part.CallID,
			Input:       state.Input,
		}))
	}

	// The task tool runs a child session; announce the subagent as soon as
	// its vendor session id is known.
	if part.Tool == "task" {
		events = append(events, c.trackTask(part, state)...)
	}

	switch state.Status {
	case opencode.ToolStatusPending, opencode.ToolStatusRunning:
		if seen && state.Input != nil {
			events = append(events, c.upsert(conv, conversation.Block{
				ID:          ts.blockID,
				Type:        conversation.BlockToolUse,
				Status:      conversation.BlockPending,
				DisplayName: displayName,
				Input:       state.Input,
			}))
		}
		return events

	case opencode.ToolStatusCompleted, opencode.ToolStatusError:
		if ts.done {
			return events
		}
		ts.done = true
		isError := state.Status == opencode.ToolStatusError

		events = append(events, c.upsert(conv, conversation.Block{
			ID:          ts.blockID,
			Type:        conversation.BlockToolUse,
			Status:      conversation.BlockComplete,
			DisplayName: displayName,
			Input:       state.Input,
		}))

		output := state.Output
		if isError && state.Error != "" {
			output = state.Error
		}

		if childConv, ok := c.taskCalls[part.CallID]; ok {
			status := conversation.SubagentCompleted
			if isError {
				status = conversation.SubagentFailed
			}
			events = append(events, c.event(conversation.EventSubagentCompleted, conversation.SubagentCompletedPayload{
				ToolUseID: part.CallID,
				AgentID:   childConv,
				Status:    status,
				Output:    truncateOutput(output),
			}, ""))
		}

		events = append(events, c.upsert(conv, conversation.Block{
			ID:        "result_" + part.CallID,
			Type:      conversation.BlockToolResult,
			Status:    conversation.BlockComplete,
			ToolUseID: part.CallID,
			Output:    truncateOutput(output),
			IsError:   isError,
		}))
		return events

	default:
		return events
	}
}

// trackTask registers the child session of a task tool call and emits
// subagent:spawned once its vendor session id appears in the metadata.
func (c *openCode) trackTask(part *opencode.Part, state *opencode.ToolStateUpdate) []conversation.SessionEvent {
	if _, spawned := c.taskCalls[part.CallID]; spawned {
		return nil
	}
	childID := taskChildSessionID(state.Metadata)
	if childID == "" {
		return nil
	}
	c.taskCalls[part.CallID] = childID
	c.childSessions[childID] = childID

	in := decodeInput(state.Input)
	prompt, _ := in["prompt"].(string)
	description, _ := in["description"].(string)
	subagentType, _ := in["subagent_type"].(string)

	return []conversation.SessionEvent{
		c.event(conversation.EventSubagentSpawned, conversation.SubagentSpawnedPayload{
			ToolUseID:    part.CallID,
			AgentID:      childID,
			Prompt:       prompt,
			SubagentType: subagentType,
			Description:  description,
		}, ""),
	}
}

func taskChildSessionID(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	for _, key := range []string{"sessionID", "sessionId"} {
		if id, ok := m[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}

func (c *openCode) parseIdle(props json.RawMessage) ([]conversation.SessionEvent, error) {
	parsed, err := opencode.ParseSessionIdle(props)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}

	conv := c.conversationFor(parsed.SessionID)
	if conv != "" {
		// A child session went idle; finalize its blocks only.
		return []conversation.SessionEvent{
			c.event(conversation.EventSessionIdle, conversation.SessionIdlePayload{SessionID: c.sessionID}, conv),
		}, nil
	}

	c.Reset()
	return []conversation.SessionEvent{
		c.event(conversation.EventSessionIdle, conversation.SessionIdlePayload{SessionID: c.sessionID}, ""),
	}, nil
}

func (c *openCode) parseError(props json.RawMessage) ([]conversation.SessionEvent, error) {
	parsed, err := opencode.ParseSessionError(props)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}

	message := "runtime error"
	code := ""
	if parsed.Error != nil {
		if m := parsed.Error.GetMessage(); m != "" {
			message = m
		}
		code = parsed.Error.GetKind()
	}

	conv := c.conversationFor(parsed.SessionID)
	return []conversation.SessionEvent{
		c.upsert(conv, conversation.Block{
			ID:      c.ids.next(),
			Type:    conversation.BlockError,
			Status:  conversation.BlockComplete,
			Message: message,
			Code:    code,
		}),
	}, nil
}

// parsePermission surfaces permission requests as warnings. The host runs
// headless: approval is a client concern, the runner auto-replies.
func (c *openCode) parsePermission(props json.RawMessage) ([]conversation.SessionEvent, error) {
	parsed, err := opencode.ParsePermissionAsked(props)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}

	conv := c.conversationFor(parsed.SessionID)
	return []conversation.SessionEvent{
		c.event(conversation.EventLog, conversation.LogPayload{
			Level:   conversation.LogWarn,
			Message: fmt.Sprintf("permission requested: %s", parsed.Permission),
			Data: map[string]interface{}{
				"permissionId": parsed.ID,
				"patterns":     parsed.Patterns,
			},
		}, conv),
	}, nil
}
