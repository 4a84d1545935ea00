package converter

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/pkg/streamjson"
)

// maxToolOutputBytes caps tool output stored in blocks. Full output stays in
// the raw transcript.
const maxToolOutputBytes = 16 * 1024

// claudeSDK converts stream-json messages into session events. It tracks
// open streaming blocks, in-flight tool calls, and spawned subagents so the
// emitted events satisfy the ordering rules the reducer expects.
type claudeSDK struct {
	log       *logger.Logger
	sessionID string

	ids idAllocator

	// Streaming blocks keyed by (conversation, content index).
	open   map[streamKey]*openBlock
	closed map[streamKey]string

	// In-flight tool calls by tool use id.
	pendingTools map[string]pendingTool

	// Subagents spawned via the Task tool, by tool use id.
	subagents map[string]bool

	prompts *promptCache

	echoPrompt  string
	echoBlockID string

	mainModel string
	initSent  bool
}

type streamKey struct {
	conv  string
	index int
}

type openBlock struct {
	id          string
	blockType   conversation.BlockType
	toolName    string
	partialJSON strings.Builder
}

type pendingTool struct {
	blockID string
	name    string
	conv    string
}

func newClaudeSDK(opts Options) *claudeSDK {
	return &claudeSDK{
		log:          opts.Logger.WithFields(zap.String("converter", ArchClaudeSDK)),
		sessionID:    opts.SessionID,
		open:         make(map[streamKey]*openBlock),
		closed:       make(map[streamKey]string),
		pendingTools: make(map[string]pendingTool),
		subagents:    make(map[string]bool),
		prompts:      newPromptCache(opts.PromptCacheSize),
	}
}

func (c *claudeSDK) RegisterPromptEcho(prompt string) string {
	c.echoPrompt = prompt
	c.echoBlockID = c.ids.next()
	return c.echoBlockID
}

func (c *claudeSDK) Reset() {
	c.open = make(map[streamKey]*openBlock)
	c.closed = make(map[streamKey]string)
	c.echoPrompt = ""
	c.echoBlockID = ""
}

func (c *claudeSDK) ParseEvent(raw json.RawMessage) ([]conversation.SessionEvent, error) {
	msg, err := streamjson.Decode(raw)
	if err != nil {
		return nil, errdefs.ConverterError(err)
	}

	// History replayed on resume and synthetic checkpoints are already
	// reflected in conversation state.
	if msg.IsReplay || msg.IsSynthetic {
		return nil, nil
	}

	conv := ""
	if msg.ParentToolUseID != "" {
		conv = msg.ParentToolUseID
	}

	switch msg.Type {
	case streamjson.MessageTypeSystem:
		return c.parseSystem(msg), nil
	case streamjson.MessageTypeStreamEvent:
		return c.parseStreamEvent(conv, msg), nil
	case streamjson.MessageTypeAssistant:
		return c.parseAssistant(conv, msg), nil
	case streamjson.MessageTypeUser:
		return c.parseUser(conv, msg), nil
	case streamjson.MessageTypeResult:
		return c.parseResult(msg), nil
	case streamjson.MessageTypeControlRequest, streamjson.MessageTypeControlResponse:
		// Control traffic is handled at the transport layer.
		return nil, nil
	default:
		c.log.Warn("unhandled message type", zap.String("type", msg.Type))
		return []conversation.SessionEvent{
			c.event(conversation.EventLog, conversation.LogPayload{
				Level:   conversation.LogWarn,
				Message: "unhandled runtime message type",
				Data:    map[string]interface{}{"type": msg.Type},
			}, conv),
		}, nil
	}
}

func (c *claudeSDK) event(t conversation.EventType, payload interface{}, conv string) conversation.SessionEvent {
	return conversation.NewEvent(t, payload, c.sessionID, conv, conversation.SourceRunner)
}

func (c *claudeSDK) upsert(conv string, block conversation.Block) conversation.SessionEvent {
	return c.event(conversation.EventBlockUpsert, conversation.BlockUpsertPayload{Block: block}, conv)
}

func (c *claudeSDK) parseSystem(msg *streamjson.Message) []conversation.SessionEvent {
	if msg.Subtype == "init" {
		if msg.Model != "" {
			c.mainModel = msg.Model
		}
		if c.initSent {
			return nil
		}
		c.initSent = true
		meta := map[string]interface{}{}
		if msg.SessionID != "" {
			meta["vendorSessionId"] = msg.SessionID
		}
		if msg.Model != "" {
			meta["model"] = msg.Model
		}
		if len(meta) == 0 {
			return nil
		}
		return []conversation.SessionEvent{
			c.event(conversation.EventMetadataUpdate, conversation.MetadataUpdatePayload{Metadata: meta}, ""),
		}
	}

	return []conversation.SessionEvent{
		c.event(conversation.EventLog, conversation.LogPayload{
			Level:   conversation.LogInfo,
			Message: "runtime system notice",
			Data:    map[string]interface{}{"subtype": msg.Subtype, "status": msg.SessionStatus},
		}, ""),
	}
}

// parseStreamEvent handles partial content updates. Blocks opened here are
// later merged with the full assistant message via the closed-index map, so
// each piece of content keeps a single id.
func (c *claudeSDK) parseStreamEvent(conv string, msg *streamjson.Message) []conversation.SessionEvent {
	ev := msg.Event
	if ev == nil {
		return nil
	}

	var events []conversation.SessionEvent
	if conv != "" {
		events = append(events, c.ensureSubagent(conv)...)
	}

	key := streamKey{conv: conv, index: ev.Index}

	switch ev.Type {
	case streamjson.StreamMessageStart:
		if ev.Message != nil && ev.Message.Model != "" {
			c.mainModel = ev.Message.Model
		}
		return events

	case streamjson.StreamContentStart:
		cb := ev.ContentBlock
		if cb == nil {
			return events
		}
		switch cb.Type {
		case "text":
			ob := &openBlock{id: c.ids.next(), blockType: conversation.BlockAssistantText}
			c.open[key] = ob
			events = append(events, c.upsert(conv, conversation.Block{
				ID:      ob.id,
				Type:    conversation.BlockAssistantText,
				Status:  conversation.BlockPending,
				Content: cb.Text,
				Model:   c.mainModel,
			}))
		case "thinking":
			ob := &openBlock{id: c.ids.next(), blockType: conversation.BlockThinking}
			c.open[key] = ob
			events = append(events, c.upsert(conv, conversation.Block{
				ID:      ob.id,
				Type:    conversation.BlockThinking,
				Status:  conversation.BlockPending,
				Content: cb.Thinking,
			}))
		case "tool_use":
			id := cb.ID
			if id == "" {
				id = c.ids.next()
			}
			ob := &openBlock{id: id, blockType: conversation.BlockToolUse, toolName: cb.Name}
			c.open[key] = ob
			events = append(events, c.upsert(conv, conversation.Block{
				ID:          id,
				Type:        conversation.BlockToolUse,
				Status:      conversation.BlockPending,
				ToolName:    cb.Name,
				DisplayName: cb.Name,
				ToolUseID:   cb.ID,
				Input:       cb.Input,
			}))
		}
		return events

	case streamjson.StreamContentDelta:
		ob, ok := c.open[key]
		if !ok {
			c.log.Warn("delta for unknown stream block", zap.Int("index", ev.Index))
			return events
		}
		if ev.Delta == nil {
			return events
		}
		switch ev.Delta.Type {
		case "text_delta":
			events = append(events, c.event(conversation.EventBlockDelta, conversation.BlockDeltaPayload{
				BlockID: ob.id,
				Delta:   ev.Delta.Text,
			}, conv))
		case "thinking_delta":
			events = append(events, c.event(conversation.EventBlockDelta, conversation.BlockDeltaPayload{
				BlockID: ob.id,
				Delta:   ev.Delta.Thinking,
			}, conv))
		case "input_json_delta":
			ob.partialJSON.WriteString(ev.Delta.PartialJSON)
		}
		return events

	case streamjson.StreamContentStop:
		ob, ok := c.open[key]
		if !ok {
			return events
		}
		delete(c.open, key)
		c.closed[key] = ob.id

		if ob.blockType == conversation.BlockToolUse {
			// Input finished streaming; the tool itself is still running.
			block := conversation.Block{
				ID:     ob.id,
				Type:   conversation.BlockToolUse,
				Status: conversation.BlockPending,
			}
			if raw := ob.partialJSON.String(); raw != "" && json.Valid([]byte(raw)) {
				block.Input = json.RawMessage(raw)
				block.DisplayName = toolDisplayName(ob.toolName, decodeInput(block.Input))
			}
			events = append(events, c.upsert(conv, block))
			events = append(events, c.trackToolUse(conv, ob.id, ob.toolName, block.Input)...)
			return events
		}

		events = append(events, c.upsert(conv, conversation.Block{
			ID:     ob.id,
			Type:   ob.blockType,
			Status: conversation.BlockComplete,
		}))
		return events

	case streamjson.StreamMessageDelta, streamjson.StreamMessageStop:
		return events

	default:
		return events
	}
}

// parseAssistant handles a complete assistant message. When the same content
// already streamed, blocks are merged by their recorded ids instead of being
// appended again.
func (c *claudeSDK) parseAssistant(conv string, msg *streamjson.Message) []conversation.SessionEvent {
	body := msg.Message
	if body == nil {
		return nil
	}
	if body.Model != "" {
		c.mainModel = body.Model
	}

	var events []conversation.SessionEvent
	if conv != "" {
		events = append(events, c.ensureSubagent(conv)...)
	}

	for i, cb := range body.Content {
		key := streamKey{conv: conv, index: i}
		streamedID, streamed := c.closed[key]
		if streamed {
			delete(c.closed, key)
		}

		switch cb.Type {
		case "text":
			id := streamedID
			if id == "" {
				id = c.ids.next()
			}
			events = append(events, c.upsert(conv, conversation.Block{
				ID:      id,
				Type:    conversation.BlockAssistantText,
				Status:  conversation.BlockComplete,
				Content: cb.Text,
				Model:   body.Model,
			}))

		case "thinking":
			id := streamedID
			if id == "" {
				id = c.ids.next()
			}
			events = append(events, c.upsert(conv, conversation.Block{
				ID:      id,
				Type:    conversation.BlockThinking,
				Status:  conversation.BlockComplete,
				Content: cb.Thinking,
			}))

		case "tool_use":
			id := cb.ID
			if id == "" {
				id = streamedID
			}
			if id == "" {
				id = c.ids.next()
			}
			_, tracked := c.pendingTools[id]
			events = append(events, c.upsert(conv, conversation.Block{
				ID:          id,
				Type:        conversation.BlockToolUse,
				Status:      conversation.BlockPending,
				ToolName:    cb.Name,
				DisplayName: toolDisplayName(cb.Name, cb.InputMap()),
				ToolUseID:   cb.ID,
				Input:       cb.Input,
			}))
			if !tracked {
				events = append(events, c.trackToolUse(conv, id, cb.Name, cb.Input)...)
			}
		}
	}

	// Any stream blocks this message did not claim are stale.
	for key := range c.closed {
		if key.conv == conv {
			delete(c.closed, key)
		}
	}

	return events
}

// trackToolUse registers an in-flight tool call and, for the Task tool,
// spawns the subagent and registers its prompt for echo suppression.
func (c *claudeSDK) trackToolUse(conv, blockID, name string, input json.RawMessage) []conversation.SessionEvent {
	c.pendingTools[blockID] = pendingTool{blockID: blockID, name: name, conv: conv}

	if name != streamjson.ToolTask || c.subagents[blockID] {
		return nil
	}
	c.subagents[blockID] = true

	in := decodeInput(input)
	prompt, _ := in["prompt"].(string)
	subagentType, _ := in["subagent_type"].(string)
	description, _ := in["description"].(string)
	c.prompts.put(prompt, blockID)

	return []conversation.SessionEvent{
		c.event(conversation.EventSubagentSpawned, conversation.SubagentSpawnedPayload{
			ToolUseID:    blockID,
			Prompt:       prompt,
			SubagentType: subagentType,
			Description:  description,
		}, ""),
	}
}

// ensureSubagent guarantees a spawned event exists before any block is
// routed into that subagent's conversation.
func (c *claudeSDK) ensureSubagent(toolUseID string) []conversation.SessionEvent {
	if c.subagents[toolUseID] {
		return nil
	}
	c.subagents[toolUseID] = true
	return []conversation.SessionEvent{
		c.event(conversation.EventSubagentSpawned, conversation.SubagentSpawnedPayload{
			ToolUseID: toolUseID,
		}, ""),
	}
}

func (c *claudeSDK) parseUser(conv string, msg *streamjson.Message) []conversation.SessionEvent {
	body := msg.Message
	if body == nil {
		return nil
	}

	var events []conversation.SessionEvent
	if conv != "" {
		events = append(events, c.ensureSubagent(conv)...)
	}

	var textParts []string
	for _, cb := range body.Content {
		switch cb.Type {
		case "tool_result":
			events = append(events, c.parseToolResult(msg, &cb)...)
		case "text":
			textParts = append(textParts, cb.Text)
		}
	}

	if len(textParts) > 0 {
		text := strings.Join(textParts, "\n")
		events = append(events, c.parseUserText(conv, text)...)
	}

	return events
}

// parseUserText classifies plain user text: injected skill content, a
// subagent prompt echoed into the main stream, the optimistic echo of the
// current query, or a genuine user message.
func (c *claudeSDK) parseUserText(conv, text string) []conversation.SessionEvent {
	if isSkillInjection(text) {
		return []conversation.SessionEvent{
			c.upsert(conv, conversation.Block{
				ID:        c.ids.next(),
				Type:      conversation.BlockSkillLoad,
				Status:    conversation.BlockComplete,
				SkillName: skillName(text),
				Content:   text,
			}),
		}
	}

	if conv == "" {
		if toolUseID, ok := c.prompts.take(text); ok {
			// The runtime echoes the Task prompt as a top-level user
			// message; it belongs to the child conversation.
			var events []conversation.SessionEvent
			events = append(events, c.ensureSubagent(toolUseID)...)
			events = append(events, c.upsert(toolUseID, conversation.Block{
				ID:      c.ids.next(),
				Type:    conversation.BlockUserMessage,
				Status:  conversation.BlockComplete,
				Content: text,
			}))
			return events
		}

		if c.echoPrompt != "" && text == c.echoPrompt {
			id := c.echoBlockID
			c.echoPrompt = ""
			c.echoBlockID = ""
			return []conversation.SessionEvent{
				c.upsert("", conversation.Block{
					ID:      id,
					Type:    conversation.BlockUserMessage,
					Status:  conversation.BlockComplete,
					Content: text,
				}),
			}
		}
	}

	return []conversation.SessionEvent{
		c.upsert(conv, conversation.Block{
			ID:      c.ids.next(),
			Type:    conversation.BlockUserMessage,
			Status:  conversation.BlockComplete,
			Content: text,
		}),
	}
}

// parseToolResult completes the matching tool_use block, closes the subagent
// when the tool was Task, and appends the tool_result block.
func (c *claudeSDK) parseToolResult(msg *streamjson.Message, cb *streamjson.ContentBlock) []conversation.SessionEvent {
	var events []conversation.SessionEvent

	toolConv := ""
	if pt, ok := c.pendingTools[cb.ToolUseID]; ok {
		toolConv = pt.conv
		delete(c.pendingTools, cb.ToolUseID)
	}

	events = append(events, c.upsert(toolConv, conversation.Block{
		ID:     cb.ToolUseID,
		Type:   conversation.BlockToolUse,
		Status: conversation.BlockComplete,
	}))

	output := truncateOutput(cb.ResultContent())

	if c.subagents[cb.ToolUseID] {
		status := conversation.SubagentCompleted
		if cb.IsError {
			status = conversation.SubagentFailed
		}
		completed := conversation.SubagentCompletedPayload{
			ToolUseID: cb.ToolUseID,
			Status:    status,
			Output:    output,
		}
		if msg.ToolUseResult != nil {
			completed.AgentID = msg.ToolUseResult.AgentID
			completed.DurationMs = msg.ToolUseResult.TotalDurationMs
		}
		events = append(events, c.event(conversation.EventSubagentCompleted, completed, ""))
	}

	result := conversation.Block{
		ID:        "result_" + cb.ToolUseID,
		Type:      conversation.BlockToolResult,
		Status:    conversation.BlockComplete,
		ToolUseID: cb.ToolUseID,
		Output:    output,
		IsError:   cb.IsError,
	}
	if msg.ToolUseResult != nil {
		result.DurationMs = msg.ToolUseResult.TotalDurationMs
	}
	events = append(events, c.upsert(toolConv, result))

	return events
}

// parseResult closes out the turn: every still-pending tool call completes,
// stream scratch clears, and usage totals land in conversation metadata.
func (c *claudeSDK) parseResult(msg *streamjson.Message) []conversation.SessionEvent {
	var events []conversation.SessionEvent

	ids := make([]string, 0, len(c.pendingTools))
	for id := range c.pendingTools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pt := c.pendingTools[id]
		events = append(events, c.upsert(pt.conv, conversation.Block{
			ID:     pt.blockID,
			Type:   conversation.BlockToolUse,
			Status: conversation.BlockComplete,
		}))
		delete(c.pendingTools, id)
	}

	c.Reset()

	meta := map[string]interface{}{}
	if msg.Usage != nil {
		meta["usage"] = map[string]interface{}{
			"inputTokens":              msg.Usage.InputTokens,
			"outputTokens":             msg.Usage.OutputTokens,
			"cacheReadInputTokens":     msg.Usage.CacheReadInputTokens,
			"cacheCreationInputTokens": msg.Usage.CacheCreationInputTokens,
			"totalTokens":              msg.Usage.TotalTokens(),
		}
		meta["contextTokensUsed"] = msg.Usage.TotalTokens()
	}
	if msg.CostUSD > 0 {
		meta["costUsd"] = msg.CostUSD
	}
	if msg.DurationMS > 0 {
		meta["durationMs"] = msg.DurationMS
	}
	if msg.NumTurns > 0 {
		meta["numTurns"] = msg.NumTurns
	}
	if stats, ok := msg.ModelUsage[c.mainModel]; ok && stats.ContextWindow != nil {
		meta["contextWindow"] = *stats.ContextWindow
	}
	if len(meta) > 0 {
		events = append(events, c.event(conversation.EventMetadataUpdate, conversation.MetadataUpdatePayload{Metadata: meta}, ""))
	}

	if msg.IsError {
		message := msg.GetResultString()
		if message == "" {
			if data := msg.GetResultData(); data != nil {
				message = data.Text
			}
		}
		if message == "" {
			message = "query failed"
		}
		events = append(events, c.upsert("", conversation.Block{
			ID:      c.ids.next(),
			Type:    conversation.BlockError,
			Status:  conversation.BlockComplete,
			Message: message,
			Code:    string(errdefs.CodeRunnerFailed),
		}))
	}

	return events
}

func decodeInput(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// toolDisplayName derives a short human-readable title for a tool call.
func toolDisplayName(name string, input map[string]interface{}) string {
	switch name {
	case streamjson.ToolTask:
		subagentType, _ := input["subagent_type"].(string)
		description, _ := input["description"].(string)
		switch {
		case subagentType != "" && description != "":
			return subagentType + ": " + description
		case description != "":
			return description
		case subagentType != "":
			return subagentType
		}
	case streamjson.ToolBash:
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return firstLine(cmd, 80)
		}
	case streamjson.ToolRead, streamjson.ToolWrite, streamjson.ToolEdit:
		if path, ok := input["file_path"].(string); ok && path != "" {
			return name + " " + path
		}
	case streamjson.ToolGlob, streamjson.ToolGrep:
		if pattern, ok := input["pattern"].(string); ok && pattern != "" {
			return name + " " + pattern
		}
	case streamjson.ToolWebFetch:
		if url, ok := input["url"].(string); ok && url != "" {
			return url
		}
	case streamjson.ToolWebSearch:
		if query, ok := input["query"].(string); ok && query != "" {
			return query
		}
	}
	if name == "" {
		return "tool"
	}
	return name
}

func firstLine(s string, limit int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutputBytes {
		return s
	}
	cut := maxToolOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}
