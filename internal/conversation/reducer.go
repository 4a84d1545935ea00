package conversation

import (
	"errors"
	"fmt"
)

// Reducer drop reasons. The session emits a log{error} event when a fold
// returns one of these; replay logs and continues. State is returned
// unchanged alongside the error.
var (
	ErrUnknownBlock    = errors.New("delta for unknown block")
	ErrBlockFinalized  = errors.New("delta for finalized block")
	ErrUnknownSubagent = errors.New("event for unknown subagent")
	ErrBadPayload      = errors.New("payload type does not match event type")
)

// Reduce folds one event into the state. It is pure: the input state is
// never mutated, and the same event sequence always yields the same state.
// Events the reducer does not handle (status, query, ee, file, log) return
// the input state unchanged.
func Reduce(state *ConversationState, event SessionEvent) (*ConversationState, error) {
	if state == nil {
		state = NewState()
	}
	switch event.Type {
	case EventBlockUpsert:
		p, ok := payloadAs[BlockUpsertPayload](event.Payload)
		if !ok {
			return state, fmt.Errorf("%w: %s", ErrBadPayload, event.Type)
		}
		return reduceUpsert(state, event, p)
	case EventBlockDelta:
		p, ok := payloadAs[BlockDeltaPayload](event.Payload)
		if !ok {
			return state, fmt.Errorf("%w: %s", ErrBadPayload, event.Type)
		}
		return reduceDelta(state, event, p)
	case EventSubagentSpawned:
		p, ok := payloadAs[SubagentSpawnedPayload](event.Payload)
		if !ok {
			return state, fmt.Errorf("%w: %s", ErrBadPayload, event.Type)
		}
		return reduceSubagentSpawned(state, event, p)
	case EventSubagentCompleted:
		p, ok := payloadAs[SubagentCompletedPayload](event.Payload)
		if !ok {
			return state, fmt.Errorf("%w: %s", ErrBadPayload, event.Type)
		}
		return reduceSubagentCompleted(state, p)
	case EventMetadataUpdate:
		p, ok := payloadAs[MetadataUpdatePayload](event.Payload)
		if !ok {
			return state, fmt.Errorf("%w: %s", ErrBadPayload, event.Type)
		}
		return reduceMetadata(state, event, p)
	case EventSessionIdle:
		return reduceIdle(state, event)
	default:
		return state, nil
	}
}

// Fold replays a sequence of events over an initial state.
func Fold(initial *ConversationState, events []SessionEvent) (*ConversationState, []error) {
	state := initial
	if state == nil {
		state = NewState()
	}
	var dropped []error
	for _, e := range events {
		next, err := Reduce(state, e)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		state = next
	}
	return state, dropped
}

func payloadAs[T any](payload interface{}) (T, bool) {
	if v, ok := payload.(T); ok {
		return v, true
	}
	if p, ok := payload.(*T); ok && p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

func reduceUpsert(state *ConversationState, event SessionEvent, p BlockUpsertPayload) (*ConversationState, error) {
	block := p.Block
	if block.ID == "" {
		return state, fmt.Errorf("%w: upsert without block id", ErrBadPayload)
	}
	if block.Status == "" {
		block.Status = BlockComplete
	}
	if block.Timestamp == 0 {
		block.Timestamp = event.Context.TimestampMs
	}

	convID := event.ConversationID()
	blocks, replace, err := conversationBlocks(state, convID)
	if err != nil {
		return state, err
	}

	next := make([]Block, len(blocks))
	copy(next, blocks)
	if i := indexOf(next, block.ID); i >= 0 {
		next[i] = mergeBlock(next[i], block)
	} else {
		next = append(next, block)
	}
	return replace(next), nil
}

func reduceDelta(state *ConversationState, event SessionEvent, p BlockDeltaPayload) (*ConversationState, error) {
	convID := event.ConversationID()
	blocks, replace, err := conversationBlocks(state, convID)
	if err != nil {
		return state, err
	}
	i := indexOf(blocks, p.BlockID)
	if i < 0 {
		return state, fmt.Errorf("%w: %s in %s", ErrUnknownBlock, p.BlockID, convID)
	}
	if blocks[i].Status != BlockPending {
		return state, fmt.Errorf("%w: %s in %s", ErrBlockFinalized, p.BlockID, convID)
	}

	next := make([]Block, len(blocks))
	copy(next, blocks)
	next[i].Content += p.Delta
	return replace(next), nil
}

func reduceSubagentSpawned(state *ConversationState, event SessionEvent, p SubagentSpawnedPayload) (*ConversationState, error) {
	id := p.AgentID
	if id == "" {
		id = p.ToolUseID
	}
	if id == "" {
		return state, fmt.Errorf("%w: spawned without agent or tool-use id", ErrBadPayload)
	}
	if state.Subagent(id) != nil {
		return state, nil // idempotent re-spawn
	}

	name := p.SubagentType
	if name == "" {
		name = p.Description
	}

	cp := shallowClone(state)
	cp.Subagents = append(copySubagents(state.Subagents), SubagentConversation{
		ID:        id,
		Name:      name,
		ToolUseID: p.ToolUseID,
		Status:    SubagentRunning,
		Blocks:    []Block{},
	})

	// The parent conversation shows the subagent as a block alongside the
	// tool_use that spawned it.
	parent := make([]Block, len(state.Blocks), len(state.Blocks)+1)
	copy(parent, state.Blocks)
	parent = append(parent, Block{
		ID:         "subagent_" + id,
		Type:       BlockSubagent,
		Timestamp:  event.Context.TimestampMs,
		Status:     BlockPending,
		SubagentID: id,
		Name:       name,
		Content:    p.Prompt,
		ToolUseID:  p.ToolUseID,
	})
	cp.Blocks = parent
	return cp, nil
}

func reduceSubagentCompleted(state *ConversationState, p SubagentCompletedPayload) (*ConversationState, error) {
	idx := -1
	for i := range state.Subagents {
		if (p.AgentID != "" && state.Subagents[i].ID == p.AgentID) ||
			(p.ToolUseID != "" && state.Subagents[i].ToolUseID == p.ToolUseID) ||
			(p.ToolUseID != "" && state.Subagents[i].ID == p.ToolUseID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return state, fmt.Errorf("%w: completed for %s/%s", ErrUnknownSubagent, p.AgentID, p.ToolUseID)
	}

	status := p.Status
	if status == "" {
		status = SubagentCompleted
	}

	cp := shallowClone(state)
	cp.Subagents = copySubagents(state.Subagents)
	sa := &cp.Subagents[idx]
	sa.Status = status
	if p.Output != "" {
		sa.Output = p.Output
	}
	if p.DurationMs != 0 {
		sa.DurationMs = p.DurationMs
	}
	// Finalize any blocks the child stream left pending.
	sa.Blocks = finalizeBlocks(sa.Blocks)

	// Mirror completion onto the parent's subagent block.
	parent := make([]Block, len(state.Blocks))
	copy(parent, state.Blocks)
	for i := range parent {
		if parent[i].Type == BlockSubagent && parent[i].SubagentID == sa.ID {
			parent[i].Status = BlockComplete
			if p.Output != "" {
				parent[i].Output = p.Output
			}
			if p.DurationMs != 0 {
				parent[i].DurationMs = p.DurationMs
			}
			parent[i].IsError = parent[i].IsError || status == SubagentFailed
			break
		}
	}
	cp.Blocks = parent
	return cp, nil
}

func reduceMetadata(state *ConversationState, event SessionEvent, p MetadataUpdatePayload) (*ConversationState, error) {
	if len(p.Metadata) == 0 {
		return state, nil
	}
	convID := event.ConversationID()
	cp := shallowClone(state)
	if convID == MainConversationID {
		cp.Metadata = mergeMetadata(state.Metadata, p.Metadata)
		return cp, nil
	}

	idx := -1
	for i := range state.Subagents {
		if state.Subagents[i].ID == convID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return state, fmt.Errorf("%w: metadata for %s", ErrUnknownSubagent, convID)
	}
	cp.Subagents = copySubagents(state.Subagents)
	cp.Subagents[idx].Metadata = mergeMetadata(state.Subagents[idx].Metadata, p.Metadata)
	return cp, nil
}

func reduceIdle(state *ConversationState, event SessionEvent) (*ConversationState, error) {
	convID := event.ConversationID()
	if convID == MainConversationID {
		if !hasPending(state.Blocks) {
			return state, nil
		}
		cp := shallowClone(state)
		cp.Blocks = finalizeBlocks(state.Blocks)
		return cp, nil
	}

	idx := -1
	for i := range state.Subagents {
		if state.Subagents[i].ID == convID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return state, fmt.Errorf("%w: idle for %s", ErrUnknownSubagent, convID)
	}
	if !hasPending(state.Subagents[idx].Blocks) {
		return state, nil
	}
	cp := shallowClone(state)
	cp.Subagents = copySubagents(state.Subagents)
	cp.Subagents[idx].Blocks = finalizeBlocks(state.Subagents[idx].Blocks)
	return cp, nil
}

// conversationBlocks resolves the target block list and a function that
// produces a new state with that list replaced.
func conversationBlocks(state *ConversationState, convID string) ([]Block, func([]Block) *ConversationState, error) {
	if convID == MainConversationID {
		return state.Blocks, func(next []Block) *ConversationState {
			cp := shallowClone(state)
			cp.Blocks = next
			return cp
		}, nil
	}
	idx := -1
	for i := range state.Subagents {
		if state.Subagents[i].ID == convID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSubagent, convID)
	}
	return state.Subagents[idx].Blocks, func(next []Block) *ConversationState {
		cp := shallowClone(state)
		cp.Subagents = copySubagents(state.Subagents)
		cp.Subagents[idx].Blocks = next
		return cp
	}, nil
}

// mergeBlock merges src into dst. A pending dst takes every non-zero field
// from src; a complete dst only has missing fields supplied, existing data
// is never overwritten. Status moves pending to complete, never back.
func mergeBlock(dst, src Block) Block {
	fillOnly := dst.Status == BlockComplete

	setStr := func(d *string, s string) {
		if s == "" {
			return
		}
		if fillOnly && *d != "" {
			return
		}
		*d = s
	}

	setStr(&dst.Content, src.Content)
	setStr(&dst.Model, src.Model)
	setStr(&dst.ToolName, src.ToolName)
	setStr(&dst.DisplayName, src.DisplayName)
	setStr(&dst.ToolUseID, src.ToolUseID)
	setStr(&dst.Output, src.Output)
	setStr(&dst.SubagentID, src.SubagentID)
	setStr(&dst.Name, src.Name)
	setStr(&dst.SkillName, src.SkillName)
	setStr(&dst.Subtype, src.Subtype)
	setStr(&dst.Message, src.Message)
	setStr(&dst.Code, src.Code)

	if src.Input != nil && (!fillOnly || dst.Input == nil) {
		dst.Input = src.Input
	}
	if src.DurationMs != 0 && (!fillOnly || dst.DurationMs == 0) {
		dst.DurationMs = src.DurationMs
	}
	if src.IsError {
		dst.IsError = true
	}
	if dst.Timestamp == 0 {
		dst.Timestamp = src.Timestamp
	}
	if dst.Status == BlockPending && src.Status == BlockComplete {
		dst.Status = BlockComplete
	}
	return dst
}

func indexOf(blocks []Block, id string) int {
	for i := range blocks {
		if blocks[i].ID == id {
			return i
		}
	}
	return -1
}

func hasPending(blocks []Block) bool {
	for i := range blocks {
		if blocks[i].Status == BlockPending {
			return true
		}
	}
	return false
}

func finalizeBlocks(blocks []Block) []Block {
	next := make([]Block, len(blocks))
	copy(next, blocks)
	for i := range next {
		if next[i].Status == BlockPending {
			next[i].Status = BlockComplete
		}
	}
	return next
}

func shallowClone(state *ConversationState) *ConversationState {
	cp := *state
	return &cp
}

func mergeMetadata(dst, src map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		merged[k] = v
	}
	for k, v := range src {
		merged[k] = v
	}
	return merged
}

func copySubagents(subagents []SubagentConversation) []SubagentConversation {
	next := make([]SubagentConversation, len(subagents))
	copy(next, subagents)
	return next
}
