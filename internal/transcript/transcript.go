// Package transcript reconstructs conversation state from persisted raw
// transcripts. Replay runs the same converters and the same reducer as live
// streaming, so a loaded session folds to the state it had when saved.
package transcript

import (
	"bufio"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/converter"
	"github.com/agenthost/agenthost/internal/errdefs"
)

// SubagentTranscript is one child conversation's raw transcript.
type SubagentTranscript struct {
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
}

// Combined is the container for a session's transcripts: the main
// conversation plus any subagent conversations saved separately.
type Combined struct {
	Main      string               `json:"main"`
	Subagents []SubagentTranscript `json:"subagents,omitempty"`
}

// FromConversations builds a Combined from the per-conversation map a
// storage adapter returns. An empty or "main" key is the main conversation.
func FromConversations(byConv map[string]string) Combined {
	var c Combined
	for conv, blob := range byConv {
		if conv == "" || conv == conversation.MainConversationID {
			c.Main += blob
			continue
		}
		c.Subagents = append(c.Subagents, SubagentTranscript{ID: conv, Transcript: blob})
	}
	sort.Slice(c.Subagents, func(i, j int) bool { return c.Subagents[i].ID < c.Subagents[j].ID })
	return c
}

// Options configures a replay.
type Options struct {
	SessionID string
	Logger    *logger.Logger
}

// ParseOne splits a raw transcript blob into its individual messages.
// Both supported architectures persist newline-delimited JSON.
func ParseOne(arch, blob string) ([]json.RawMessage, error) {
	switch arch {
	case converter.ArchClaudeSDK, converter.ArchOpenCode:
	default:
		return nil, errdefs.New(errdefs.CodeProtocolError, "unsupported architecture %q", arch)
	}

	var out []json.RawMessage
	scanner := bufio.NewScanner(strings.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return nil, errdefs.New(errdefs.CodeProtocolError, "transcript line is not valid JSON")
		}
		out = append(out, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeProtocolError, err, "failed to scan transcript")
	}
	return out, nil
}

// ParseCombined folds a combined transcript into conversation state. Messages
// that fail to convert and events the reducer drops are logged and skipped;
// replay is best-effort over whatever the transcript holds.
func ParseCombined(arch string, t Combined, opts Options) (*conversation.ConversationState, error) {
	mainConv, err := converter.New(arch, converter.Options{SessionID: opts.SessionID, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	return ReplayCombined(mainConv, arch, t, opts)
}

// ReplayCombined is ParseCombined with a caller-owned converter for the main
// conversation. A live session replays through its own converter so block id
// allocation continues where the saved transcript left off and later stream
// events land on the same blocks.
func ReplayCombined(mainConv converter.Converter, arch string, t Combined, opts Options) (*conversation.ConversationState, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "transcript"))

	events, err := replayBlob(mainConv, arch, t.Main, "", log)
	if err != nil {
		return nil, err
	}

	// Child transcripts replay after the main one so every subagent:spawned
	// precedes the blocks inside that subagent.
	for _, sub := range t.Subagents {
		subConv, err := converter.New(arch, converter.Options{SessionID: opts.SessionID, Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		subEvents, err := replayBlob(subConv, arch, sub.Transcript, sub.ID, log)
		if err != nil {
			return nil, err
		}
		events = append(events, subEvents...)
	}

	state, dropped := conversation.Fold(nil, events)
	for _, dropErr := range dropped {
		log.Warn("replay dropped event", zap.Error(dropErr))
	}

	return finalize(state, opts), nil
}

// replayBlob runs one conversation's messages through the given converter.
// forceConv retargets events that a per-conversation transcript emits without
// conversation context.
func replayBlob(conv converter.Converter, arch, blob, forceConv string, log *logger.Logger) ([]conversation.SessionEvent, error) {
	if blob == "" {
		return nil, nil
	}
	raws, err := ParseOne(arch, blob)
	if err != nil {
		return nil, err
	}

	var events []conversation.SessionEvent
	for _, raw := range raws {
		parsed, err := conv.ParseEvent(raw)
		if err != nil {
			log.Warn("replay skipped malformed message", zap.Error(err))
			continue
		}
		for _, e := range parsed {
			if forceConv != "" && e.Context.ConversationID == "" {
				e.Context.ConversationID = forceConv
			}
			events = append(events, e)
		}
	}
	return events, nil
}

// finalize closes whatever a truncated transcript left open: running
// subagents complete as failed (matching what the live session synthesizes at
// query end) and pending blocks flip to complete.
func finalize(state *conversation.ConversationState, opts Options) *conversation.ConversationState {
	for _, sa := range state.Subagents {
		if sa.Status != conversation.SubagentRunning {
			continue
		}
		ev := conversation.NewEvent(conversation.EventSubagentCompleted, conversation.SubagentCompletedPayload{
			ToolUseID: sa.ToolUseID,
			AgentID:   sa.ID,
			Status:    conversation.SubagentFailed,
		}, opts.SessionID, "", conversation.SourceSupervisor)
		state, _ = conversation.Reduce(state, ev)
	}

	idle := conversation.NewEvent(conversation.EventSessionIdle, conversation.SessionIdlePayload{SessionID: opts.SessionID},
		opts.SessionID, "", conversation.SourceSupervisor)
	state, _ = conversation.Reduce(state, idle)
	for _, sa := range state.Subagents {
		idle := conversation.NewEvent(conversation.EventSessionIdle, conversation.SessionIdlePayload{SessionID: opts.SessionID},
			opts.SessionID, sa.ID, conversation.SourceSupervisor)
		state, _ = conversation.Reduce(state, idle)
	}
	return state
}
