package transcript

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/converter"
)

var claudeTurn = []string{
	`{"type":"system","subtype":"init","session_id":"vendor1","model":"claude-test"}`,
	`{"type":"user","message":{"role":"user","content":"add 2+2"}}`,
	`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`,
	`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"The answer is 4."}}}`,
	`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	`{"type":"assistant","message":{"role":"assistant","model":"claude-test","content":[{"type":"text","text":"The answer is 4."}]}}`,
	`{"type":"result","subtype":"success","usage":{"input_tokens":10,"output_tokens":5}}`,
}

func TestParseOneSplitsLines(t *testing.T) {
	blob := strings.Join(claudeTurn, "\n") + "\n\n"
	raws, err := ParseOne(converter.ArchClaudeSDK, blob)
	if err != nil {
		t.Fatalf("ParseOne: %v", err)
	}
	if len(raws) != len(claudeTurn) {
		t.Fatalf("expected %d messages, got %d", len(claudeTurn), len(raws))
	}
	for i, raw := range raws {
		if !json.Valid(raw) {
			t.Errorf("message %d not valid JSON", i)
		}
	}
}

func TestParseOneRejectsBadInput(t *testing.T) {
	if _, err := ParseOne("unknown-arch", "{}"); err == nil {
		t.Error("expected error for unknown architecture")
	}
	if _, err := ParseOne(converter.ArchClaudeSDK, "not json\n"); err == nil {
		t.Error("expected error for invalid line")
	}
}

func TestParseCombinedReconstructsState(t *testing.T) {
	blob := strings.Join(claudeTurn, "\n") + "\n"
	state, err := ParseCombined(converter.ArchClaudeSDK, Combined{Main: blob}, Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ParseCombined: %v", err)
	}

	if len(state.Blocks) != 2 {
		t.Fatalf("expected user + assistant blocks, got %d: %+v", len(state.Blocks), state.Blocks)
	}
	if state.Blocks[0].Type != conversation.BlockUserMessage || state.Blocks[0].Content != "add 2+2" {
		t.Errorf("unexpected user block: %+v", state.Blocks[0])
	}
	if state.Blocks[1].Type != conversation.BlockAssistantText || state.Blocks[1].Content != "The answer is 4." {
		t.Errorf("unexpected assistant block: %+v", state.Blocks[1])
	}
	if state.Blocks[1].Status != conversation.BlockComplete {
		t.Errorf("assistant block not finalized: %+v", state.Blocks[1])
	}
	if state.Metadata["model"] != "claude-test" {
		t.Errorf("missing model metadata: %+v", state.Metadata)
	}
}

// Replay of a saved transcript must fold to the same state streaming
// produced, modulo wall-clock timestamps.
func TestReplayParityWithStreaming(t *testing.T) {
	lines := []string{
		`{"type":"system","subtype":"init","session_id":"vendor1","model":"claude-test"}`,
		`{"type":"user","message":{"role":"user","content":"sum 2+2"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu1","name":"Task","input":{"prompt":"compute 2+2","subagent_type":"general"}}]}}`,
		`{"type":"user","message":{"role":"user","content":"compute 2+2"}}`,
		`{"type":"assistant","parent_tool_use_id":"tu1","message":{"role":"assistant","content":[{"type":"text","text":"4"}]}}`,
		`{"type":"user","tool_use_result":{"totalDurationMs":20},"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":"4"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","model":"claude-test","content":[{"type":"text","text":"2+2 is 4."}]}}`,
		`{"type":"result","subtype":"success","usage":{"input_tokens":10,"output_tokens":5}}`,
	}

	// Streaming path: one converter over the live message sequence.
	live, err := converter.New(converter.ArchClaudeSDK, converter.Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var liveEvents []conversation.SessionEvent
	for _, line := range lines {
		evs, err := live.ParseEvent(json.RawMessage(line))
		if err != nil {
			t.Fatalf("live ParseEvent: %v", err)
		}
		liveEvents = append(liveEvents, evs...)
	}
	liveState, drops := conversation.Fold(nil, liveEvents)
	if len(drops) != 0 {
		t.Fatalf("live fold dropped events: %v", drops)
	}

	// Replay path: the same lines from a saved blob.
	blob := strings.Join(lines, "\n") + "\n"
	replayState, err := ParseCombined(converter.ArchClaudeSDK, FromConversations(map[string]string{"main": blob}), Options{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ParseCombined: %v", err)
	}

	liveStripped := liveState.StripVolatile()
	replayStripped := replayState.StripVolatile()
	if !reflect.DeepEqual(liveStripped, replayStripped) {
		liveJSON, _ := json.MarshalIndent(liveStripped, "", "  ")
		replayJSON, _ := json.MarshalIndent(replayStripped, "", "  ")
		t.Errorf("replay state diverged from streaming state\nlive:\n%s\nreplay:\n%s", liveJSON, replayJSON)
	}
}

func TestFromConversationsSplitsMainAndChildren(t *testing.T) {
	c := FromConversations(map[string]string{
		"main": "a\n",
		"tu2":  "c\n",
		"tu1":  "b\n",
	})
	if c.Main != "a\n" {
		t.Errorf("unexpected main: %q", c.Main)
	}
	if len(c.Subagents) != 2 || c.Subagents[0].ID != "tu1" || c.Subagents[1].ID != "tu2" {
		t.Errorf("unexpected subagents: %+v", c.Subagents)
	}
}
