package streamjson

import (
	"encoding/json"
	"testing"
)

func TestMessage_GetResultData(t *testing.T) {
	tests := []struct {
		name     string
		result   json.RawMessage
		wantNil  bool
		wantText string
	}{
		{
			name:    "empty result",
			result:  nil,
			wantNil: true,
		},
		{
			name:    "string result (error)",
			result:  json.RawMessage(`"error message"`),
			wantNil: true, // GetResultData returns nil for strings
		},
		{
			name:     "object result with text",
			result:   json.RawMessage(`{"text":"success message","session_id":"abc123"}`),
			wantNil:  false,
			wantText: "success message",
		},
		{
			name:    "invalid JSON",
			result:  json.RawMessage(`{invalid`),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Result: tt.result}
			got := msg.GetResultData()
			switch {
			case tt.wantNil:
				if got != nil {
					t.Errorf("GetResultData() = %v, want nil", got)
				}
			case got == nil:
				t.Fatalf("GetResultData() = nil, want non-nil")
			case got.Text != tt.wantText:
				t.Errorf("GetResultData().Text = %q, want %q", got.Text, tt.wantText)
			}
		})
	}
}

func TestMessage_GetResultString(t *testing.T) {
	tests := []struct {
		name   string
		result json.RawMessage
		want   string
	}{
		{
			name:   "empty result",
			result: nil,
			want:   "",
		},
		{
			name:   "string result",
			result: json.RawMessage(`"error message"`),
			want:   "error message",
		},
		{
			name:   "object result",
			result: json.RawMessage(`{"text":"success"}`),
			want:   "", // GetResultString returns empty for objects
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Result: tt.result}
			got := msg.GetResultString()
			if got != tt.want {
				t.Errorf("GetResultString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode_SystemMessage(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc123","model":"claude-sonnet-4"}`)
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Type != MessageTypeSystem {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeSystem)
	}
	if msg.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want %q", msg.SessionID, "abc123")
	}
	if msg.Model != "claude-sonnet-4" {
		t.Errorf("Model = %q, want %q", msg.Model, "claude-sonnet-4")
	}
}

func TestDecode_AssistantMessage(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"id":"msg_1","role":"assistant","content":[{"type":"text","text":"Hello"}],"model":"claude-3"}}`)
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.Type != MessageTypeAssistant {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeAssistant)
	}
	if msg.Message == nil {
		t.Fatal("Message is nil")
	}
	if msg.Message.Model != "claude-3" {
		t.Errorf("Message.Model = %q, want %q", msg.Message.Model, "claude-3")
	}
	if len(msg.Message.Content) != 1 || msg.Message.Content[0].Text != "Hello" {
		t.Errorf("Content = %+v, want one text block", msg.Message.Content)
	}
}

func TestDecode_SubagentEnvelope(t *testing.T) {
	line := []byte(`{"type":"assistant","parent_tool_use_id":"toolu_task1","message":{"role":"assistant","content":[{"type":"text","text":"child"}]}}`)
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.ParentToolUseID != "toolu_task1" {
		t.Errorf("ParentToolUseID = %q, want %q", msg.ParentToolUseID, "toolu_task1")
	}
}

func TestDecode_StreamEvent(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantType  string
		wantDelta string
	}{
		{
			name:     "content_block_start",
			json:     `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}}`,
			wantType: StreamContentStart,
		},
		{
			name:      "text delta",
			json:      `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"chunk"}}}`,
			wantType:  StreamContentDelta,
			wantDelta: "chunk",
		},
		{
			name:     "content_block_stop",
			json:     `{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
			wantType: StreamContentStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.json))
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if msg.Type != MessageTypeStreamEvent {
				t.Fatalf("Type = %q, want stream_event", msg.Type)
			}
			if msg.Event == nil {
				t.Fatal("Event is nil")
			}
			if msg.Event.Type != tt.wantType {
				t.Errorf("Event.Type = %q, want %q", msg.Event.Type, tt.wantType)
			}
			if tt.wantDelta != "" && (msg.Event.Delta == nil || msg.Event.Delta.Text != tt.wantDelta) {
				t.Errorf("Event.Delta = %+v, want text %q", msg.Event.Delta, tt.wantDelta)
			}
		})
	}
}

func TestMessageContent_StringForm(t *testing.T) {
	var body MessageBody
	if err := json.Unmarshal([]byte(`{"role":"user","content":"plain prompt"}`), &body); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(body.Content) != 1 {
		t.Fatalf("Content has %d blocks, want 1", len(body.Content))
	}
	if body.Content[0].Type != "text" || body.Content[0].Text != "plain prompt" {
		t.Errorf("Content[0] = %+v, want text block", body.Content[0])
	}
	if body.Content.Text() != "plain prompt" {
		t.Errorf("Text() = %q, want %q", body.Content.Text(), "plain prompt")
	}
}

func TestContentBlock_Types(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		check func(t *testing.T, block ContentBlock)
	}{
		{
			name: "text block",
			json: `{"type":"text","text":"Hello world"}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Type != "text" {
					t.Errorf("Type = %q, want %q", block.Type, "text")
				}
				if block.Text != "Hello world" {
					t.Errorf("Text = %q, want %q", block.Text, "Hello world")
				}
			},
		},
		{
			name: "thinking block",
			json: `{"type":"thinking","thinking":"Let me analyze..."}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.Thinking != "Let me analyze..." {
					t.Errorf("Thinking = %q, want %q", block.Thinking, "Let me analyze...")
				}
			},
		},
		{
			name: "tool_use block",
			json: `{"type":"tool_use","id":"tool123","name":"Bash","input":{"command":"ls"}}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.ID != "tool123" {
					t.Errorf("ID = %q, want %q", block.ID, "tool123")
				}
				if block.Name != ToolBash {
					t.Errorf("Name = %q, want %q", block.Name, ToolBash)
				}
				if block.InputMap()["command"] != "ls" {
					t.Errorf("InputMap()[command] = %v, want %q", block.InputMap()["command"], "ls")
				}
			},
		},
		{
			name: "tool_result block",
			json: `{"type":"tool_result","tool_use_id":"tool123","content":"output","is_error":false}`,
			check: func(t *testing.T, block ContentBlock) {
				if block.ToolUseID != "tool123" {
					t.Errorf("ToolUseID = %q, want %q", block.ToolUseID, "tool123")
				}
				if block.ResultContent() != "output" {
					t.Errorf("ResultContent() = %q, want %q", block.ResultContent(), "output")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			tt.check(t, block)
		})
	}
}

func TestContentBlock_ResultContent(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "string content",
			json: `{"type":"tool_result","tool_use_id":"t1","content":"hello world"}`,
			want: "hello world",
		},
		{
			name: "array of text blocks",
			json: `{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"line 1"},{"type":"text","text":"line 2"}]}`,
			want: "line 1\nline 2",
		},
		{
			name: "empty content",
			json: `{"type":"tool_result","tool_use_id":"t1"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			got := block.ResultContent()
			if got != tt.want {
				t.Errorf("ResultContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_ToolUseResult(t *testing.T) {
	line := []byte(`{
		"type":"user",
		"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"result"}]},
		"tool_use_result":{"status":"completed","agentId":"agent-7","totalDurationMs":1500,"totalTokens":4000,"totalToolUseCount":2},
		"session_id":"sess-1"
	}`)
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.ToolUseResult == nil {
		t.Fatal("ToolUseResult is nil")
	}
	if msg.ToolUseResult.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want %q", msg.ToolUseResult.AgentID, "agent-7")
	}
	if msg.ToolUseResult.Status != "completed" {
		t.Errorf("Status = %q, want %q", msg.ToolUseResult.Status, "completed")
	}
	if msg.ToolUseResult.TotalDurationMs != 1500 {
		t.Errorf("TotalDurationMs = %d, want 1500", msg.ToolUseResult.TotalDurationMs)
	}
}

func TestMessage_ResultTotals(t *testing.T) {
	line := []byte(`{"type":"result","total_cost_usd":0.123,"duration_ms":2500,"num_turns":3,"is_error":false,"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":2000},"model_usage":{"claude-sonnet-4":{"context_window":200000}}}`)
	msg, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg.CostUSD != 0.123 {
		t.Errorf("CostUSD = %f, want 0.123", msg.CostUSD)
	}
	if msg.Usage == nil || msg.Usage.TotalTokens() != 2150 {
		t.Errorf("Usage.TotalTokens() = %v, want 2150", msg.Usage.TotalTokens())
	}
	stats, ok := msg.ModelUsage["claude-sonnet-4"]
	if !ok {
		t.Fatal("model_usage missing claude-sonnet-4")
	}
	if stats.ContextWindow == nil || *stats.ContextWindow != 200000 {
		t.Errorf("ContextWindow = %v, want 200000", stats.ContextWindow)
	}
}

func TestUserMessage_JSONMarshal(t *testing.T) {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: "Hello!",
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	expected := `{"type":"user","message":{"role":"user","content":"Hello!"}}`
	if string(data) != expected {
		t.Errorf("Marshal() = %s, want %s", string(data), expected)
	}
}

func TestControlResponseMessage_JSONMarshal(t *testing.T) {
	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: BehaviorAllow,
			},
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}

	if parsed["type"] != MessageTypeControlResponse {
		t.Errorf("type = %v, want %q", parsed["type"], MessageTypeControlResponse)
	}
	if parsed["request_id"] != "req123" {
		t.Errorf("request_id = %v, want %q", parsed["request_id"], "req123")
	}
}

func TestControlRequest_JSONParsing(t *testing.T) {
	jsonStr := `{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls -la"},"tool_use_id":"tool123"}`
	var req ControlRequest
	if err := json.Unmarshal([]byte(jsonStr), &req); err != nil {
		t.Fatalf("failed to parse control request: %v", err)
	}
	if req.Subtype != SubtypeCanUseTool {
		t.Errorf("Subtype = %q, want %q", req.Subtype, SubtypeCanUseTool)
	}
	if req.ToolName != ToolBash {
		t.Errorf("ToolName = %q, want %q", req.ToolName, ToolBash)
	}
	if req.Input["command"] != "ls -la" {
		t.Errorf("Input[command] = %v, want %q", req.Input["command"], "ls -la")
	}
}
