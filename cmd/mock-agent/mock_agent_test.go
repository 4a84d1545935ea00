package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/agenthost/agenthost/pkg/streamjson"
)

func userLine(prompt string) string {
	line, _ := json.Marshal(streamjson.UserMessage{
		Type:    streamjson.MessageTypeUser,
		Message: streamjson.UserMessageBody{Role: "user", Content: prompt},
	})
	return string(line)
}

// driveAgent feeds the scripted stdin lines through a fresh agent and decodes
// everything it wrote to stdout.
func driveAgent(t *testing.T, stdin ...string) []*streamjson.Message {
	t.Helper()
	var out bytes.Buffer
	a := newAgent(strings.NewReader(strings.Join(stdin, "\n")+"\n"), &out, "mock-model", 0)
	if err := a.serve(); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var msgs []*streamjson.Message
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		msg, err := streamjson.Decode(scanner.Bytes())
		if err != nil {
			t.Fatalf("output line is not valid stream-json: %v\n%s", err, scanner.Text())
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func messagesOfType(msgs []*streamjson.Message, typ string) []*streamjson.Message {
	var out []*streamjson.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestTurnCounterAdvancesWithinOneProcess(t *testing.T) {
	msgs := driveAgent(t, userLine("hello"), userLine("again"))

	results := messagesOfType(msgs, streamjson.MessageTypeResult)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].NumTurns != 1 || results[1].NumTurns != 2 {
		t.Errorf("turn counter did not advance: %d then %d", results[0].NumTurns, results[1].NumTurns)
	}

	systems := messagesOfType(msgs, streamjson.MessageTypeSystem)
	if len(systems) != 2 {
		t.Fatalf("expected 2 system messages, got %d", len(systems))
	}
	if systems[0].SessionID == "" || systems[0].SessionID != systems[1].SessionID {
		t.Errorf("conversation id not stable: %q then %q", systems[0].SessionID, systems[1].SessionID)
	}
	if data := results[1].GetResultData(); data == nil || data.SessionID != systems[0].SessionID {
		t.Errorf("result does not carry the conversation id: %+v", results[1])
	}

	var sawSecondTurnText bool
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeAssistant) {
		if strings.Contains(m.Message.Content.Text(), "turn 2: again") {
			sawSecondTurnText = true
		}
	}
	if !sawSecondTurnText {
		t.Error("second turn text missing from assistant output")
	}
}

func TestFailScenarioEmitsErrorResult(t *testing.T) {
	msgs := driveAgent(t, userLine("fail badly"))

	results := messagesOfType(msgs, streamjson.MessageTypeResult)
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 result, got %d", len(results))
	}
	res := results[0]
	if !res.IsError || res.Subtype != "error" {
		t.Errorf("expected error result, got %+v", res)
	}
	if !strings.Contains(res.GetResultString(), "mock failure") {
		t.Errorf("error text missing: %q", res.GetResultString())
	}
}

func TestDelegateScenarioParentsChildMessages(t *testing.T) {
	msgs := driveAgent(t, userLine("delegate"))

	var taskID string
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeAssistant) {
		for _, b := range m.Message.Content {
			if b.Type == "tool_use" && b.Name == streamjson.ToolTask {
				taskID = b.ID
			}
		}
	}
	if taskID == "" {
		t.Fatal("no Task tool_use emitted")
	}

	children := 0
	for _, m := range msgs {
		if m.ParentToolUseID == taskID {
			children++
		}
	}
	if children == 0 {
		t.Error("no child messages attributed to the Task tool use")
	}

	var closed bool
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeUser) {
		if m.ParentToolUseID != "" {
			continue
		}
		for _, b := range m.Message.Content {
			if b.Type == "tool_result" && b.ToolUseID == taskID {
				closed = true
			}
		}
	}
	if !closed {
		t.Error("subagent never closed with a top-level tool_result")
	}
}

func TestEditScenarioHonorsPermissionVerdict(t *testing.T) {
	allow, _ := json.Marshal(streamjson.ControlResponseMessage{
		Type: streamjson.MessageTypeControlResponse,
		Response: &streamjson.ControlResponse{
			Subtype: "success",
			Result:  &streamjson.PermissionResult{Behavior: streamjson.BehaviorAllow},
		},
	})
	msgs := driveAgent(t, userLine("edit"), string(allow))

	var asked bool
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeControlRequest) {
		if m.Request != nil && m.Request.Subtype == streamjson.SubtypeCanUseTool {
			asked = true
		}
	}
	if !asked {
		t.Fatal("edit scenario never asked for permission")
	}

	var edited bool
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeUser) {
		for _, b := range m.Message.Content {
			if b.Type == "tool_result" && strings.Contains(b.ResultContent(), "edited") {
				edited = true
			}
		}
	}
	if !edited {
		t.Error("allowed edit produced no tool_result")
	}

	// A denial skips the tool_result and reports the refusal instead.
	deny, _ := json.Marshal(streamjson.ControlResponseMessage{
		Type: streamjson.MessageTypeControlResponse,
		Response: &streamjson.ControlResponse{
			Subtype: "success",
			Result:  &streamjson.PermissionResult{Behavior: streamjson.BehaviorDeny},
		},
	})
	msgs = driveAgent(t, userLine("edit"), string(deny))
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeUser) {
		for _, b := range m.Message.Content {
			if b.Type == "tool_result" && strings.Contains(b.ResultContent(), "edited") {
				t.Error("denied edit still produced a tool_result")
			}
		}
	}
	var refused bool
	for _, m := range messagesOfType(msgs, streamjson.MessageTypeAssistant) {
		if strings.Contains(m.Message.Content.Text(), "not permitted") {
			refused = true
		}
	}
	if !refused {
		t.Error("denied edit did not report the refusal")
	}
}

func TestInitializeControlRequestAcknowledged(t *testing.T) {
	init, _ := json.Marshal(streamjson.SDKControlRequest{
		Type:      streamjson.MessageTypeControlRequest,
		RequestID: "req_init_1",
		Request:   streamjson.SDKControlRequestBody{Subtype: streamjson.SubtypeInitialize},
	})
	msgs := driveAgent(t, string(init))

	resps := messagesOfType(msgs, streamjson.MessageTypeControlResponse)
	if len(resps) != 1 {
		t.Fatalf("expected 1 control response, got %d", len(resps))
	}
	if resps[0].Response == nil || resps[0].Response.Subtype != "success" ||
		resps[0].Response.RequestID != "req_init_1" {
		t.Errorf("unexpected initialize response: %+v", resps[0].Response)
	}
}
