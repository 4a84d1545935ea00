package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agenthost/agenthost/pkg/streamjson"
)

// agent serves one stdin/stdout conversation. The process owns the
// conversation: the turn counter and conversation id live for the process
// lifetime, so a host that respawns between queries is observable from the
// output.
type agent struct {
	in  *bufio.Scanner
	out *json.Encoder

	model string
	pace  time.Duration

	conversationID string
	turn           int
	toolSeq        int
}

func newAgent(r io.Reader, w io.Writer, model string, pace time.Duration) *agent {
	in := bufio.NewScanner(r)
	in.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &agent{
		in:             in,
		out:            json.NewEncoder(w),
		model:          model,
		pace:           pace,
		conversationID: fmt.Sprintf("mock_%d", os.Getpid()),
	}
}

// serve reads protocol lines until stdin closes. User messages start a turn;
// control requests are answered inline.
func (a *agent) serve() error {
	for a.in.Scan() {
		line := a.in.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := streamjson.Decode(line)
		if err != nil {
			continue
		}

		switch msg.Type {
		case streamjson.MessageTypeControlRequest:
			a.handleControl(msg)
		case streamjson.MessageTypeUser:
			if msg.Message != nil {
				a.runTurn(msg.Message.Content.Text())
			}
		}
	}
	return a.in.Err()
}

// handleControl answers initialize and interrupt requests. Anything else gets
// an error response so the host's client does not hang on a pending request.
func (a *agent) handleControl(msg *streamjson.Message) {
	subtype := ""
	if msg.Request != nil {
		subtype = msg.Request.Subtype
	}
	switch subtype {
	case streamjson.SubtypeInitialize, streamjson.SubtypeInterrupt:
		a.emit(streamjson.ControlResponseMessage{
			Type:      streamjson.MessageTypeControlResponse,
			RequestID: msg.RequestID,
			Response: &streamjson.ControlResponse{
				Subtype:   "success",
				RequestID: msg.RequestID,
			},
		})
	default:
		a.emit(streamjson.ControlResponseMessage{
			Type:      streamjson.MessageTypeControlResponse,
			RequestID: msg.RequestID,
			Response: &streamjson.ControlResponse{
				Subtype:   "error",
				RequestID: msg.RequestID,
				Error:     "unsupported control request: " + subtype,
			},
		})
	}
}

// runTurn emits the scripted sequence for one prompt and closes the turn with
// a result message. The "fail" scenario emits its own error result.
func (a *agent) runTurn(prompt string) {
	a.turn++

	a.emit(streamjson.Message{
		Type:          streamjson.MessageTypeSystem,
		SessionID:     a.conversationID,
		SessionStatus: "active",
		Model:         a.model,
	})

	if a.runScenario(prompt) {
		a.result(false, "")
	}
}

func (a *agent) emit(msg any) {
	_ = a.out.Encode(msg)
	if a.pace > 0 {
		time.Sleep(a.pace)
	}
}

func (a *agent) nextToolID() string {
	a.toolSeq++
	return fmt.Sprintf("toolu_mock_%04d", a.toolSeq)
}

// assistant emits an assistant message with the given blocks. A non-empty
// parentToolUseID attributes the message to a running subagent.
func (a *agent) assistant(parentToolUseID string, blocks ...streamjson.ContentBlock) {
	a.emit(streamjson.Message{
		Type:            streamjson.MessageTypeAssistant,
		SessionID:       a.conversationID,
		ParentToolUseID: parentToolUseID,
		Message: &streamjson.MessageBody{
			Role:    "assistant",
			Model:   a.model,
			Content: blocks,
			Usage:   &streamjson.Usage{InputTokens: 900, OutputTokens: 180},
		},
	})
}

// toolResult emits the user message that carries a tool's output back.
func (a *agent) toolResult(parentToolUseID, toolUseID, content string) {
	raw, _ := json.Marshal(content)
	a.emit(streamjson.Message{
		Type:            streamjson.MessageTypeUser,
		SessionID:       a.conversationID,
		ParentToolUseID: parentToolUseID,
		Message: &streamjson.MessageBody{
			Role: "user",
			Content: []streamjson.ContentBlock{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   raw,
			}},
		},
	})
}

func (a *agent) text(parentToolUseID, text string) {
	a.assistant(parentToolUseID, streamjson.ContentBlock{Type: "text", Text: text})
}

func (a *agent) thinking(parentToolUseID, thought string) {
	a.assistant(parentToolUseID, streamjson.ContentBlock{Type: "thinking", Thinking: thought})
}

// toolUse emits a tool_use block and returns its id.
func (a *agent) toolUse(parentToolUseID, name string, input map[string]any) string {
	id := a.nextToolID()
	raw, _ := json.Marshal(input)
	a.assistant(parentToolUseID, streamjson.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  name,
		Input: raw,
	})
	return id
}

// result closes the turn. Success carries a structured result object with the
// conversation id; failure carries the error text.
func (a *agent) result(isError bool, errText string) {
	var raw json.RawMessage
	if isError {
		raw, _ = json.Marshal(errText)
	} else {
		raw, _ = json.Marshal(streamjson.ResultData{
			Text:      fmt.Sprintf("turn %d complete", a.turn),
			SessionID: a.conversationID,
		})
	}
	subtype := "success"
	if isError {
		subtype = "error"
	}
	a.emit(streamjson.Message{
		Type:              streamjson.MessageTypeResult,
		SessionID:         a.conversationID,
		Subtype:           subtype,
		IsError:           isError,
		Result:            raw,
		CostUSD:           0.003,
		DurationMS:        int64(a.pace/time.Millisecond) * 4,
		NumTurns:          a.turn,
		TotalInputTokens:  900,
		TotalOutputTokens: 180,
		Usage:             &streamjson.Usage{InputTokens: 900, OutputTokens: 180},
	})
}
