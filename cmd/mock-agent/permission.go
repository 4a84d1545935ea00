package main

import (
	"fmt"

	"github.com/agenthost/agenthost/pkg/streamjson"
)

// askPermission emits a can_use_tool control request and blocks on stdin for
// the host's verdict. A missing result or an error response counts as denied,
// which matches hosts that auto-reject unhandled permission requests.
func (a *agent) askPermission(tool, toolUseID string, input map[string]any) bool {
	requestID := fmt.Sprintf("perm_%s_%s", tool, toolUseID)
	a.emit(streamjson.Message{
		Type:      streamjson.MessageTypeControlRequest,
		RequestID: requestID,
		Request: &streamjson.ControlRequest{
			Subtype:   streamjson.SubtypeCanUseTool,
			ToolName:  tool,
			ToolUseID: toolUseID,
			Input:     input,
		},
	})

	for a.in.Scan() {
		line := a.in.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := streamjson.Decode(line)
		if err != nil {
			continue
		}
		if msg.Type != streamjson.MessageTypeControlResponse || msg.Response == nil {
			continue
		}
		return msg.Response.Result != nil &&
			msg.Response.Result.Behavior == streamjson.BehaviorAllow
	}
	return false
}
