package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/agenthost/agenthost/pkg/streamjson"
)

// runScenario plays the sequence selected by the prompt's first word and
// reports whether the caller should emit the default success result.
func (a *agent) runScenario(prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	fields := strings.Fields(strings.ToLower(prompt))
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "fail":
		a.text("", "Something went wrong while processing this request.")
		a.result(true, "mock failure: "+prompt)
		return false
	case "sleep":
		a.sleepScenario(fields)
	case "think":
		a.thinkScenario()
	case "read":
		a.readScenario()
	case "edit":
		a.editScenario()
	case "search":
		a.searchScenario()
	case "delegate":
		a.delegateScenario()
	case "plan":
		a.planScenario()
	default:
		a.thinking("", "Working out what the request needs...")
		a.text("", fmt.Sprintf("turn %d: %s", a.turn, prompt))
	}
	return true
}

// sleepScenario stretches a turn over a wall-clock duration, for exercising
// cancellation and deadline paths. "sleep 2s" sleeps two seconds total.
func (a *agent) sleepScenario(fields []string) {
	total := 2 * time.Second
	if len(fields) > 1 {
		if d, err := time.ParseDuration(fields[1]); err == nil && d > 0 {
			total = d
		}
	}
	const steps = 4
	for i := 1; i <= steps; i++ {
		time.Sleep(total / steps)
		a.text("", fmt.Sprintf("still working (%d/%d)", i, steps))
	}
}

func (a *agent) thinkScenario() {
	for _, thought := range []string{
		"Breaking the problem into smaller pieces.",
		"The tricky part is keeping the state transitions consistent.",
		"A staged rollout avoids the failure mode entirely.",
	} {
		a.thinking("", thought)
	}
	a.text("", "Reasoned through the approach; the staged rollout is the safest option.")
}

// readScenario reads a real file from the working directory so the tool
// result carries plausible content.
func (a *agent) readScenario() {
	path, snippet := sampleFile(20)
	id := a.toolUse("", streamjson.ToolRead, map[string]any{"file_path": path})
	a.toolResult("", id, snippet)
	a.text("", "Read "+path+" and summarized its contents.")
}

// editScenario runs the permission round trip before reporting the edit.
func (a *agent) editScenario() {
	path, _ := sampleFile(1)
	input := map[string]any{
		"file_path":  path,
		"old_string": "before",
		"new_string": "after",
	}
	id := a.toolUse("", streamjson.ToolEdit, input)
	if a.askPermission(streamjson.ToolEdit, id, input) {
		a.toolResult("", id, "edited "+path)
		a.text("", "Applied the edit to "+path+".")
	} else {
		a.text("", "Edit was not permitted; leaving "+path+" unchanged.")
	}
}

func (a *agent) searchScenario() {
	id := a.toolUse("", streamjson.ToolGrep, map[string]any{"pattern": "func ", "path": "."})
	var hits []string
	for i, p := range samplePaths(3) {
		hits = append(hits, fmt.Sprintf("%s:%d:func ", p, (i+1)*7))
	}
	a.toolResult("", id, strings.Join(hits, "\n"))
	a.text("", fmt.Sprintf("Found %d matches.", len(hits)))
}

// delegateScenario spawns a subagent via the Task tool: child messages carry
// the task's tool-use id, and a closing tool_result ends the subagent.
func (a *agent) delegateScenario() {
	taskID := a.toolUse("", streamjson.ToolTask, map[string]any{
		"description": "survey the workspace",
		"prompt":      "List the files and describe the layout",
	})

	a.thinking(taskID, "Surveying the workspace layout...")
	globID := a.toolUse(taskID, streamjson.ToolGlob, map[string]any{"pattern": "**/*"})
	paths := samplePaths(5)
	a.toolResult(taskID, globID, strings.Join(paths, "\n"))
	a.text(taskID, fmt.Sprintf("Survey done: %d files.", len(paths)))

	a.toolResult("", taskID, fmt.Sprintf("subagent finished, %d files surveyed", len(paths)))
	a.text("", "The delegated survey is complete.")
}

func (a *agent) planScenario() {
	id := a.toolUse("", "TodoWrite", map[string]any{
		"todos": []map[string]any{
			{"id": "1", "content": "Outline the change", "status": "completed"},
			{"id": "2", "content": "Implement it", "status": "in_progress"},
			{"id": "3", "content": "Verify behavior", "status": "pending"},
		},
	})
	a.toolResult("", id, "3 todos recorded")
	a.text("", "Plan captured; starting on the implementation.")
}
