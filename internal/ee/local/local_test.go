package local

import (
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/converter"
	"github.com/agenthost/agenthost/internal/ee"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/runner"
	"github.com/agenthost/agenthost/pkg/streamjson"
)

// counterAgentScript pretends to be a stream-json CLI that remembers how many
// turns it has served. The turn number only increments within one process, so
// it detects an unwanted respawn between queries.
const counterAgentScript = `
n=0
while read line; do
  n=$((n+1))
  printf '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"turn %s"}]}}\n' "$n"
  printf '{"type":"result","subtype":"success","is_error":false,"result":"turn %s"}\n' "$n"
done
`

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return New(config.EEConfig{WorkspaceBasePath: t.TempDir()}, log)
}

func runTurn(t *testing.T, r runner.Runner, ctx context.Context, prompt string) string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	_, err := r.Run(ctx, prompt, func(raw json.RawMessage) {
		mu.Lock()
		lines = append(lines, string(raw))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Run(%q): %v", prompt, err)
	}
	mu.Lock()
	defer mu.Unlock()
	return strings.Join(lines, "\n")
}

// The agent process carries the conversation, so it must survive the
// per-query context: canceling one query's context after its turn completes
// must not kill the process, and the next turn must land in the same one.
func TestAgentProcessSurvivesQueryContextCancel(t *testing.T) {
	d := newTestDriver(t)

	profile := &profiles.Profile{
		ID:           "test-claude",
		Architecture: converter.ArchClaudeSDK,
		Command:      "sh",
		Args:         []string{"-c", counterAgentScript},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	handle, err := d.Create(ctx, ee.CreateRequest{SessionID: "sess-1", Profile: profile})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = d.Terminate(context.Background(), handle) })

	r, err := d.SpawnRunner(handle, converter.ArchClaudeSDK, runner.SpawnOptions{})
	if err != nil {
		t.Fatalf("SpawnRunner: %v", err)
	}
	if c, ok := r.(interface{ Close() }); ok {
		t.Cleanup(c.Close)
	}

	qctx1, qcancel1 := context.WithCancel(ctx)
	first := runTurn(t, r, qctx1, "first")
	qcancel1()
	if !strings.Contains(first, `"turn 1"`) {
		t.Fatalf("first turn output missing turn 1:\n%s", first)
	}

	second := runTurn(t, r, ctx, "second")
	if !strings.Contains(second, `"turn 2"`) {
		t.Fatalf("second turn did not reach the same process (fresh process restarts at turn 1):\n%s", second)
	}
}

func TestCreateBuildsWorkspace(t *testing.T) {
	d := newTestDriver(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := d.Create(ctx, ee.CreateRequest{SessionID: "sess-ws"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = d.Terminate(context.Background(), handle) })

	if handle.Meta["workspace"] == "" {
		t.Fatal("expected workspace path in handle meta")
	}
	if err := d.HealthCheck(ctx, handle); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

// buildMockAgent compiles cmd/mock-agent into a temp dir and returns the
// binary path.
func buildMockAgent(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}
	bin := filepath.Join(t.TempDir(), "mock-agent")
	cmd := exec.Command("go", "build", "-o", bin, "github.com/agenthost/agenthost/cmd/mock-agent")
	cmd.Dir = "../../.."
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building mock-agent: %v\n%s", err, out)
	}
	return bin
}

// TestMockAgentConversationPipeline drives the mock agent binary through the
// local driver and the claude-sdk runner: two turns against one process, with
// a stable conversation id across them.
func TestMockAgentConversationPipeline(t *testing.T) {
	bin := buildMockAgent(t)
	d := newTestDriver(t)

	profile := &profiles.Profile{
		ID:           "mock-agent",
		Architecture: converter.ArchClaudeSDK,
		Command:      bin,
		Args:         []string{"--pace", "1ms"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := d.Create(ctx, ee.CreateRequest{SessionID: "sess-mock", Profile: profile})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = d.Terminate(context.Background(), handle) })

	r, err := d.SpawnRunner(handle, converter.ArchClaudeSDK, runner.SpawnOptions{})
	if err != nil {
		t.Fatalf("SpawnRunner: %v", err)
	}
	if c, ok := r.(interface{ Close() }); ok {
		t.Cleanup(c.Close)
	}

	decodeLines := func(out string) []*streamjson.Message {
		var msgs []*streamjson.Message
		for _, line := range strings.Split(out, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			msg, err := streamjson.Decode([]byte(line))
			if err != nil {
				t.Fatalf("bad stream line: %v\n%s", err, line)
			}
			msgs = append(msgs, msg)
		}
		return msgs
	}

	first := decodeLines(runTurn(t, r, ctx, "hello"))
	second := decodeLines(runTurn(t, r, ctx, "delegate"))

	var firstID, secondID string
	for _, m := range first {
		if m.Type == streamjson.MessageTypeSystem {
			firstID = m.SessionID
		}
	}
	for _, m := range second {
		if m.Type == streamjson.MessageTypeSystem {
			secondID = m.SessionID
		}
	}
	if firstID == "" || firstID != secondID {
		t.Errorf("conversation id not stable across turns: %q then %q", firstID, secondID)
	}

	var turns int
	for _, m := range second {
		if m.Type == streamjson.MessageTypeResult {
			turns = m.NumTurns
		}
	}
	if turns != 2 {
		t.Errorf("second turn did not reach the same process, num_turns = %d", turns)
	}

	var sawTask, sawChild bool
	for _, m := range second {
		if m.ParentToolUseID != "" {
			sawChild = true
		}
		if m.Type == streamjson.MessageTypeAssistant && m.Message != nil {
			for _, b := range m.Message.Content {
				if b.Type == "tool_use" && b.Name == streamjson.ToolTask {
					sawTask = true
				}
			}
		}
	}
	if !sawTask || !sawChild {
		t.Errorf("delegate scenario incomplete: task=%v child=%v", sawTask, sawChild)
	}
}
