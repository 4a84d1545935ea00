package runner

import (
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/common/tracing"
	"github.com/agenthost/agenthost/pkg/streamjson"
)

// echoAgentScript pretends to be a stream-json CLI: for every stdin line it
// emits an assistant message and a result message.
const echoAgentScript = `
while read line; do
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}'
  echo '{"type":"result","subtype":"success","is_error":false,"duration_ms":12,"usage":{"input_tokens":5,"output_tokens":3},"total_cost_usd":0.01}'
done
`

func shellSpawner(script string) Spawner {
	return func(ctx context.Context) (Proc, error) {
		return NewExecProc(exec.Command("sh", "-c", script)), nil
	}
}

func newTestClaudeSDK(t *testing.T, script string) *ClaudeSDK {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	r := NewClaudeSDK(ClaudeSDKOptions{Spawn: shellSpawner(script), Logger: log})
	t.Cleanup(r.Close)
	return r
}

func TestClaudeSDKRunStreamsUntilResult(t *testing.T) {
	r := newTestClaudeSDK(t, echoAgentScript)

	var mu sync.Mutex
	var raws []json.RawMessage
	sink := func(raw json.RawMessage) {
		mu.Lock()
		raws = append(raws, raw)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.Run(ctx, "hello", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitStatus != StatusSuccess {
		t.Errorf("exit status = %q, want success", res.ExitStatus)
	}
	if res.DurationMs != 12 {
		t.Errorf("duration = %d, want 12 (from result message)", res.DurationMs)
	}
	if res.Usage == nil || res.Usage.InputTokens != 5 || res.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
	if res.Usage.CostUSD != 0.01 {
		t.Errorf("cost = %v, want 0.01", res.Usage.CostUSD)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(raws) != 2 {
		t.Fatalf("sink received %d messages, want 2", len(raws))
	}
	for i, raw := range raws {
		if !json.Valid(raw) {
			t.Errorf("message %d is not valid JSON", i)
		}
	}
}

func TestClaudeSDKReusesProcessAcrossQueries(t *testing.T) {
	r := newTestClaudeSDK(t, echoAgentScript)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := r.Run(ctx, "again", func(json.RawMessage) {}); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
}

func TestClaudeSDKProcessExitFailsQuery(t *testing.T) {
	r := newTestClaudeSDK(t, `read line; exit 3`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.Run(ctx, "boom", func(json.RawMessage) {}); err == nil {
		t.Fatal("expected error when process exits mid-query")
	}

	// The next query respawns the process.
	r.opts.Spawn = shellSpawner(echoAgentScript)
	if _, err := r.Run(ctx, "hello", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Run after respawn: %v", err)
	}
}

func TestRunEmitsChildSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracing.SetTracerProvider(tp)
	t.Cleanup(func() {
		tracing.SetTracerProvider(noop.NewTracerProvider())
		_ = tp.Shutdown(context.Background())
	})

	r := newTestClaudeSDK(t, echoAgentScript)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx, parent := tracing.Tracer("session").Start(ctx, "session.query")

	if _, err := r.Run(ctx, "hello", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	parent.End()

	var run *tracetest.SpanStub
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "runner.run" {
			run = &spans[i]
		}
	}
	if run == nil {
		names := make([]string, len(spans))
		for i := range spans {
			names[i] = spans[i].Name
		}
		t.Fatalf("no runner.run span exported, got %v", names)
	}
	if run.Parent.SpanID() != parent.SpanContext().SpanID() {
		t.Error("runner.run span not parented to the query span")
	}
	var arch string
	for _, kv := range run.Attributes {
		if string(kv.Key) == "runner.architecture" {
			arch = kv.Value.AsString()
		}
	}
	if arch != "claude-sdk" {
		t.Errorf("runner.architecture attribute = %q", arch)
	}
}

func TestResultFromMessageErrorStatus(t *testing.T) {
	raw := `{"type":"result","subtype":"error_during_execution","is_error":true}`
	parsed, err := streamjson.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res := resultFromMessage(parsed, time.Now())
	if res.ExitStatus != StatusError {
		t.Errorf("exit status = %q, want error", res.ExitStatus)
	}
	if res.Usage != nil {
		t.Errorf("expected no usage, got %+v", res.Usage)
	}
}
