package session

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/common/tracing"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/converter"
	"github.com/agenthost/agenthost/internal/ee"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/events"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/runner"
	"github.com/agenthost/agenthost/internal/storage"
)

const testProfileID = "test-profile"

type fixture struct {
	host   *Host
	store  storage.Adapter
	bus    *bus.MemoryEventBus
	driver *ee.FakeDriver
}

func newFixture(t *testing.T, cfg Config, driver *ee.FakeDriver, store storage.Adapter) *fixture {
	t.Helper()
	log := logger.Default()

	if store == nil {
		store = storage.NewMemory()
	}
	if seeder, ok := store.(interface{ SeedProfiles(...*profiles.Profile) }); ok {
		seeder.SeedProfiles(&profiles.Profile{
			ID:           testProfileID,
			Name:         "Test Agent",
			Architecture: converter.ArchClaudeSDK,
		})
	}

	reg, err := profiles.NewRegistry(t.TempDir(), log)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	b := bus.NewMemoryEventBus(log)
	h := NewHost(Deps{
		Store:             store,
		Bus:               b,
		Driver:            driver,
		Log:               log,
		WorkspaceBasePath: t.TempDir(),
	}, cfg, reg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		b.Close()
	})

	return &fixture{host: h, store: store, bus: b, driver: driver}
}

// collector records every event published on one session's subject, in
// delivery order.
type collector struct {
	mu    sync.Mutex
	types []string
}

func (c *collector) record(evType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, evType)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.types))
	copy(out, c.types)
	return out
}

func (c *collector) index(evType string) int {
	for i, t := range c.snapshot() {
		if t == evType {
			return i
		}
	}
	return -1
}

func subscribe(t *testing.T, b *bus.MemoryEventBus, sessionID string) *collector {
	t.Helper()
	c := &collector{}
	sub, err := b.Subscribe(events.BuildSessionSubject(sessionID), func(ctx context.Context, ev *bus.Event) error {
		c.record(ev.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func assistantText(text string) json.RawMessage {
	line, _ := json.Marshal(map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"role":    "assistant",
			"model":   "test-model",
			"content": []map[string]interface{}{{"type": "text", "text": text}},
		},
	})
	return line
}

var resultLine = raw(`{"type":"result","subtype":"success","duration_ms":7,"usage":{"input_tokens":12,"output_tokens":4}}`)

func scriptedDriver(scripts ...*runner.Fake) *ee.FakeDriver {
	var mu sync.Mutex
	i := 0
	return &ee.FakeDriver{
		NewRunner: func(string) runner.Runner {
			mu.Lock()
			defer mu.Unlock()
			r := scripts[i]
			if i < len(scripts)-1 {
				i++
			}
			return r
		},
	}
}

func createSession(t *testing.T, f *fixture) *Session {
	t.Helper()
	s, err := f.host.CreateSession(context.Background(), CreateSessionInput{ProfileID: testProfileID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestQueryStreamsConversation(t *testing.T) {
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{assistantText("hello there"), resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("say hello", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	blocks := snap.Conversation.Blocks
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Type != conversation.BlockUserMessage || blocks[0].Content != "say hello" {
		t.Errorf("unexpected first block: %+v", blocks[0])
	}
	if blocks[0].ID != "blk_1" {
		t.Errorf("user block did not get the first allocated id: %q", blocks[0].ID)
	}
	if blocks[1].Type != conversation.BlockAssistantText || blocks[1].Content != "hello there" {
		t.Errorf("unexpected second block: %+v", blocks[1])
	}
	if blocks[1].Status != conversation.BlockComplete {
		t.Errorf("assistant block not complete: %+v", blocks[1])
	}
	if got := snap.Conversation.Metadata["costUsd"]; got != nil {
		t.Errorf("unexpected cost metadata: %v", got)
	}

	// Lifecycle ordering: started, then content, then idle, then completed.
	started := c.index(string(conversation.EventQueryStarted))
	upsert := c.index(string(conversation.EventBlockUpsert))
	idle := c.index(string(conversation.EventSessionIdle))
	completed := c.index(string(conversation.EventQueryCompleted))
	if !(started < upsert && upsert < idle && idle < completed) {
		t.Errorf("event order wrong: %v", c.snapshot())
	}

	if s.Runtime().ActiveQuery != nil {
		t.Error("active query still set after completion")
	}
}

func TestPromptEchoProducesSingleUserBlock(t *testing.T) {
	prompt := "echoed prompt"
	echoLine, _ := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role":    "user",
			"content": []map[string]interface{}{{"type": "text", "text": prompt}},
		},
	})
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{echoLine, assistantText("reply"), resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery(prompt, EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	users := 0
	for _, b := range snap.Conversation.Blocks {
		if b.Type == conversation.BlockUserMessage {
			users++
			if b.Content != prompt {
				t.Errorf("user block content %q", b.Content)
			}
		}
	}
	if users != 1 {
		t.Fatalf("expected exactly one user block, got %d: %+v", users, snap.Conversation.Blocks)
	}
}

func TestSubagentLifecycle(t *testing.T) {
	taskLine, _ := json.Marshal(map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"role": "assistant",
			"content": []map[string]interface{}{{
				"type": "tool_use", "id": "tu_1", "name": "Task",
				"input": map[string]interface{}{
					"prompt": "child prompt", "subagent_type": "helper", "description": "do a thing",
				},
			}},
		},
	})
	childLine, _ := json.Marshal(map[string]interface{}{
		"type":               "assistant",
		"parent_tool_use_id": "tu_1",
		"message": map[string]interface{}{
			"role":    "assistant",
			"content": []map[string]interface{}{{"type": "text", "text": "child says hi"}},
		},
	})
	closeLine, _ := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{{
				"type": "tool_result", "tool_use_id": "tu_1", "content": "child done",
			}},
		},
	})
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{taskLine, childLine, closeLine, resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("delegate", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(snap.Conversation.Subagents) != 1 {
		t.Fatalf("expected one subagent, got %+v", snap.Conversation.Subagents)
	}
	sa := snap.Conversation.Subagents[0]
	if sa.ToolUseID != "tu_1" {
		t.Errorf("subagent tool use id %q", sa.ToolUseID)
	}
	if sa.Status != conversation.SubagentCompleted {
		t.Errorf("subagent status %q", sa.Status)
	}
	found := false
	for _, b := range sa.Blocks {
		if b.Type == conversation.BlockAssistantText && b.Content == "child says hi" {
			found = true
		}
	}
	if !found {
		t.Errorf("child text block missing: %+v", sa.Blocks)
	}

	spawned := c.index(string(conversation.EventSubagentSpawned))
	done := c.index(string(conversation.EventSubagentCompleted))
	if spawned < 0 || done < 0 || spawned >= done {
		t.Errorf("subagent event order wrong: %v", c.snapshot())
	}
}

func TestUnloadThenLoadReplaysToSameState(t *testing.T) {
	taskLine, _ := json.Marshal(map[string]interface{}{
		"type": "assistant",
		"message": map[string]interface{}{
			"role": "assistant",
			"content": []map[string]interface{}{{
				"type": "tool_use", "id": "tu_1", "name": "Task",
				"input": map[string]interface{}{"prompt": "child prompt", "description": "replay check"},
			}},
		},
	})
	closeLine, _ := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{{
				"type": "tool_result", "tool_use_id": "tu_1", "content": "ok",
			}},
		},
	})
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{assistantText("first"), taskLine, closeLine, resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	id := s.ID()
	c := subscribe(t, f.bus, id)

	if err := s.EnqueueQuery("run it", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	before, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}

	if err := f.host.UnloadSession(context.Background(), id); err != nil {
		t.Fatalf("UnloadSession: %v", err)
	}
	loaded, err := f.host.LoadSession(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	after, err := loaded.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState after load: %v", err)
	}

	got := after.Conversation.StripVolatile()
	want := before.Conversation.StripVolatile()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("replayed state differs\n got: %+v\nwant: %+v", got, want)
	}
}

func TestRunnerFailureRecyclesEnvironment(t *testing.T) {
	driver := scriptedDriver(
		&runner.Fake{Err: errdefs.RunnerFailed(errors.New("agent process died"))},
		&runner.Fake{Messages: []json.RawMessage{assistantText("recovered"), resultLine}},
	)
	f := newFixture(t, Config{MaxRestarts: 2}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("survive a crash", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	if driver.Creates() != 2 {
		t.Errorf("expected environment recreate, creates=%d", driver.Creates())
	}
	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	found := false
	for _, b := range snap.Conversation.Blocks {
		if b.Type == conversation.BlockAssistantText && b.Content == "recovered" {
			found = true
		}
	}
	if !found {
		t.Errorf("retried query output missing: %+v", snap.Conversation.Blocks)
	}
	if c.index(string(conversation.EventQueryFailed)) >= 0 {
		t.Errorf("query reported failed despite recovery: %v", c.snapshot())
	}
}

func TestRestartBudgetExhaustionFailsQuery(t *testing.T) {
	failing := &runner.Fake{Err: errdefs.RunnerFailed(errors.New("agent process died"))}
	driver := scriptedDriver(failing)
	f := newFixture(t, Config{MaxRestarts: 1}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("doomed", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query failure", func() bool { return c.index(string(conversation.EventQueryFailed)) >= 0 })

	if c.index(string(conversation.EventQueryCompleted)) >= 0 {
		t.Errorf("query completed unexpectedly: %v", c.snapshot())
	}
	// The failure surfaces in the conversation as an error block.
	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	hasError := false
	for _, b := range snap.Conversation.Blocks {
		if b.Type == conversation.BlockError {
			hasError = true
		}
	}
	if !hasError {
		t.Errorf("no error block after terminal failure: %+v", snap.Conversation.Blocks)
	}
}

func TestBusyWhenQueueFull(t *testing.T) {
	slow := &runner.Fake{
		Messages: []json.RawMessage{assistantText("slow"), resultLine},
		Delay:    100 * time.Millisecond,
	}
	driver := scriptedDriver(slow)
	f := newFixture(t, Config{QueryQueueDepth: 1}, driver, nil)
	s := createSession(t, f)

	if err := s.EnqueueQuery("first", EnqueueOptions{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	waitFor(t, "first query to start", func() bool { return slow.Runs() == 1 })

	err := s.EnqueueQuery("second", EnqueueOptions{})
	if !errdefs.IsBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
}

func TestCancelInFlightOnEnqueue(t *testing.T) {
	first := &runner.Fake{
		Messages: []json.RawMessage{assistantText("never finishes"), resultLine},
		Delay:    10 * time.Second,
	}
	second := &runner.Fake{
		Messages: []json.RawMessage{assistantText("winner"), resultLine},
	}
	driver := scriptedDriver(first, second)
	f := newFixture(t, Config{QueryQueueDepth: 1, CancelInFlightOnEnqueue: true}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("first", EnqueueOptions{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	waitFor(t, "first query to start", func() bool { return first.Runs() == 1 })

	if err := s.EnqueueQuery("second", EnqueueOptions{}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	waitFor(t, "second query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	if first.Cancels() == 0 {
		t.Error("first runner was never canceled")
	}
	if c.index(string(conversation.EventQueryFailed)) < 0 {
		t.Errorf("canceled query did not report failed: %v", c.snapshot())
	}
}

// failingStore rejects transcript saves to drive the read-only demotion path.
type failingStore struct {
	*storage.Memory
}

func (f *failingStore) SaveTranscript(ctx context.Context, sessionID, raw, conversationID string) error {
	return errors.New("disk full")
}

func TestPersistenceFailureDemotesToReadOnly(t *testing.T) {
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{assistantText("hello"), resultLine},
	})
	f := newFixture(t, Config{}, driver, &failingStore{Memory: storage.NewMemory()})
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("hi", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	if !s.Runtime().ReadOnly {
		t.Fatal("session not read-only after persistence failure")
	}
	err := s.EnqueueQuery("again", EnqueueOptions{})
	if errdefs.CodeOf(err) != errdefs.CodePersistenceError {
		t.Fatalf("expected persistence_error on read-only session, got %v", err)
	}

	// Streamed state is still served.
	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(snap.Conversation.Blocks) == 0 {
		t.Error("read-only session lost its streamed state")
	}
}

func TestDebugEventsAndLogsRetained(t *testing.T) {
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{raw(`{"type":"bogus"}`), assistantText("ok"), resultLine},
	})
	f := newFixture(t, Config{DebugEventBuffer: 4}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("hi", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	evs := s.DebugEvents()
	if len(evs) != 4 {
		t.Fatalf("debug ring should cap at 4, got %d", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq != evs[i-1].Seq+1 {
			t.Errorf("debug seq not contiguous: %d then %d", evs[i-1].Seq, evs[i].Seq)
		}
	}
}

func TestHostCapacity(t *testing.T) {
	driver := &ee.FakeDriver{}
	f := newFixture(t, Config{MaxConcurrentSessions: 1}, driver, nil)

	if _, err := f.host.CreateSession(context.Background(), CreateSessionInput{ProfileID: testProfileID}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := f.host.CreateSession(context.Background(), CreateSessionInput{ProfileID: testProfileID})
	if errdefs.CodeOf(err) != errdefs.CodeCapacityExceeded {
		t.Fatalf("expected capacity_exceeded, got %v", err)
	}
}

func TestHostUnknownIDs(t *testing.T) {
	driver := &ee.FakeDriver{}
	f := newFixture(t, Config{}, driver, nil)

	if _, err := f.host.CreateSession(context.Background(), CreateSessionInput{ProfileID: "nope"}); !errdefs.IsNotFound(err) {
		t.Errorf("unknown profile: got %v", err)
	}
	if _, err := f.host.LoadSession(context.Background(), "missing"); !errdefs.IsNotFound(err) {
		t.Errorf("unknown session load: got %v", err)
	}
	if err := f.host.UnloadSession(context.Background(), "missing"); !errdefs.IsNotFound(err) {
		t.Errorf("unknown session unload: got %v", err)
	}
	if _, err := f.host.GetSession("missing"); !errdefs.IsNotFound(err) {
		t.Errorf("unknown session get: got %v", err)
	}
}

func TestTitleDerivedFromFirstPrompt(t *testing.T) {
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{assistantText("sure"), resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("Fix the login bug\nwith more detail below", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snap.Record.Title != "Fix the login bug" {
		t.Errorf("title %q", snap.Record.Title)
	}

	stored, err := f.store.LoadSession(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("LoadSession from store: %v", err)
	}
	if stored.Record.Title != "Fix the login bug" {
		t.Errorf("stored title %q", stored.Record.Title)
	}
}

func TestShutdownDrainsSessions(t *testing.T) {
	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{assistantText("done"), resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("hi", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.host.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.host.LoadedCount() != 0 {
		t.Errorf("sessions still loaded after shutdown: %d", f.host.LoadedCount())
	}
	if driver.Terminates() == 0 {
		t.Error("environment not terminated on shutdown")
	}
}

func TestQueryDeadlineCancelsRunner(t *testing.T) {
	slow := &runner.Fake{
		Messages: []json.RawMessage{assistantText("never delivered"), resultLine},
		Delay:    10 * time.Second,
	}
	driver := scriptedDriver(slow)
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	deadline := time.Now().Add(50 * time.Millisecond)
	if err := s.EnqueueQuery("bounded", EnqueueOptions{Deadline: deadline}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query failure", func() bool { return c.index(string(conversation.EventQueryFailed)) >= 0 })

	if slow.Cancels() == 0 {
		t.Error("runner was never canceled on deadline expiry")
	}
	if c.index(string(conversation.EventQueryCompleted)) >= 0 {
		t.Errorf("query completed despite deadline: %v", c.snapshot())
	}
	// Deadline expiry is a cancellation, so no error block lands in the
	// conversation.
	snap, err := s.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	for _, b := range snap.Conversation.Blocks {
		if b.Type == conversation.BlockError {
			t.Errorf("unexpected error block after deadline cancel: %+v", b)
		}
	}
}

func TestVendorSessionIDPersistedAndResumed(t *testing.T) {
	driver := scriptedDriver(
		&runner.Fake{
			Messages:      []json.RawMessage{assistantText("first"), resultLine},
			VendorSession: "vnd_01HZX",
		},
		&runner.Fake{
			Messages:      []json.RawMessage{assistantText("second"), resultLine},
			VendorSession: "vnd_01HZX",
		},
	)
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	id := s.ID()
	c := subscribe(t, f.bus, id)

	if err := s.EnqueueQuery("first", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "first query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	stored, err := f.store.LoadSession(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadSession from store: %v", err)
	}
	if stored.Record.VendorSessionID != "vnd_01HZX" {
		t.Fatalf("vendor session id not persisted, got %q", stored.Record.VendorSessionID)
	}

	// A reload spawns a fresh runner; the persisted id rides along so the
	// backend resumes the same conversation.
	if err := f.host.UnloadSession(context.Background(), id); err != nil {
		t.Fatalf("UnloadSession: %v", err)
	}
	loaded, err := f.host.LoadSession(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	c2 := subscribe(t, f.bus, id)
	if err := loaded.EnqueueQuery("second", EnqueueOptions{}); err != nil {
		t.Fatalf("second EnqueueQuery: %v", err)
	}
	waitFor(t, "second query completion", func() bool { return c2.index(string(conversation.EventQueryCompleted)) >= 0 })

	if got := f.driver.LastSpawnOptions().VendorSessionID; got != "vnd_01HZX" {
		t.Errorf("respawn did not carry the vendor session id, got %q", got)
	}
}

func TestQueryEmitsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracing.SetTracerProvider(tp)
	t.Cleanup(func() {
		tracing.SetTracerProvider(noop.NewTracerProvider())
		_ = tp.Shutdown(context.Background())
	})

	driver := scriptedDriver(&runner.Fake{
		Messages: []json.RawMessage{assistantText("traced"), resultLine},
	})
	f := newFixture(t, Config{}, driver, nil)
	s := createSession(t, f)
	c := subscribe(t, f.bus, s.ID())

	if err := s.EnqueueQuery("trace me", EnqueueOptions{}); err != nil {
		t.Fatalf("EnqueueQuery: %v", err)
	}
	waitFor(t, "query completion", func() bool { return c.index(string(conversation.EventQueryCompleted)) >= 0 })

	var span *tracetest.SpanStub
	waitFor(t, "span export", func() bool {
		spans := exporter.GetSpans()
		for i := range spans {
			if spans[i].Name == "session.query" {
				span = &spans[i]
				return true
			}
		}
		return false
	})

	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["session.id"] != s.ID() {
		t.Errorf("session.id attribute = %q, want %q", attrs["session.id"], s.ID())
	}
	if attrs["session.architecture"] != converter.ArchClaudeSDK {
		t.Errorf("session.architecture attribute = %q", attrs["session.architecture"])
	}
}
