// Package session implements the per-session actor and the host that owns
// every loaded session. One goroutine owns each session's conversation state;
// queries, state reads, and transcript flushes all serialize through it, so
// the state itself needs no locks.
package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

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
	"github.com/agenthost/agenthost/internal/transcript"
)

const (
	// rawBuffer is the channel depth between the runner goroutine and the
	// session loop. The runner blocks when the loop falls behind.
	rawBuffer = 64

	// flushAttempts and flushBackoff govern transcript save retries before
	// the session demotes itself to read-only.
	flushAttempts = 3
	flushBackoff  = 100 * time.Millisecond

	// maxTitleLen bounds the record title derived from the first prompt.
	maxTitleLen = 80
)

// Deps are the shared services a session runs against.
type Deps struct {
	Store  storage.Adapter
	Bus    bus.EventBus
	Driver ee.Driver
	Log    *logger.Logger

	// WorkspaceBasePath is where per-session workspace directories live.
	WorkspaceBasePath string
}

type query struct {
	prompt   string
	deadline time.Time
}

// EnqueueOptions tune a single enqueued query.
type EnqueueOptions struct {
	// Deadline bounds the query's wall-clock time. On expiry the runner is
	// canceled and the query fails as canceled; zero means no deadline.
	Deadline time.Time
}

// Session is the per-session state machine. All mutable state below the
// "loop-owned" marker is touched only by the run goroutine.
type Session struct {
	id      string
	arch    string
	profile *profiles.Profile
	cfg     Config
	deps    Deps
	log     *logger.Logger

	conv converter.Converter
	sup  *ee.Supervisor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	queryCh chan *query
	cmdCh   chan func()

	// Guarded by mu: admission control and the active query's cancel hooks.
	mu           sync.Mutex
	pending      int
	active       *ActiveQuery
	activeCancel context.CancelFunc
	activeRunner runner.Runner
	closed       bool
	readOnly     bool

	// Guarded by ringMu: emit is called from the loop and from supervisor
	// callbacks.
	ringMu    sync.Mutex
	seq       int64
	debugRing *ring[DebugEvent]
	logRing   *ring[LogEntry]

	// Loop-owned.
	record     storage.SessionRecord
	state      *conversation.ConversationState
	files      map[string]conversation.WorkspaceFile
	writeAhead []string
	runners    map[string]runner.Runner
}

// newSession builds a session around an existing record. When stored
// transcripts are present they replay through the session's own converter,
// so block id allocation continues where the transcript left off.
func newSession(rec storage.SessionRecord, profile *profiles.Profile, stored *storage.StoredSession, deps Deps, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	log := deps.Log.WithFields(zap.String("session_id", rec.ID))

	conv, err := converter.New(rec.Architecture, converter.Options{
		SessionID:       rec.ID,
		PromptCacheSize: cfg.SubagentPromptCacheSize,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        rec.ID,
		arch:      rec.Architecture,
		profile:   profile,
		cfg:       cfg,
		deps:      deps,
		log:       log,
		conv:      conv,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		queryCh:   make(chan *query, cfg.QueryQueueDepth+1),
		cmdCh:     make(chan func(), 16),
		debugRing: newRing[DebugEvent](cfg.DebugEventBuffer),
		logRing:   newRing[LogEntry](cfg.SessionLogBuffer),
		record:    rec,
		state:     conversation.NewState(),
		files:     make(map[string]conversation.WorkspaceFile),
		runners:   make(map[string]runner.Runner),
	}

	s.sup = ee.NewSupervisor(deps.Driver, ee.CreateRequest{
		SessionID:    rec.ID,
		Profile:      profile,
		WorkspaceDir: filepath.Join(deps.WorkspaceBasePath, rec.ID),
	}, ee.SupervisorConfig{
		HealthCheckInterval: cfg.HealthCheckInterval,
		MaxRestarts:         cfg.MaxRestarts,
	}, s.emitEE, log)

	if stored != nil {
		if len(stored.TranscriptsByConv) > 0 {
			state, err := transcript.ReplayCombined(conv, rec.Architecture,
				transcript.FromConversations(stored.TranscriptsByConv),
				transcript.Options{SessionID: rec.ID, Logger: log})
			if err != nil {
				cancel()
				return nil, err
			}
			s.state = state
		}
		for _, f := range stored.WorkspaceFiles {
			s.files[f.Path] = f
		}
	}

	go s.run()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Architecture returns the session's runtime architecture.
func (s *Session) Architecture() string { return s.arch }

// EnqueueQuery accepts a prompt for asynchronous execution. A full queue
// rejects with Busy unless cancelInFlightOnEnqueue is set, in which case the
// active query is canceled to make room.
func (s *Session) EnqueueQuery(prompt string, opts EnqueueOptions) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errdefs.NotFound("session", s.id)
	}
	if s.readOnly {
		s.mu.Unlock()
		return errdefs.New(errdefs.CodePersistenceError, "session %q is read-only", s.id)
	}
	if s.pending >= s.cfg.QueryQueueDepth {
		if !s.cfg.CancelInFlightOnEnqueue || s.activeCancel == nil {
			s.mu.Unlock()
			return errdefs.Busy(s.id)
		}
		cancel := s.activeCancel
		r := s.activeRunner
		s.activeCancel = nil
		s.activeRunner = nil
		s.pending++
		s.mu.Unlock()

		cancel()
		if r != nil {
			r.Cancel()
		}
	} else {
		s.pending++
		s.mu.Unlock()
	}

	select {
	case s.queryCh <- &query{prompt: prompt, deadline: opts.Deadline}:
		return nil
	default:
		// The pending counter caps occupancy below channel capacity; a full
		// channel here means the session is tearing down.
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		return errdefs.Busy(s.id)
	}
}

// GetState returns a deep-copied snapshot of the session.
func (s *Session) GetState(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := s.do(ctx, func() {
		snap = s.snapshot()
	})
	return snap, err
}

// SyncNow forces a transcript flush of everything buffered so far.
func (s *Session) SyncNow(ctx context.Context) error {
	return s.do(ctx, func() {
		s.flushWriteAhead()
	})
}

// TerminateEE tears down the execution environment but keeps the session
// loaded. The next query creates a fresh environment.
func (s *Session) TerminateEE(ctx context.Context) error {
	var terr error
	err := s.do(ctx, func() {
		s.closeRunners()
		terr = s.sup.Terminate(ctx)
	})
	if err != nil {
		return err
	}
	return terr
}

// DebugEvents returns the retained event history, oldest first.
func (s *Session) DebugEvents() []DebugEvent {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	return s.debugRing.items()
}

// Logs returns the retained log entries, oldest first.
func (s *Session) Logs() []LogEntry {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	return s.logRing.items()
}

// Runtime returns the live runtime state without going through the loop.
func (s *Session) Runtime() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimeLocked()
}

// Close cancels the in-flight query, flushes pending writes, and terminates
// the execution environment. The context bounds how long the drain may take;
// on expiry the environment is force-terminated anyway.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.sup.Terminate(termCtx); err != nil {
			s.log.Warn("forced environment terminate failed", zap.Error(err))
		}
		return ctx.Err()
	}
}

// announce publishes the creation events for a freshly created session.
func (s *Session) announce(ctx context.Context) error {
	return s.do(ctx, func() {
		s.emit(conversation.NewEvent(conversation.EventSessionInitialized,
			SessionInitializedPayload{Record: s.record}, s.id, "", conversation.SourceSupervisor))
		s.emitStatus()
	})
}

// announceLoaded publishes the status event after a load.
func (s *Session) announceLoaded(ctx context.Context) error {
	return s.do(ctx, func() {
		s.emitStatus()
	})
}

// do runs fn on the session loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		fn()
		close(doneCh)
	}
	select {
	case s.cmdCh <- wrapped:
	case <-s.done:
		return errdefs.NotFound("session", s.id)
	case <-ctx.Done():
		return errdefs.Canceled("command abandoned: " + ctx.Err().Error())
	}
	select {
	case <-doneCh:
		return nil
	case <-s.done:
		return errdefs.NotFound("session", s.id)
	case <-ctx.Done():
		return errdefs.Canceled("command abandoned: " + ctx.Err().Error())
	}
}

// run is the session loop. Everything loop-owned is touched only here and in
// the helpers it calls.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.drainAndShutdown()
			return
		case cmd := <-s.cmdCh:
			cmd()
		case q := <-s.queryCh:
			s.runQuery(q)
		}
	}
}

func (s *Session) drainAndShutdown() {
	for {
		select {
		case q := <-s.queryCh:
			s.emit(conversation.NewEvent(conversation.EventQueryFailed, conversation.QueryPayload{
				Prompt: q.prompt,
				Reason: "session unloaded",
				Code:   string(errdefs.CodeCanceled),
			}, s.id, "", conversation.SourceSupervisor))
			s.mu.Lock()
			s.pending--
			s.mu.Unlock()
		default:
			s.flushWriteAhead()
			s.closeRunners()
			termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.sup.Terminate(termCtx); err != nil {
				s.log.Warn("environment terminate on unload failed", zap.Error(err))
			}
			cancel()
			return
		}
	}
}

// runQuery drives one query end to end: started event, environment ready,
// stream fold, flush, terminal event. Commands keep being served while the
// runner streams.
func (s *Session) runQuery(q *query) {
	var qctx context.Context
	var qcancel context.CancelFunc
	if q.deadline.IsZero() {
		qctx, qcancel = context.WithCancel(s.ctx)
	} else {
		// Deadline expiry flows through qctx.Done into the runner cancel
		// and hard-cancel escalation in streamQuery.
		qctx, qcancel = context.WithDeadline(s.ctx, q.deadline)
	}
	defer qcancel()

	qctx, span := tracing.Tracer("session").Start(qctx, "session.query",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("session.architecture", s.arch),
		))
	defer span.End()

	s.mu.Lock()
	s.active = &ActiveQuery{Prompt: q.prompt, StartedAtMs: time.Now().UTC().UnixMilli()}
	s.activeCancel = qcancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.activeCancel = nil
		s.activeRunner = nil
		s.pending--
		s.mu.Unlock()
	}()

	canonicalID := s.conv.RegisterPromptEcho(q.prompt)

	s.emit(conversation.NewEvent(conversation.EventQueryStarted,
		conversation.QueryPayload{Prompt: q.prompt}, s.id, "", conversation.SourceSupervisor))

	// The user block appears immediately with its canonical id; if the
	// runtime echoes the prompt back, the converter upserts this same block.
	s.apply(conversation.NewEvent(conversation.EventBlockUpsert, conversation.BlockUpsertPayload{
		Block: conversation.Block{
			ID:      canonicalID,
			Type:    conversation.BlockUserMessage,
			Status:  conversation.BlockComplete,
			Content: q.prompt,
		},
	}, s.id, "", conversation.SourceClient))

	// The claude-sdk stream does not normally echo the prompt, so the
	// transcript gets a synthesized user line; replaying it reproduces the
	// canonical block at the same allocator position.
	if s.arch == converter.ArchClaudeSDK {
		s.writeAhead = append(s.writeAhead, claudeUserLine(q.prompt))
	}

	s.touchRecord(q.prompt)

	for {
		// Environment start is a suspension point: the loop blocks here and
		// commands queue on cmdCh until the environment is ready.
		handle, err := s.sup.EnsureReady(qctx)
		if err != nil {
			span.RecordError(err)
			s.failQuery(q, err)
			return
		}

		r, err := s.runnerFor(handle)
		if err != nil {
			s.sup.ReportFailure(err)
			continue
		}
		s.mu.Lock()
		s.activeRunner = r
		s.mu.Unlock()

		_, err = s.streamQuery(qctx, q, r, canonicalID)
		s.persistVendorSession(r)
		if err == nil {
			s.finishQuery(q)
			return
		}
		span.RecordError(err)

		if qctx.Err() != nil || errdefs.IsCanceled(err) {
			s.failQuery(q, errdefs.Canceled("query canceled"))
			return
		}

		switch errdefs.CodeOf(err) {
		case errdefs.CodeRunnerFailed, errdefs.CodeEEUnavailable:
			// The environment is suspect; restart within budget and retry
			// the same prompt. EnsureReady fails the query when the budget
			// is spent.
			s.log.Warn("query attempt failed, recycling environment", zap.Error(err))
			s.closeRunner(r)
			delete(s.runners, handle.ID)
			s.sup.ReportFailure(err)
			continue
		default:
			s.failQuery(q, err)
			return
		}
	}
}

type runOutcome struct {
	res *runner.Result
	err error
}

// streamQuery runs the runner and folds its raw messages while still serving
// loop commands. It returns once the runner finishes or the hard-cancel
// window expires.
func (s *Session) streamQuery(qctx context.Context, q *query, r runner.Runner, canonicalID string) (*runner.Result, error) {
	rawCh := make(chan json.RawMessage, rawBuffer)
	resCh := make(chan runOutcome, 1)

	go func() {
		res, err := r.Run(qctx, q.prompt, func(raw json.RawMessage) {
			rawCh <- raw
		})
		resCh <- runOutcome{res: res, err: err}
	}()

	var hardCancel <-chan time.Time
	canceled := false
	for {
		select {
		case raw := <-rawCh:
			s.handleRaw(raw, canonicalID)

		case cmd := <-s.cmdCh:
			cmd()

		case <-qctx.Done():
			if !canceled {
				canceled = true
				r.Cancel()
				hardCancel = time.After(s.cfg.HardCancelTimeout)
			}
			// Keep draining until the runner acknowledges.
			select {
			case raw := <-rawCh:
				s.handleRaw(raw, canonicalID)
			case out := <-resCh:
				s.drainRaw(rawCh, canonicalID)
				return out.res, errdefs.Canceled("query canceled")
			case <-hardCancel:
				s.log.Warn("runner ignored cancel, force-terminating environment")
				termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := s.sup.Terminate(termCtx); err != nil {
					s.log.Warn("forced environment terminate failed", zap.Error(err))
				}
				cancel()
				return nil, errdefs.Canceled("query canceled")
			}

		case out := <-resCh:
			s.drainRaw(rawCh, canonicalID)
			return out.res, out.err
		}
	}
}

func (s *Session) drainRaw(rawCh chan json.RawMessage, canonicalID string) {
	for {
		select {
		case raw := <-rawCh:
			s.handleRaw(raw, canonicalID)
		default:
			return
		}
	}
}

// handleRaw converts one raw runner message, folds the resulting events, and
// buffers the raw line for the transcript.
func (s *Session) handleRaw(raw json.RawMessage, canonicalID string) {
	evs, err := s.conv.ParseEvent(raw)
	if err != nil {
		// Malformed adapter output: drop the message, log, keep going.
		s.emitLog(conversation.LogError, "dropped malformed runtime message", map[string]interface{}{
			"error": err.Error(),
			"code":  string(errdefs.CodeConverterError),
		})
		return
	}

	// A prompt echo line would duplicate the synthesized user line on
	// replay; the canonical block already represents it.
	if !(s.arch == converter.ArchClaudeSDK && isPromptEcho(evs, canonicalID)) {
		s.writeAhead = append(s.writeAhead, string(raw))
	}

	for _, ev := range evs {
		s.apply(ev)
	}
}

// apply folds an event into conversation state, tracks workspace files, and
// publishes it.
func (s *Session) apply(ev conversation.SessionEvent) {
	next, err := conversation.Reduce(s.state, ev)
	if err != nil {
		s.emitLog(conversation.LogError, "reducer dropped event", map[string]interface{}{
			"eventType": string(ev.Type),
			"error":     err.Error(),
		})
		return
	}
	s.state = next

	switch ev.Type {
	case conversation.EventFileCreated, conversation.EventFileModified:
		if p, ok := ev.Payload.(conversation.FilePayload); ok {
			s.files[p.File.Path] = p.File
			if err := s.deps.Store.SaveWorkspaceFile(s.ctx, s.id, p.File); err != nil {
				s.log.Warn("failed to persist workspace file", zap.String("path", p.File.Path), zap.Error(err))
			}
		}
	case conversation.EventFileDeleted:
		if p, ok := ev.Payload.(conversation.FileDeletedPayload); ok {
			delete(s.files, p.Path)
			if err := s.deps.Store.DeleteSessionFile(s.ctx, s.id, p.Path); err != nil {
				s.log.Warn("failed to delete workspace file", zap.String("path", p.Path), zap.Error(err))
			}
		}
	}

	s.emit(ev)
}

// finishQuery closes out a successful run: open subagents are failed, the
// conversation goes idle, the transcript flushes, and query:completed is the
// terminal event.
func (s *Session) finishQuery(q *query) {
	s.closeOpenSubagents()
	s.applyIdle()
	s.flushWriteAhead()

	s.emit(conversation.NewEvent(conversation.EventQueryCompleted,
		conversation.QueryPayload{Prompt: q.prompt}, s.id, "", conversation.SourceSupervisor))
	s.conv.Reset()
}

// failQuery closes out a failed run. Cancellation produces query:failed as
// the final event with no error block; real failures add an inline error
// block first.
func (s *Session) failQuery(q *query, cause error) {
	code := errdefs.CodeOf(cause)
	if code == "" {
		code = errdefs.CodeRunnerFailed
	}

	s.closeOpenSubagents()

	// The error surfaces as a conversation block. For claude-sdk it goes
	// through the converter as a synthesized result line so the block also
	// lives in the transcript and replay reproduces it.
	if code != errdefs.CodeCanceled {
		if s.arch == converter.ArchClaudeSDK {
			line, _ := json.Marshal(map[string]interface{}{
				"type":     "result",
				"subtype":  "error",
				"is_error": true,
				"result":   cause.Error(),
			})
			s.handleRaw(line, "")
		} else {
			s.apply(conversation.NewEvent(conversation.EventBlockUpsert, conversation.BlockUpsertPayload{
				Block: conversation.Block{
					ID:      "error_" + uuid.NewString()[:8],
					Type:    conversation.BlockError,
					Status:  conversation.BlockComplete,
					Message: cause.Error(),
					Code:    string(code),
				},
			}, s.id, "", conversation.SourceSupervisor))
		}
	}

	s.applyIdle()
	s.flushWriteAhead()

	s.emit(conversation.NewEvent(conversation.EventQueryFailed, conversation.QueryPayload{
		Prompt: q.prompt,
		Reason: cause.Error(),
		Code:   string(code),
	}, s.id, "", conversation.SourceSupervisor))
	s.conv.Reset()
}

// closeOpenSubagents synthesizes failed completions for subagents the stream
// left running.
func (s *Session) closeOpenSubagents() {
	for _, sa := range s.state.Subagents {
		if sa.Status != conversation.SubagentRunning {
			continue
		}
		s.apply(conversation.NewEvent(conversation.EventSubagentCompleted, conversation.SubagentCompletedPayload{
			ToolUseID: sa.ToolUseID,
			AgentID:   sa.ID,
			Status:    conversation.SubagentFailed,
		}, s.id, "", conversation.SourceSupervisor))
	}
}

func (s *Session) applyIdle() {
	s.apply(conversation.NewEvent(conversation.EventSessionIdle,
		conversation.SessionIdlePayload{SessionID: s.id}, s.id, "", conversation.SourceSupervisor))
}

// flushWriteAhead appends the buffered raw lines to the stored transcript.
// Persistent failure demotes the session to read-only; streamed state stays
// servable, new queries are rejected.
func (s *Session) flushWriteAhead() {
	if len(s.writeAhead) == 0 {
		return
	}
	blob := strings.Join(s.writeAhead, "\n") + "\n"

	var err error
	for attempt := 1; attempt <= flushAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.deps.Store.SaveTranscript(ctx, s.id, blob, "")
		cancel()
		if err == nil {
			s.writeAhead = nil
			s.emit(conversation.NewEvent(conversation.EventTranscriptChanged,
				conversation.TranscriptChangedPayload{ConversationID: conversation.MainConversationID},
				s.id, "", conversation.SourceSupervisor))
			return
		}
		s.log.Warn("transcript flush failed",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(flushBackoff * time.Duration(attempt))
	}

	s.mu.Lock()
	s.readOnly = true
	s.mu.Unlock()
	s.emitLog(conversation.LogError, "transcript persistence failed, session demoted to read-only", map[string]interface{}{
		"error": err.Error(),
		"code":  string(errdefs.CodePersistenceError),
	})
}

// runnerFor returns the cached runner for the environment, spawning one for
// a fresh handle. claude-sdk runners keep their agent process across queries;
// a fresh spawn resumes the persisted vendor conversation when one exists.
func (s *Session) runnerFor(handle *ee.Handle) (runner.Runner, error) {
	if r, ok := s.runners[handle.ID]; ok {
		return r, nil
	}
	r, err := s.sup.Runner(s.arch, runner.SpawnOptions{
		VendorSessionID: s.record.VendorSessionID,
	})
	if err != nil {
		return nil, err
	}
	s.runners[handle.ID] = r
	return r, nil
}

// persistVendorSession stores the runner's backend conversation id on the
// record so a reload resumes it.
func (s *Session) persistVendorSession(r runner.Runner) {
	vs, ok := r.(interface{ SessionID() string })
	if !ok {
		return
	}
	id := vs.SessionID()
	if id == "" || id == s.record.VendorSessionID {
		return
	}
	s.record.VendorSessionID = id

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateSessionRecord(ctx, s.id, storage.RecordPatch{VendorSessionID: &id}); err != nil {
		s.log.Warn("failed to persist vendor session id", zap.Error(err))
	}
}

// closeRunner releases a runner that owns external resources, such as the
// claude-sdk agent process.
func (s *Session) closeRunner(r runner.Runner) {
	if c, ok := r.(interface{ Close() }); ok {
		c.Close()
	}
}

// closeRunners releases every cached runner. Loop-owned.
func (s *Session) closeRunners() {
	for id, r := range s.runners {
		s.closeRunner(r)
		delete(s.runners, id)
	}
}

// touchRecord stamps activity and derives the title from the first prompt.
func (s *Session) touchRecord(prompt string) {
	now := time.Now().UTC()
	patch := storage.RecordPatch{LastActivityAt: &now}
	s.record.LastActivityAt = now

	if s.record.Title == "" {
		title := deriveTitle(prompt)
		patch.Title = &title
		s.record.Title = title
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.UpdateSessionRecord(ctx, s.id, patch); err != nil {
		s.log.Warn("failed to update session record", zap.Error(err))
	}
}

// emitEE receives supervisor transitions; it may run off-loop, so it only
// publishes.
func (s *Session) emitEE(t conversation.EventType, payload conversation.EEPayload) {
	s.emit(conversation.NewEvent(t, payload, s.id, "", conversation.SourceSupervisor))
}

func (s *Session) emitStatus() {
	s.mu.Lock()
	runtime := s.runtimeLocked()
	s.mu.Unlock()
	s.emit(conversation.NewEvent(conversation.EventStatus,
		StatusPayload{Runtime: runtime}, s.id, "", conversation.SourceSupervisor))
}

func (s *Session) emitLog(level conversation.LogLevel, message string, data map[string]interface{}) {
	s.emit(conversation.NewEvent(conversation.EventLog, conversation.LogPayload{
		Level:   level,
		Message: message,
		Data:    data,
	}, s.id, "", conversation.SourceSupervisor))
}

// emit records the event in the debug ring (and log ring for log events) and
// publishes it on the session subject. transcript:changed stays internal.
// Safe to call from any goroutine.
func (s *Session) emit(ev conversation.SessionEvent) {
	s.ringMu.Lock()
	s.seq++
	s.debugRing.push(DebugEvent{Seq: s.seq, Event: ev})
	if ev.Type == conversation.EventLog {
		if p, ok := ev.Payload.(conversation.LogPayload); ok {
			s.logRing.push(LogEntry{
				TimestampMs: ev.Context.TimestampMs,
				Level:       p.Level,
				Message:     p.Message,
				Data:        p.Data,
			})
		}
	}
	s.ringMu.Unlock()

	if ev.Type == conversation.EventTranscriptChanged {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	envelope := bus.NewEvent(string(ev.Type), events.SourceSessionHost, ev)
	if err := s.deps.Bus.Publish(ctx, events.BuildSessionSubject(s.id), envelope); err != nil {
		s.log.Warn("event publish failed", zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
}

// snapshot runs on the loop; loop-owned state is safe to read directly.
func (s *Session) snapshot() *Snapshot {
	files := make([]conversation.WorkspaceFile, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	s.mu.Lock()
	runtime := s.runtimeLocked()
	s.mu.Unlock()
	return &Snapshot{
		Record:       s.record,
		Conversation: s.state.Clone(),
		Runtime:      runtime,
		Files:        files,
	}
}

func (s *Session) runtimeLocked() RuntimeState {
	rt := RuntimeState{
		IsLoaded:      true,
		ReadOnly:      s.readOnly,
		EE:            s.sup.State(),
		QueuedQueries: s.pending,
	}
	if s.active != nil {
		aq := *s.active
		rt.ActiveQuery = &aq
	}
	return rt
}

// isPromptEcho reports whether every event of a parsed raw line upserts the
// canonical user block and nothing else.
func isPromptEcho(evs []conversation.SessionEvent, canonicalID string) bool {
	if len(evs) == 0 {
		return false
	}
	for _, ev := range evs {
		if ev.Type != conversation.EventBlockUpsert {
			return false
		}
		p, ok := ev.Payload.(conversation.BlockUpsertPayload)
		if !ok || p.Block.ID != canonicalID {
			return false
		}
	}
	return true
}

// claudeUserLine synthesizes the stream-json user message line for a prompt.
func claudeUserLine(prompt string) string {
	line, _ := json.Marshal(map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": prompt},
			},
		},
	})
	return string(line)
}

func deriveTitle(prompt string) string {
	title := prompt
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title
}
