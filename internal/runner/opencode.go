package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/common/tracing"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/pkg/opencode"
)

// OpenCodeOptions configures an opencode HTTP runner.
type OpenCodeOptions struct {
	// Client talks to the opencode server the execution environment exposes.
	Client *opencode.Client

	// SessionID resumes an existing vendor session; empty creates one.
	SessionID string

	Model *opencode.ModelSpec

	Logger *logger.Logger
}

// OpenCode runs queries against an opencode server: create or reuse a vendor
// session, subscribe to the SSE event stream, post the prompt, and forward
// every SDK event until the session goes idle.
type OpenCode struct {
	opts   OpenCodeOptions
	client *opencode.Client
	log    *logger.Logger

	mu        sync.Mutex
	sessionID string
	streaming bool
	sink      RawSink
	running   bool
}

// NewOpenCode creates an opencode runner over the given client.
func NewOpenCode(opts OpenCodeOptions) *OpenCode {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &OpenCode{
		opts:      opts,
		client:    opts.Client,
		log:       log.WithFields(zap.String("component", "opencode-runner")),
		sessionID: opts.SessionID,
	}
}

// SessionID reports the vendor session id, once known. Persisted so a
// restored session resumes the same vendor conversation.
func (r *OpenCode) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Run executes one query and streams SDK events to sink until the vendor
// session goes idle.
func (r *OpenCode) Run(ctx context.Context, prompt string, sink RawSink) (res *Result, err error) {
	start := time.Now()

	ctx, span := tracing.Tracer("runner").Start(ctx, "runner.run",
		trace.WithAttributes(attribute.String("runner.architecture", "opencode")))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeBusy, "query already in flight")
	}
	r.running = true
	r.sink = sink
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.sink = nil
		r.mu.Unlock()
	}()

	sessionID, err := r.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	// Stale control events from a previous query must not end this one.
	r.drainControlEvents()

	if err := r.ensureStream(sessionID); err != nil {
		return nil, err
	}

	if err := r.client.SendPrompt(ctx, sessionID, prompt, r.opts.Model, "", ""); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to send prompt")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, errdefs.Canceled("query context canceled")

		case ev := <-r.client.ControlChannel():
			switch ev.Type {
			case "idle":
				return &Result{
					ExitStatus: StatusSuccess,
					DurationMs: time.Since(start).Milliseconds(),
				}, nil
			case "session_error", "auth_required":
				// The error event itself already reached the sink; the turn
				// still ends with an idle, but don't wait on a wedged server.
				r.log.Warn("session error during query", zap.String("message", ev.Message))
				return &Result{
					ExitStatus: StatusError,
					DurationMs: time.Since(start).Milliseconds(),
				}, nil
			case "disconnected":
				// Force a reconnect on the next query.
				r.mu.Lock()
				r.streaming = false
				r.mu.Unlock()
				return nil, errdefs.New(errdefs.CodeRunnerFailed, "event stream disconnected mid-query")
			}
		}
	}
}

// Cancel aborts the in-flight query on the server. The server answers with a
// session.idle, which unblocks Run.
func (r *OpenCode) Cancel() {
	r.mu.Lock()
	sessionID := r.sessionID
	running := r.running
	r.mu.Unlock()

	if sessionID == "" || !running {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		defer cancel()
		if err := r.client.Abort(ctx, sessionID); err != nil {
			r.log.Warn("abort request failed", zap.Error(err))
		}
	}()
}

// Close shuts down the SSE stream and client.
func (r *OpenCode) Close() {
	r.client.Close()
}

func (r *OpenCode) ensureSession(ctx context.Context) (string, error) {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID != "" {
		return sessionID, nil
	}

	if err := r.client.WaitForHealth(ctx); err != nil {
		return "", errdefs.Wrap(errdefs.CodeEEUnavailable, err, "opencode server not healthy")
	}

	sessionID, err := r.client.CreateSession(ctx)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to create vendor session")
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.mu.Unlock()

	r.log.Info("created vendor session", zap.String("vendor_session_id", sessionID))
	return sessionID, nil
}

func (r *OpenCode) ensureStream(sessionID string) error {
	r.mu.Lock()
	streaming := r.streaming
	r.mu.Unlock()
	if streaming {
		return nil
	}

	r.client.SetEventHandler(func(raw []byte, event *opencode.SDKEventEnvelope) {
		r.mu.Lock()
		sink := r.sink
		r.mu.Unlock()
		if sink == nil {
			return
		}
		sink(json.RawMessage(raw))
	})

	// The stream outlives individual queries; tie it to the runner, not the
	// query context.
	if err := r.client.StartEventStream(context.Background(), sessionID); err != nil {
		return errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to start event stream")
	}

	r.mu.Lock()
	r.streaming = true
	r.mu.Unlock()
	return nil
}

func (r *OpenCode) drainControlEvents() {
	for {
		select {
		case <-r.client.ControlChannel():
		default:
			return
		}
	}
}
