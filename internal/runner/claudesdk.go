package runner

import (
	"bufio"
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
	"github.com/agenthost/agenthost/pkg/streamjson"
)

// interruptTimeout bounds how long Cancel waits for the CLI to acknowledge an
// interrupt before giving up. The hard-kill escalation lives in the session.
const interruptTimeout = 5 * time.Second

// Spawner starts the agent process inside the execution environment. The
// environment driver decides what "start a process" means (local exec,
// container exec, remote sandbox command).
type Spawner func(ctx context.Context) (Proc, error)

// ClaudeSDKOptions configures a claude-sdk stdio runner.
type ClaudeSDKOptions struct {
	Spawn Spawner

	// OnStderr receives agent stderr lines for the session log.
	OnStderr func(line string)

	Logger *logger.Logger
}

// ClaudeSDK runs queries against the Claude Code CLI over its stream-json
// stdio protocol. The process is started on the first query and reused for
// follow-ups; the CLI keeps conversation state between turns.
type ClaudeSDK struct {
	opts ClaudeSDKOptions
	log  *logger.Logger

	mu       sync.Mutex
	proc     Proc
	client   *streamjson.Client
	procDone chan struct{}
	exitErr  error

	// Per-query routing, set while a Run is in flight.
	sink     RawSink
	resultCh chan *streamjson.Message
	running  bool
}

// NewClaudeSDK creates a claude-sdk runner. The process starts lazily.
func NewClaudeSDK(opts ClaudeSDKOptions) *ClaudeSDK {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &ClaudeSDK{
		opts: opts,
		log:  log.WithFields(zap.String("component", "claudesdk-runner")),
	}
}

// Run executes one query: write the prompt to stdin, forward every stdout
// line to sink, return when the CLI emits its result message.
func (r *ClaudeSDK) Run(ctx context.Context, prompt string, sink RawSink) (res *Result, err error) {
	start := time.Now()

	ctx, span := tracing.Tracer("runner").Start(ctx, "runner.run",
		trace.WithAttributes(attribute.String("runner.architecture", "claude-sdk")))
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
	if err := r.ensureStartedLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	resultCh := make(chan *streamjson.Message, 1)
	client := r.client
	procDone := r.procDone
	r.sink = sink
	r.resultCh = resultCh
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.sink = nil
		r.resultCh = nil
		r.running = false
		r.mu.Unlock()
	}()

	if err := client.SendUserMessage(prompt); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to send prompt")
	}

	select {
	case <-ctx.Done():
		return nil, errdefs.Canceled("query context canceled")

	case <-procDone:
		r.mu.Lock()
		exitErr := r.exitErr
		r.mu.Unlock()
		if exitErr != nil {
			return nil, errdefs.Wrap(errdefs.CodeRunnerFailed, exitErr, "agent process exited mid-query")
		}
		return nil, errdefs.New(errdefs.CodeRunnerFailed, "agent process exited mid-query")

	case msg := <-resultCh:
		return resultFromMessage(msg, start), nil
	}
}

// Cancel interrupts the in-flight query. The CLI acknowledges the interrupt
// and ends the turn with a result message, which unblocks Run.
func (r *ClaudeSDK) Cancel() {
	r.mu.Lock()
	client := r.client
	running := r.running
	r.mu.Unlock()

	if client == nil || !running {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		defer cancel()
		if err := client.Interrupt(ctx, interruptTimeout); err != nil {
			r.log.Warn("interrupt request failed", zap.Error(err))
		}
	}()
}

// Close terminates the agent process. Safe to call more than once.
func (r *ClaudeSDK) Close() {
	r.mu.Lock()
	proc := r.proc
	client := r.client
	r.proc = nil
	r.client = nil
	r.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if proc != nil {
		if err := proc.Kill(); err != nil {
			r.log.Debug("failed to kill agent process", zap.Error(err))
		}
	}
}

// ensureStartedLocked spawns the process and wires the stream-json client.
// Caller holds r.mu.
func (r *ClaudeSDK) ensureStartedLocked(ctx context.Context) error {
	if r.proc != nil {
		select {
		case <-r.procDone:
			// Process died since the last query; respawn below.
			r.proc = nil
			r.client = nil
		default:
			return nil
		}
	}

	if r.opts.Spawn == nil {
		return errdefs.New(errdefs.CodeRunnerFailed, "no spawner configured")
	}

	proc, err := r.opts.Spawn(ctx)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to spawn agent process")
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to create stdin pipe")
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to create stdout pipe")
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to create stderr pipe")
	}

	if err := proc.Start(); err != nil {
		return errdefs.Wrap(errdefs.CodeRunnerFailed, err, "failed to start agent process")
	}

	client := streamjson.NewClient(stdin, stdout, r.log)
	client.SetMessageHandler(r.handleMessage)
	client.Start(context.Background())

	procDone := make(chan struct{})
	go r.readStderr(stderr)
	go func() {
		err := proc.Wait()
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
		close(procDone)
		client.Stop()
	}()

	r.proc = proc
	r.client = client
	r.procDone = procDone
	r.exitErr = nil

	r.log.Info("agent process started")
	return nil
}

// handleMessage forwards every streamed line to the active query's sink and
// completes the query on the result message.
func (r *ClaudeSDK) handleMessage(raw []byte, msg *streamjson.Message) {
	r.mu.Lock()
	sink := r.sink
	resultCh := r.resultCh
	r.mu.Unlock()

	if sink == nil {
		r.log.Debug("dropping message outside query", zap.String("type", msg.Type))
		return
	}

	sink(json.RawMessage(raw))

	if msg.Type == streamjson.MessageTypeResult && resultCh != nil {
		select {
		case resultCh <- msg:
		default:
		}
	}
}

func (r *ClaudeSDK) readStderr(stderr interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		r.log.Debug("agent stderr", zap.String("line", line))
		if r.opts.OnStderr != nil {
			r.opts.OnStderr(line)
		}
	}
}

// resultFromMessage maps the CLI result message onto a Result.
func resultFromMessage(msg *streamjson.Message, start time.Time) *Result {
	res := &Result{
		ExitStatus: StatusSuccess,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if msg.IsError {
		res.ExitStatus = StatusError
	}
	if msg.DurationMS > 0 {
		res.DurationMs = msg.DurationMS
	}
	if msg.Usage != nil || msg.CostUSD != 0 {
		usage := &Usage{CostUSD: msg.CostUSD}
		if msg.Usage != nil {
			usage.InputTokens = msg.Usage.InputTokens
			usage.OutputTokens = msg.Usage.OutputTokens
		}
		res.Usage = usage
	}
	return res
}
