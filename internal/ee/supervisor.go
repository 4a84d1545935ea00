package ee

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/runner"
)

const (
	// healthFailureThreshold is how many consecutive probe failures flip the
	// environment to error.
	healthFailureThreshold = 3

	// healthProbeTimeout bounds a single health probe.
	healthProbeTimeout = 5 * time.Second
)

// Notify receives every environment transition as a session event type plus
// payload. The owning session publishes these to its room.
type Notify func(eventType conversation.EventType, payload conversation.EEPayload)

// SupervisorConfig tunes the supervision policy.
type SupervisorConfig struct {
	// HealthCheckInterval between probes; 0 disables the health loop.
	HealthCheckInterval time.Duration

	// MaxRestarts is the restart budget per loaded session lifetime.
	MaxRestarts int
}

// Supervisor owns one session's execution environment. The environment is
// created lazily on the first EnsureReady; on error it is restarted up to the
// configured budget; Terminate releases it.
type Supervisor struct {
	driver Driver
	req    CreateRequest
	cfg    SupervisorConfig
	notify Notify
	log    *logger.Logger

	mu            sync.Mutex
	status        Status
	handle        *Handle
	statusMessage string
	restartCount  int
	lastHealth    time.Time
	lastErr       *LastError
	healthFails   int
	healthStop    chan struct{}

	// terminateRequested handles a Terminate that lands while a Create is in
	// flight: the freshly created environment is torn down immediately.
	terminateRequested bool
}

// NewSupervisor builds a supervisor in the inactive state. Nothing is created
// until EnsureReady.
func NewSupervisor(driver Driver, req CreateRequest, cfg SupervisorConfig, notify Notify, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	if notify == nil {
		notify = func(conversation.EventType, conversation.EEPayload) {}
	}
	return &Supervisor{
		driver: driver,
		req:    req,
		cfg:    cfg,
		notify: notify,
		log: log.WithFields(
			zap.String("component", "ee-supervisor"),
			zap.String("session_id", req.SessionID),
			zap.String("driver", driver.Name()),
		),
		status: StatusInactive,
	}
}

// State returns a snapshot of the environment.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Status:          s.status,
		StatusMessage:   s.statusMessage,
		LastHealthCheck: s.lastHealth,
		RestartCount:    s.restartCount,
	}
	if s.handle != nil {
		st.ID = s.handle.ID
	}
	if s.lastErr != nil {
		e := *s.lastErr
		st.LastError = &e
	}
	return st
}

// Status returns the current lifecycle status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EnsureReady returns the handle of a ready environment, creating or
// restarting one as needed. A restart from error consumes budget; exhaustion
// returns an ee_unavailable error without touching the environment.
func (s *Supervisor) EnsureReady(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	switch s.status {
	case StatusReady:
		h := s.handle
		s.mu.Unlock()
		return h, nil

	case StatusError:
		if s.restartCount >= s.cfg.MaxRestarts {
			err := s.lastErrLocked()
			s.mu.Unlock()
			return nil, errdefs.EEUnavailable(err)
		}
		s.restartCount++
		s.log.Info("restarting execution environment",
			zap.Int("restart_count", s.restartCount),
			zap.Int("max_restarts", s.cfg.MaxRestarts))

	case StatusInactive, StatusTerminated:
		// Fresh environment; terminated is terminal for the old one only.

	case StatusStarting:
		// The session executor is the only starter; a concurrent start means
		// a bug upstream.
		s.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeEEUnavailable, "environment already starting")
	}

	s.status = StatusStarting
	s.statusMessage = "creating execution environment"
	s.terminateRequested = false
	s.mu.Unlock()

	s.notify(conversation.EventEECreating, conversation.EEPayload{StatusMessage: "creating execution environment"})

	handle, err := s.driver.Create(ctx, s.req)
	if err != nil {
		s.markError(err)
		return nil, errdefs.EEUnavailable(err)
	}

	s.mu.Lock()
	if s.terminateRequested {
		s.mu.Unlock()
		termCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if terr := s.driver.Terminate(termCtx, handle); terr != nil {
			s.log.Warn("failed to tear down environment created during terminate", zap.Error(terr))
		}
		return nil, errdefs.Canceled("environment terminated during start")
	}
	s.handle = handle
	s.status = StatusReady
	s.statusMessage = ""
	s.lastErr = nil
	s.healthFails = 0
	s.startHealthLoopLocked()
	s.mu.Unlock()

	s.log.Info("execution environment ready", zap.String("ee_id", handle.ID))
	s.notify(conversation.EventEEReady, conversation.EEPayload{EEID: handle.ID})
	return handle, nil
}

// ReportFailure transitions a ready environment to error after a runtime
// fault (runner death, unreachable endpoint). The next EnsureReady restarts
// within budget.
func (s *Supervisor) ReportFailure(err error) {
	s.mu.Lock()
	if s.status == StatusTerminated || s.status == StatusError {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.markError(err)
}

// Terminate tears down the environment and stops health probing. Idempotent;
// a later EnsureReady creates a fresh environment.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStarting {
		s.terminateRequested = true
		s.mu.Unlock()
		return nil
	}
	if s.status == StatusTerminated || s.status == StatusInactive {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	s.handle = nil
	s.status = StatusTerminated
	s.statusMessage = ""
	s.stopHealthLoopLocked()
	s.mu.Unlock()

	var err error
	if handle != nil {
		if err = s.driver.Terminate(ctx, handle); err != nil {
			s.log.Warn("environment terminate failed", zap.Error(err))
		}
	}

	eeID := ""
	if handle != nil {
		eeID = handle.ID
	}
	s.log.Info("execution environment terminated", zap.String("ee_id", eeID))
	s.notify(conversation.EventEETerminated, conversation.EEPayload{EEID: eeID})
	return err
}

// Runner builds the query runner for the given architecture. The environment
// must be ready.
func (s *Supervisor) Runner(architecture string, opts runner.SpawnOptions) (runner.Runner, error) {
	s.mu.Lock()
	handle := s.handle
	status := s.status
	s.mu.Unlock()

	if status != StatusReady || handle == nil {
		return nil, errdefs.New(errdefs.CodeEEUnavailable, "environment not ready")
	}
	r, err := s.driver.SpawnRunner(handle, architecture, opts)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeEEUnavailable, err, "failed to spawn runner")
	}
	return r, nil
}

// HandleID returns the current environment id, if one exists.
func (s *Supervisor) HandleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.ID
}

func (s *Supervisor) markError(err error) {
	s.mu.Lock()
	s.status = StatusError
	s.statusMessage = err.Error()
	s.lastErr = &LastError{
		Message:   err.Error(),
		Code:      string(errdefs.CodeOf(err)),
		Timestamp: time.Now().UTC(),
	}
	s.stopHealthLoopLocked()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	s.log.Warn("execution environment errored", zap.Error(err))

	// Release whatever is left of the failed environment; errors here only
	// get logged, the state machine has already moved on.
	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if terr := s.driver.Terminate(ctx, handle); terr != nil {
			s.log.Debug("cleanup of failed environment", zap.Error(terr))
		}
	}

	s.notify(conversation.EventEEError, conversation.EEPayload{StatusMessage: err.Error()})
}

func (s *Supervisor) startHealthLoopLocked() {
	if s.cfg.HealthCheckInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	s.healthStop = stop
	handle := s.handle
	go s.healthLoop(handle, stop)
}

func (s *Supervisor) stopHealthLoopLocked() {
	if s.healthStop != nil {
		close(s.healthStop)
		s.healthStop = nil
	}
}

func (s *Supervisor) healthLoop(handle *Handle, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
			err := s.driver.HealthCheck(ctx, handle)
			cancel()

			s.mu.Lock()
			if s.status != StatusReady || s.handle != handle {
				s.mu.Unlock()
				return
			}
			if err == nil {
				s.healthFails = 0
				s.lastHealth = time.Now().UTC()
				s.mu.Unlock()
				continue
			}
			s.healthFails++
			fails := s.healthFails
			s.mu.Unlock()

			s.log.Warn("health check failed", zap.Int("consecutive", fails), zap.Error(err))
			if fails >= healthFailureThreshold {
				s.markError(errdefs.Wrap(errdefs.CodeEEUnavailable, err, "%d consecutive health check failures", fails))
				return
			}
		}
	}
}

func (s *Supervisor) lastErrLocked() error {
	if s.lastErr == nil {
		return errdefs.New(errdefs.CodeEEUnavailable, "restart budget exhausted")
	}
	return errdefs.New(errdefs.CodeEEUnavailable, "restart budget exhausted after: %s", s.lastErr.Message)
}
