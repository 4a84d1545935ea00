// Package local runs execution environments as plain processes on the host.
// The environment is a per-session workspace directory; for the opencode
// architecture it additionally owns the opencode server process the runner
// talks to.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/common/portutil"
	"github.com/agenthost/agenthost/internal/converter"
	"github.com/agenthost/agenthost/internal/ee"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/runner"
	"github.com/agenthost/agenthost/pkg/opencode"
)

// Default launch commands when the agent profile does not override them.
const (
	defaultClaudeCommand   = "claude"
	defaultOpenCodeCommand = "opencode"
)

type instance struct {
	workspace string
	profile   *profiles.Profile
	server    *exec.Cmd // opencode server, nil for claude-sdk
	addr      string
}

// Driver implements ee.Driver on the host machine.
type Driver struct {
	basePath string
	log      *logger.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// New creates a local driver rooted at the configured workspace base path.
func New(cfg config.EEConfig, log *logger.Logger) *Driver {
	base := cfg.WorkspaceBasePath
	if home, err := os.UserHomeDir(); err == nil && len(base) > 1 && base[:2] == "~/" {
		base = filepath.Join(home, base[2:])
	}
	return &Driver{
		basePath:  base,
		log:       log.WithFields(zap.String("component", "ee-local")),
		instances: make(map[string]*instance),
	}
}

func (d *Driver) Name() string { return "local" }

// Create builds the session workspace and, for opencode profiles, starts the
// opencode server on a free port.
func (d *Driver) Create(ctx context.Context, req ee.CreateRequest) (*ee.Handle, error) {
	workspace := filepath.Join(d.basePath, req.SessionID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", workspace, err)
	}

	inst := &instance{workspace: workspace, profile: req.Profile}
	handle := &ee.Handle{
		ID:   "local-" + req.SessionID,
		Meta: map[string]string{"workspace": workspace},
	}

	if req.Profile != nil && req.Profile.Architecture == converter.ArchOpenCode {
		addr, server, err := d.startOpenCodeServer(ctx, req.Profile, workspace)
		if err != nil {
			return nil, err
		}
		inst.server = server
		inst.addr = addr
		handle.Addr = addr
	}

	d.mu.Lock()
	d.instances[handle.ID] = inst
	d.mu.Unlock()

	d.log.Info("local environment created",
		zap.String("ee_id", handle.ID),
		zap.String("workspace", workspace),
		zap.String("addr", handle.Addr))
	return handle, nil
}

// HealthCheck verifies the server process (when one exists) is still alive.
func (d *Driver) HealthCheck(ctx context.Context, h *ee.Handle) error {
	d.mu.Lock()
	inst, ok := d.instances[h.ID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown environment %s", h.ID)
	}
	if inst.server == nil || inst.server.Process == nil {
		return nil
	}
	if err := inst.server.Process.Signal(syscall.Signal(0)); err != nil {
		return fmt.Errorf("server process gone: %w", err)
	}
	return nil
}

// Terminate kills the server process. The workspace directory is kept so an
// unloaded session can resume with its files intact.
func (d *Driver) Terminate(ctx context.Context, h *ee.Handle) error {
	d.mu.Lock()
	inst, ok := d.instances[h.ID]
	delete(d.instances, h.ID)
	d.mu.Unlock()
	if !ok || inst.server == nil || inst.server.Process == nil {
		return nil
	}
	if err := inst.server.Process.Kill(); err != nil {
		d.log.Debug("failed to kill server process", zap.Error(err))
	}
	_ = inst.server.Wait()
	return nil
}

// SpawnRunner builds the per-architecture runner for the environment.
func (d *Driver) SpawnRunner(h *ee.Handle, architecture string, opts runner.SpawnOptions) (runner.Runner, error) {
	d.mu.Lock()
	inst, ok := d.instances[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown environment %s", h.ID)
	}

	switch architecture {
	case converter.ArchClaudeSDK:
		return runner.NewClaudeSDK(runner.ClaudeSDKOptions{
			// The agent process outlives individual queries; the Spawn
			// context is deliberately not threaded into the command.
			Spawn: func(ctx context.Context) (runner.Proc, error) {
				cmd := claudeCommand(inst.profile, inst.workspace)
				return runner.NewExecProc(cmd), nil
			},
			Logger: d.log,
		}), nil

	case converter.ArchOpenCode:
		if inst.addr == "" {
			return nil, fmt.Errorf("environment %s has no opencode server", h.ID)
		}
		client := opencode.NewClient(inst.addr, inst.workspace, "", d.log)
		return runner.NewOpenCode(runner.OpenCodeOptions{
			Client:    client,
			Model:     modelSpec(inst.profile),
			SessionID: opts.VendorSessionID,
			Logger:    d.log,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported architecture %q", architecture)
	}
}

// startOpenCodeServer launches the opencode server bound to a free local
// port and returns its base URL.
func (d *Driver) startOpenCodeServer(ctx context.Context, profile *profiles.Profile, workspace string) (string, *exec.Cmd, error) {
	port, err := portutil.AllocatePort()
	if err != nil {
		return "", nil, fmt.Errorf("failed to allocate server port: %w", err)
	}

	command := profile.Command
	args := profile.Args
	if command == "" {
		command = defaultOpenCodeCommand
		args = []string{"serve", "--hostname", "127.0.0.1", "--port", fmt.Sprint(port)}
	} else {
		args = portutil.SubstitutePort(args, port)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = workspace
	cmd.Env = mergedEnv(profile.Env)
	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("failed to start opencode server: %w", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)
	d.log.Info("opencode server started", zap.String("addr", addr), zap.Int("pid", cmd.Process.Pid))
	return addr, cmd, nil
}

// claudeCommand builds the CLI invocation for one agent process. The process
// holds the vendor conversation state, so its lifetime is owned by the runner
// (Kill on Close), never by a query context.
func claudeCommand(profile *profiles.Profile, workspace string) *exec.Cmd {
	command := defaultClaudeCommand
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	var env map[string]string
	if profile != nil {
		if profile.Command != "" {
			command = profile.Command
			args = profile.Args
		} else {
			args = append(args, profile.Args...)
			if profile.Model != "" {
				args = append(args, "--model", profile.Model)
			}
		}
		env = profile.Env
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = workspace
	cmd.Env = mergedEnv(env)
	return cmd
}

// modelSpec splits a "provider/model" profile reference into the prompt
// request form. A bare model id leaves the provider choice to the server.
func modelSpec(profile *profiles.Profile) *opencode.ModelSpec {
	if profile == nil || profile.Model == "" {
		return nil
	}
	provider, model, found := strings.Cut(profile.Model, "/")
	if !found {
		return &opencode.ModelSpec{ModelID: profile.Model}
	}
	return &opencode.ModelSpec{ProviderID: provider, ModelID: model}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
