// Package sprites runs execution environments on Sprites.dev remote
// sandboxes. A sprite is created lazily by its first command; the opencode
// server runs inside the sprite and is reached through a forwarded local
// port.
package sprites

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
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

const (
	// opencodeServerPort is where the opencode server listens inside the
	// sprite before the proxy forwards it to a local port.
	opencodeServerPort = 4096

	spriteStepTimeout     = 120 * time.Second
	spriteHealthTimeout   = 15 * time.Second
	spriteProbeTimeout    = 5 * time.Second
	spriteHealthRetryWait = 500 * time.Millisecond
)

type instance struct {
	sprite  *sprites.Sprite
	profile *profiles.Profile
	proxy   *sprites.ProxySession
	addr    string

	// cancel stops the in-sprite server process when the environment goes
	// away.
	cancel context.CancelFunc
}

// Driver implements ee.Driver on Sprites.dev sandboxes.
type Driver struct {
	client        *sprites.Client
	namePrefix    string
	workspacePath string
	log           *logger.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

// New creates a sprites driver from the configured API token.
func New(cfg config.SpritesConfig, log *logger.Logger) *Driver {
	workspace := cfg.WorkspacePath
	if workspace == "" {
		workspace = "/workspace"
	}
	return &Driver{
		client:        sprites.New(cfg.Token),
		namePrefix:    cfg.NamePrefix,
		workspacePath: workspace,
		log:           log.WithFields(zap.String("component", "ee-sprites")),
		instances:     make(map[string]*instance),
	}
}

func (d *Driver) Name() string { return "sprites" }

// Create brings up a sprite for the session. The first command creates the
// sandbox; for opencode profiles the server process is started inside it and
// its port forwarded locally.
func (d *Driver) Create(ctx context.Context, req ee.CreateRequest) (*ee.Handle, error) {
	spriteName := d.namePrefix + spriteSuffix(req.SessionID)
	sprite := d.client.Sprite(spriteName)

	d.log.Info("creating sprite environment",
		zap.String("session_id", req.SessionID),
		zap.String("sprite_name", spriteName))

	if err := d.initializeSprite(ctx, sprite); err != nil {
		d.destroySprite(sprite)
		return nil, err
	}

	inst := &instance{sprite: sprite, profile: req.Profile}
	handle := &ee.Handle{
		ID:   spriteName,
		Meta: map[string]string{"sprite_name": spriteName},
	}

	if req.Profile != nil && req.Profile.Architecture == converter.ArchOpenCode {
		addr, err := d.startOpenCodeServer(ctx, sprite, req.Profile, inst)
		if err != nil {
			d.cleanup(inst)
			return nil, err
		}
		inst.addr = addr
		handle.Addr = addr
	}

	d.mu.Lock()
	d.instances[handle.ID] = inst
	d.mu.Unlock()

	d.log.Info("sprite environment ready",
		zap.String("sprite_name", spriteName),
		zap.String("addr", handle.Addr))
	return handle, nil
}

// HealthCheck runs a trivial command in the sprite.
func (d *Driver) HealthCheck(ctx context.Context, h *ee.Handle) error {
	d.mu.Lock()
	inst, ok := d.instances[h.ID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown environment %s", h.ID)
	}

	probeCtx, cancel := context.WithTimeout(ctx, spriteProbeTimeout)
	defer cancel()
	out, err := inst.sprite.CommandContext(probeCtx, "echo", "ok").Output()
	if err != nil {
		return fmt.Errorf("sprite probe failed: %w", err)
	}
	if !strings.Contains(string(out), "ok") {
		return fmt.Errorf("unexpected sprite probe output: %s", string(out))
	}
	return nil
}

// Terminate closes the port forward and destroys the sprite. Remote sandboxes
// bill while alive, so the sandbox goes away with the environment.
func (d *Driver) Terminate(ctx context.Context, h *ee.Handle) error {
	d.mu.Lock()
	inst, ok := d.instances[h.ID]
	delete(d.instances, h.ID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	d.cleanup(inst)
	return nil
}

// SpawnRunner builds the per-architecture runner against the sprite.
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
			Spawn: func(ctx context.Context) (runner.Proc, error) {
				return d.spawnClaudeProc(inst), nil
			},
			Logger: d.log,
		}), nil

	case converter.ArchOpenCode:
		if inst.addr == "" {
			return nil, fmt.Errorf("environment %s has no opencode server", h.ID)
		}
		return runner.NewOpenCode(runner.OpenCodeOptions{
			Client:    opencode.NewClient(inst.addr, d.workspacePath, "", d.log),
			Model:     modelSpec(inst.profile),
			SessionID: opts.VendorSessionID,
			Logger:    d.log,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported architecture %q", architecture)
	}
}

// initializeSprite creates the sandbox through its first command and builds
// the workspace directory.
func (d *Driver) initializeSprite(ctx context.Context, sprite *sprites.Sprite) error {
	stepCtx, cancel := context.WithTimeout(ctx, spriteStepTimeout)
	defer cancel()

	out, err := sprite.CommandContext(stepCtx, "echo", "agenthost-ready").Output()
	if err != nil {
		return fmt.Errorf("failed to create sprite: %w", err)
	}
	if !strings.Contains(string(out), "agenthost-ready") {
		return fmt.Errorf("unexpected sprite output: %s", string(out))
	}

	if _, err := sprite.CommandContext(stepCtx, "mkdir", "-p", d.workspacePath).Output(); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// startOpenCodeServer launches the opencode server inside the sprite, waits
// for it to answer, and forwards its port to a free local one.
func (d *Driver) startOpenCodeServer(ctx context.Context, sprite *sprites.Sprite, profile *profiles.Profile, inst *instance) (string, error) {
	command := profile.Command
	args := profile.Args
	if command == "" {
		command = "opencode"
		args = []string{"serve", "--hostname", "127.0.0.1", "--port", fmt.Sprint(opencodeServerPort)}
	} else {
		args = portutil.SubstitutePort(args, opencodeServerPort)
	}

	// The server outlives this call; its context is canceled on terminate.
	serverCtx, cancel := context.WithCancel(context.Background())
	cmd := sprite.CommandContext(serverCtx, command, args...)
	cmd.Dir = d.workspacePath
	cmd.Env = profileEnv(profile)
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("failed to start opencode server in sprite: %w", err)
	}
	inst.cancel = cancel

	if err := d.waitForServer(ctx, sprite); err != nil {
		return "", err
	}

	localPort, err := portutil.AllocatePort()
	if err != nil {
		return "", fmt.Errorf("failed to allocate local port: %w", err)
	}
	session, err := sprite.ProxyPort(ctx, localPort, opencodeServerPort)
	if err != nil {
		return "", fmt.Errorf("port forwarding failed: %w", err)
	}
	inst.proxy = session

	return fmt.Sprintf("http://127.0.0.1:%d", localPort), nil
}

func (d *Driver) waitForServer(ctx context.Context, sprite *sprites.Sprite) error {
	deadline := time.Now().Add(spriteHealthTimeout)
	healthURL := fmt.Sprintf("http://localhost:%d/app", opencodeServerPort)

	for time.Now().Before(deadline) {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		out, err := sprite.CommandContext(checkCtx, "curl", "-sf", healthURL).Output()
		cancel()

		if err == nil && len(out) > 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(spriteHealthRetryWait)
	}
	return fmt.Errorf("opencode server did not become healthy within %v", spriteHealthTimeout)
}

func (d *Driver) cleanup(inst *instance) {
	if inst.proxy != nil {
		_ = inst.proxy.Close()
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	d.destroySprite(inst.sprite)
}

func (d *Driver) destroySprite(sprite *sprites.Sprite) {
	if err := sprite.Destroy(); err != nil {
		d.log.Warn("failed to destroy sprite", zap.Error(err))
	}
}

// spriteSuffix keeps sprite names short while staying unique per session.
func spriteSuffix(sessionID string) string {
	id := strings.ReplaceAll(sessionID, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// modelSpec splits a "provider/model" profile reference into the prompt
// request form.
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

func profileEnv(profile *profiles.Profile) []string {
	if profile == nil {
		return nil
	}
	env := make([]string, 0, len(profile.Env))
	for k, v := range profile.Env {
		env = append(env, k+"="+v)
	}
	return env
}
