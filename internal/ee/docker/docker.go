// Package docker runs execution environments as containers. Each session
// gets one container; the claude-sdk agent process runs as a container exec,
// the opencode server is the container's main process reached over the
// container network.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/converter"
	"github.com/agenthost/agenthost/internal/ee"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/runner"
	"github.com/agenthost/agenthost/pkg/opencode"
)

const (
	// opencodeServerPort is where the opencode image serves inside the
	// container.
	opencodeServerPort = 4096

	// stopTimeout before the daemon kills the container.
	stopTimeout = 10 * time.Second

	labelSessionID = "agenthost.session_id"
	labelManagedBy = "agenthost.managed"
)

// Driver implements ee.Driver on a Docker daemon.
type Driver struct {
	cli *client.Client
	cfg config.DockerConfig
	log *logger.Logger

	mu       sync.Mutex
	profiles map[string]*profiles.Profile // container ID -> agent profile
}

// New connects to the Docker daemon configured in cfg.
func New(cfg config.DockerConfig, log *logger.Logger) (*Driver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Driver{
		cli:      cli,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "ee-docker")),
		profiles: make(map[string]*profiles.Profile),
	}, nil
}

func (d *Driver) Name() string { return "docker" }

// Close releases the daemon connection.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// Create pulls the runner image if needed and starts one container for the
// session. The workspace directory is bind-mounted at /workspace.
func (d *Driver) Create(ctx context.Context, req ee.CreateRequest) (*ee.Handle, error) {
	imageName := d.cfg.Image
	if req.Profile != nil {
		if img, ok := req.Profile.Options["image"].(string); ok && img != "" {
			imageName = img
		}
	}

	if err := d.ensureImage(ctx, imageName); err != nil {
		return nil, err
	}

	containerCfg := &container.Config{
		Image:      imageName,
		WorkingDir: "/workspace",
		Env:        profileEnv(req.Profile),
		Labels: map[string]string{
			labelManagedBy: "true",
			labelSessionID: req.SessionID,
		},
	}
	// The container's main process depends on the architecture: the opencode
	// server for opencode sessions, a keep-alive for exec-based claude-sdk.
	if req.Profile != nil && req.Profile.Architecture == converter.ArchOpenCode {
		containerCfg.Cmd = []string{"opencode", "serve", "--hostname", "0.0.0.0", "--port", fmt.Sprint(opencodeServerPort)}
	} else {
		containerCfg.Cmd = []string{"sleep", "infinity"}
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.DefaultNetwork),
		AutoRemove:  false, // removed explicitly on terminate
	}
	if req.WorkspaceDir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkspaceDir,
			Target: "/workspace",
		}}
	}

	name := "agenthost-" + req.SessionID
	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	d.mu.Lock()
	d.profiles[resp.ID] = req.Profile
	d.mu.Unlock()

	handle := &ee.Handle{
		ID:   resp.ID,
		Meta: map[string]string{"image": imageName},
	}
	if req.Profile != nil && req.Profile.Architecture == converter.ArchOpenCode {
		ip, err := d.containerIP(ctx, resp.ID)
		if err != nil {
			_ = d.Terminate(context.Background(), handle)
			return nil, err
		}
		handle.Addr = fmt.Sprintf("http://%s:%d", ip, opencodeServerPort)
	}

	d.log.Info("container environment created",
		zap.String("container_id", resp.ID),
		zap.String("image", imageName),
		zap.String("addr", handle.Addr))
	return handle, nil
}

// HealthCheck inspects the container and fails unless it is running.
func (d *Driver) HealthCheck(ctx context.Context, h *ee.Handle) error {
	inspect, err := d.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		state := "unknown"
		if inspect.State != nil {
			state = inspect.State.Status
		}
		return fmt.Errorf("container not running: %s", state)
	}
	return nil
}

// Terminate stops and removes the container. Missing containers are treated
// as already terminated.
func (d *Driver) Terminate(ctx context.Context, h *ee.Handle) error {
	d.mu.Lock()
	delete(d.profiles, h.ID)
	d.mu.Unlock()

	timeout := int(stopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			d.log.Warn("container stop failed", zap.String("container_id", h.ID), zap.Error(err))
		}
	}
	if err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", h.ID, err)
	}
	return nil
}

// SpawnRunner builds the architecture runner against the container.
func (d *Driver) SpawnRunner(h *ee.Handle, architecture string, opts runner.SpawnOptions) (runner.Runner, error) {
	d.mu.Lock()
	profile := d.profiles[h.ID]
	d.mu.Unlock()

	switch architecture {
	case converter.ArchClaudeSDK:
		return runner.NewClaudeSDK(runner.ClaudeSDKOptions{
			Spawn: func(ctx context.Context) (runner.Proc, error) {
				return newExecProc(d.cli, h.ID, claudeExecCmd(profile), profileEnv(profile)), nil
			},
			Logger: d.log,
		}), nil

	case converter.ArchOpenCode:
		if h.Addr == "" {
			return nil, fmt.Errorf("container %s exposes no opencode server", h.ID)
		}
		return runner.NewOpenCode(runner.OpenCodeOptions{
			Client:    opencode.NewClient(h.Addr, "/workspace", "", d.log),
			Model:     modelSpec(profile),
			SessionID: opts.VendorSessionID,
			Logger:    d.log,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported architecture %q", architecture)
	}
}

func (d *Driver) ensureImage(ctx context.Context, imageName string) error {
	if _, err := d.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	d.log.Info("pulling image", zap.String("image", imageName))
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (d *Driver) containerIP(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container for IP: %w", err)
	}
	if inspect.NetworkSettings != nil {
		if inspect.NetworkSettings.IPAddress != "" {
			return inspect.NetworkSettings.IPAddress, nil
		}
		for _, netSettings := range inspect.NetworkSettings.Networks {
			if netSettings.IPAddress != "" {
				return netSettings.IPAddress, nil
			}
		}
	}
	return "", fmt.Errorf("no IP address found for container %s", containerID)
}

// claudeExecCmd builds the Claude Code CLI invocation run as a container exec.
func claudeExecCmd(profile *profiles.Profile) []string {
	command := "claude"
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
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
	}
	return append([]string{command}, args...)
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
