package sprites

import (
	"context"
	"fmt"
	"io"

	sprites "github.com/superfly/sprites-go"

	"github.com/agenthost/agenthost/internal/runner"
)

// spriteProc adapts a sprite command to runner.Proc. The sprites command
// mirrors os/exec, so only Kill needs glue: the remote process has no signal
// API, canceling its context tears the command down.
type spriteProc struct {
	cmd    *sprites.Cmd
	cancel context.CancelFunc
}

func (d *Driver) spawnClaudeProc(inst *instance) runner.Proc {
	// The agent process holds conversation state across queries, so its
	// context derives from Background and is canceled only through Kill.
	procCtx, cancel := context.WithCancel(context.Background())

	command := "claude"
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	profile := inst.profile
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

	cmd := inst.sprite.CommandContext(procCtx, command, args...)
	cmd.Dir = d.workspacePath
	cmd.Env = profileEnv(profile)

	return &spriteProc{cmd: cmd, cancel: cancel}
}

func (p *spriteProc) StdinPipe() (io.WriteCloser, error) {
	pipe, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sprite stdin: %w", err)
	}
	return pipe, nil
}

func (p *spriteProc) StdoutPipe() (io.ReadCloser, error) {
	pipe, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sprite stdout: %w", err)
	}
	return pipe, nil
}

func (p *spriteProc) StderrPipe() (io.ReadCloser, error) {
	pipe, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open sprite stderr: %w", err)
	}
	return pipe, nil
}

func (p *spriteProc) Start() error { return p.cmd.Start() }
func (p *spriteProc) Wait() error  { return p.cmd.Wait() }

func (p *spriteProc) Kill() error {
	p.cancel()
	return nil
}
