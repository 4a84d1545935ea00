package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agenthost/agenthost/internal/runner"
)

// execProc runs a command as a container exec and exposes it through the
// runner.Proc surface. Docker multiplexes stdout and stderr over one hijacked
// connection when Tty is false; stdcopy splits them back apart.
type execProc struct {
	cli         *client.Client
	containerID string
	cmd         []string
	env         []string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu     sync.Mutex
	execID string
	conn   net.Conn
	done   chan struct{}
	err    error
}

func newExecProc(cli *client.Client, containerID string, cmd, env []string) runner.Proc {
	p := &execProc{
		cli:         cli,
		containerID: containerID,
		cmd:         cmd,
		env:         env,
		done:        make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *execProc) StdinPipe() (io.WriteCloser, error) { return p.stdinW, nil }
func (p *execProc) StdoutPipe() (io.ReadCloser, error) { return p.stdoutR, nil }
func (p *execProc) StderrPipe() (io.ReadCloser, error) { return p.stderrR, nil }

// Start creates the exec instance and attaches to its streams.
func (p *execProc) Start() error {
	ctx := context.Background()

	createResp, err := p.cli.ContainerExecCreate(ctx, p.containerID, container.ExecOptions{
		Cmd:          p.cmd,
		Env:          p.env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec in container %s: %w", p.containerID, err)
	}

	attachResp, err := p.cli.ContainerExecAttach(ctx, createResp.ID, container.ExecStartOptions{Tty: false})
	if err != nil {
		return fmt.Errorf("failed to attach to exec %s: %w", createResp.ID, err)
	}

	p.mu.Lock()
	p.execID = createResp.ID
	p.conn = attachResp.Conn
	p.mu.Unlock()

	go func() {
		_, _ = io.Copy(attachResp.Conn, p.stdinR)
	}()

	go func() {
		_, copyErr := stdcopy.StdCopy(p.stdoutW, p.stderrW, attachResp.Reader)
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()

		inspect, inspectErr := p.cli.ContainerExecInspect(context.Background(), createResp.ID)
		p.mu.Lock()
		switch {
		case inspectErr != nil:
			p.err = fmt.Errorf("failed to inspect exec: %w", inspectErr)
		case inspect.ExitCode != 0:
			p.err = fmt.Errorf("exec exited with code %d", inspect.ExitCode)
		case copyErr != nil && copyErr != io.EOF:
			p.err = copyErr
		}
		p.mu.Unlock()
		close(p.done)
	}()

	return nil
}

// Wait blocks until the exec's stream closes, then reports its exit status.
func (p *execProc) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill severs the hijacked connection. Docker has no exec-kill API; closing
// stdin and the connection makes the CLI process exit.
func (p *execProc) Kill() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	_ = p.stdinW.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
