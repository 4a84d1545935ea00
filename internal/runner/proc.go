package runner

import (
	"io"
	"os/exec"
)

// Proc is the minimal process surface the stdio runner needs. os/exec and
// remote-sandbox commands both satisfy it through small adapters, so the same
// runner drives a local workspace process, a container exec, or a sprite.
type Proc interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	Start() error
	Wait() error
	Kill() error
}

// execProc adapts *exec.Cmd to Proc.
type execProc struct {
	*exec.Cmd
}

// NewExecProc wraps a local command as a Proc.
func NewExecProc(cmd *exec.Cmd) Proc {
	return &execProc{Cmd: cmd}
}

func (p *execProc) Kill() error {
	if p.Process == nil {
		return nil
	}
	return p.Process.Kill()
}
