package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/jxucoder/livelabs/pkg/sandbox"
)

// shellCommand prefers bash and falls back to sh.
const shellCommand = "if command -v bash >/dev/null 2>&1; then exec bash -l; else exec sh -l; fi"

// AttachShell spawns an interactive shell in the enrollment's sandbox under
// a pseudo-terminal. Each call starts a new process.
func (r *Runtime) AttachShell(ctx context.Context, enrollmentID string, opts sandbox.ShellOptions) (sandbox.Shell, error) {
	name := SandboxName(enrollmentID)
	if !r.IsRunning(ctx, name) {
		return nil, fmt.Errorf("sandbox %s is not running", name)
	}

	env := map[string]string{"TERM": "xterm-256color"}
	for k, v := range opts.Env {
		env[k] = v
	}
	args := []string{"exec", "-it"}
	args = append(args, envArgs(env)...)
	args = append(args, name, "sh", "-c", shellCommand)

	// The shell outlives the request that opened it; Close ends it.
	cmd := exec.Command(r.dockerBin, args...)
	size := &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols}
	if size.Rows == 0 || size.Cols == 0 {
		size = &pty.Winsize{Rows: 24, Cols: 80}
	}
	f, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("starting shell: %w", err)
	}
	return &ptyShell{cmd: cmd, tty: f}, nil
}

// ptyShell is a docker exec process attached to a pty.
type ptyShell struct {
	cmd *exec.Cmd
	tty *os.File

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func (s *ptyShell) Read(p []byte) (int, error)  { return s.tty.Read(p) }
func (s *ptyShell) Write(p []byte) (int, error) { return s.tty.Write(p) }

func (s *ptyShell) Resize(rows, cols uint16) error {
	return pty.Setsize(s.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *ptyShell) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close kills the shell process and releases the terminal.
func (s *ptyShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.tty.Close()
		go s.Wait()
	})
	return err
}
