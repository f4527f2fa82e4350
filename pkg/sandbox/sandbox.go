// Package sandbox defines the interfaces LiveLabs uses to run learner
// environments, scripts, shells and app containers.
package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/jxucoder/livelabs/pkg/model"
)

// ErrNotFound is returned when a sandbox or app container does not exist.
var ErrNotFound = errors.New("container not found")

// SandboxSpec configures an enrollment's isolated environment.
type SandboxSpec struct {
	EnrollmentID string
	Image        string
	Network      string // Docker network name
}

// ExecRequest is a script run inside an enrollment's sandbox.
type ExecRequest struct {
	Script string
	Env    map[string]string
}

// ExecResult is the captured outcome of a script run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// ShellOptions configures an interactive shell.
type ShellOptions struct {
	Rows uint16
	Cols uint16
	Env  map[string]string
}

// Shell is a live interactive shell process attached to a terminal.
// Reads return raw terminal output.
type Shell interface {
	io.ReadWriteCloser
	// Resize changes the terminal size. It returns once the new size is in
	// effect.
	Resize(rows, cols uint16) error
	// Wait blocks until the shell process exits.
	Wait() error
}

// Provisioner manages enrollment sandboxes.
type Provisioner interface {
	// Ensure makes sure the enrollment's sandbox is running and returns its id.
	Ensure(ctx context.Context, spec SandboxSpec) (string, error)
	// Exec runs a script in the sandbox. A non-zero exit is a result, not an
	// error; errors mean the sandbox could not be reached.
	Exec(ctx context.Context, enrollmentID string, req ExecRequest) (*ExecResult, error)
	AttachShell(ctx context.Context, enrollmentID string, opts ShellOptions) (Shell, error)
	Stop(ctx context.Context, enrollmentID string) error
	EnsureNetwork(ctx context.Context, name string) error
}

// AppSpec configures an app container.
type AppSpec struct {
	EnrollmentID string
	Image        string
	Ports        []model.PortMapping
	Command      []string
	Env          map[string]string
	Network      string
}

// AppInfo is the live state of an app container.
type AppInfo struct {
	ContainerID string
	Running     bool
	ExitCode    int
	Ports       map[int]int // container port -> host port
}

// AppRuntime manages app containers.
type AppRuntime interface {
	RunApp(ctx context.Context, spec AppSpec) (*AppInfo, error)
	// InspectApp returns ErrNotFound when the container no longer exists.
	InspectApp(ctx context.Context, containerID string) (*AppInfo, error)
	RestartApp(ctx context.Context, containerID string) (*AppInfo, error)
	RemoveApp(ctx context.Context, containerID string) error
}
