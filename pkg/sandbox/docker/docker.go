// Package docker implements sandbox.Provisioner and sandbox.AppRuntime by
// driving the docker CLI.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jxucoder/livelabs/pkg/sandbox"
)

const (
	sandboxPrefix = "livelabs-"
	appPrefix     = "livelabs-app-"
	labelSandbox  = "livelabs.enrollment"
	labelApp      = "livelabs.app"
)

// Runtime implements sandbox.Provisioner and sandbox.AppRuntime using Docker.
type Runtime struct {
	dockerBin string
}

var (
	_ sandbox.Provisioner = (*Runtime)(nil)
	_ sandbox.AppRuntime  = (*Runtime)(nil)
)

// New creates a new Docker runtime.
func New() *Runtime {
	return &Runtime{
		dockerBin: findDocker(),
	}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.dockerBin, args...)
}

// SandboxName returns the container name of an enrollment's sandbox.
func SandboxName(enrollmentID string) string { return sandboxPrefix + enrollmentID }

// AppName returns the container name of an enrollment's app container.
func AppName(enrollmentID string) string { return appPrefix + enrollmentID }

// --- Sandboxes ---

// Ensure starts the enrollment's sandbox unless it is already running.
func (r *Runtime) Ensure(ctx context.Context, spec sandbox.SandboxSpec) (string, error) {
	name := SandboxName(spec.EnrollmentID)

	info, err := r.inspect(ctx, name)
	switch {
	case err == nil && info.Running:
		return info.ContainerID, nil
	case err == nil:
		if out, err := r.docker(ctx, "start", name).CombinedOutput(); err != nil {
			return "", fmt.Errorf("restarting sandbox: %w\noutput: %s", err, string(out))
		}
		return info.ContainerID, nil
	case !errors.Is(err, sandbox.ErrNotFound):
		return "", err
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelSandbox + "=" + spec.EnrollmentID,
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	args = append(args, "--entrypoint", "sleep", spec.Image, "infinity")

	output, err := r.docker(ctx, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("starting sandbox: %w\noutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// killGrace is how long a timed-out script gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// timeoutExit is the status timeout(1) exits with when it stops a script.
const timeoutExit = 124

// Exec runs a script with sh inside the enrollment's sandbox. When ctx has a
// deadline the script is also bounded inside the container, so a hung script
// dies with the run instead of outliving its docker client.
func (r *Runtime) Exec(ctx context.Context, enrollmentID string, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	name := SandboxName(enrollmentID)
	if !r.IsRunning(ctx, name) {
		return nil, fmt.Errorf("sandbox %s is not running", name)
	}

	var bound time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		bound = scriptBound(time.Until(deadline))
	}
	pidFile := fmt.Sprintf("/tmp/.livelabs-exec-%d.pid", time.Now().UnixNano())

	cmd := r.docker(ctx, execArgs(name, req.Env, bound, pidFile)...)
	cmd.Stdin = strings.NewReader(req.Script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	res := &sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() != nil {
		r.killScript(name, pidFile)
		res.ExitCode = -1
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		if !res.TimedOut {
			return nil, ctx.Err()
		}
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if bound > 0 && res.ExitCode == timeoutExit && time.Since(started) >= bound {
			res.ExitCode = -1
			res.TimedOut = true
		}
	default:
		return nil, fmt.Errorf("running docker exec: %w", err)
	}
	return res, nil
}

// scriptBound returns the in-container limit for a run with the given time
// left. It leaves room for the kill grace so the container stops the script
// before the client gives up. The bound is never below one second.
func scriptBound(remaining time.Duration) time.Duration {
	b := (remaining - killGrace - time.Second).Truncate(time.Second)
	if b < time.Second {
		b = time.Second
	}
	return b
}

// execArgs builds the docker exec invocation for a script read from stdin.
// The wrapper records its pid so the run can be killed from outside, then
// hands over to timeout(1) when a bound is set and the image has it.
func execArgs(name string, env map[string]string, bound time.Duration, pidFile string) []string {
	args := []string{"exec", "-i"}
	args = append(args, envArgs(env)...)
	if bound <= 0 {
		return append(args, name, "sh", "-s")
	}
	wrapper := fmt.Sprintf(
		"echo $$ > %[1]s; if command -v timeout >/dev/null 2>&1; then exec timeout -k %[2]d %[3]d sh -s; fi; exec sh -s",
		pidFile, int(killGrace.Seconds()), int(bound.Seconds()))
	return append(args, name, "sh", "-c", wrapper)
}

// killScript kills a run's process group inside the sandbox. Used when the
// client gave up before the in-container bound fired.
func (r *Runtime) killScript(name, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	script := fmt.Sprintf("p=$(cat %[1]s 2>/dev/null) && { kill -KILL -- -$p 2>/dev/null; kill -KILL $p 2>/dev/null; }; rm -f %[1]s", pidFile)
	_ = r.docker(ctx, "exec", name, "sh", "-c", script).Run()
}

// Stop kills and removes the enrollment's sandbox.
func (r *Runtime) Stop(ctx context.Context, enrollmentID string) error {
	return r.remove(ctx, SandboxName(enrollmentID))
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	check := r.docker(ctx, "network", "inspect", name)
	if check.Run() == nil {
		return nil
	}

	cmd := r.docker(ctx, "network", "create", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

// IsRunning checks if a container is still running.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	cmd := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

// --- App containers ---

// RunApp replaces any previous app container of the enrollment with a fresh
// one and returns its live state.
func (r *Runtime) RunApp(ctx context.Context, spec sandbox.AppSpec) (*sandbox.AppInfo, error) {
	name := AppName(spec.EnrollmentID)
	_ = r.remove(ctx, name)

	output, err := r.docker(ctx, runAppArgs(spec)...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("starting app container: %w\noutput: %s", err, string(output))
	}
	return r.inspect(ctx, strings.TrimSpace(string(output)))
}

// InspectApp returns the live state of an app container.
func (r *Runtime) InspectApp(ctx context.Context, containerID string) (*sandbox.AppInfo, error) {
	return r.inspect(ctx, containerID)
}

// RestartApp restarts an app container in place.
func (r *Runtime) RestartApp(ctx context.Context, containerID string) (*sandbox.AppInfo, error) {
	if output, err := r.docker(ctx, "restart", containerID).CombinedOutput(); err != nil {
		if isNoSuchContainer(output) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("restarting app container: %w\noutput: %s", err, string(output))
	}
	return r.inspect(ctx, containerID)
}

// RemoveApp kills and removes an app container.
func (r *Runtime) RemoveApp(ctx context.Context, containerID string) error {
	return r.remove(ctx, containerID)
}

func runAppArgs(spec sandbox.AppSpec) []string {
	args := []string{
		"run", "-d",
		"--name", AppName(spec.EnrollmentID),
		"--label", labelApp + "=" + spec.EnrollmentID,
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, p := range spec.Ports {
		if p.Host > 0 {
			args = append(args, "-p", fmt.Sprintf("%d:%d", p.Host, p.Container))
		} else {
			args = append(args, "-p", strconv.Itoa(p.Container))
		}
	}
	args = append(args, envArgs(spec.Env)...)
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func (r *Runtime) remove(ctx context.Context, name string) error {
	_ = r.docker(ctx, "kill", name).Run()
	cmd := r.docker(ctx, "rm", "-f", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		if isNoSuchContainer(output) {
			return nil
		}
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// inspectDoc is the subset of `docker inspect` output LiveLabs reads.
type inspectDoc struct {
	ID    string `json:"Id"`
	State struct {
		Running  bool `json:"Running"`
		ExitCode int  `json:"ExitCode"`
	} `json:"State"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostIP   string `json:"HostIp"`
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

func (r *Runtime) inspect(ctx context.Context, containerID string) (*sandbox.AppInfo, error) {
	cmd := r.docker(ctx, "inspect", containerID)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if isNoSuchContainer(stderr.Bytes()) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("inspecting %s: %w\noutput: %s", containerID, err, stderr.String())
	}
	return parseInspect(stdout.Bytes())
}

func parseInspect(data []byte) (*sandbox.AppInfo, error) {
	var docs []inspectDoc
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decoding docker inspect: %w", err)
	}
	if len(docs) == 0 {
		return nil, sandbox.ErrNotFound
	}
	d := docs[0]
	info := &sandbox.AppInfo{
		ContainerID: d.ID,
		Running:     d.State.Running,
		ExitCode:    d.State.ExitCode,
		Ports:       make(map[int]int),
	}
	for key, bindings := range d.NetworkSettings.Ports {
		port, _, _ := strings.Cut(key, "/")
		containerPort, err := strconv.Atoi(port)
		if err != nil {
			continue
		}
		for _, b := range bindings {
			if hostPort, err := strconv.Atoi(b.HostPort); err == nil {
				info.Ports[containerPort] = hostPort
				break
			}
		}
	}
	return info, nil
}

func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

func isNoSuchContainer(output []byte) bool {
	s := string(output)
	return strings.Contains(s, "No such container") || strings.Contains(s, "No such object")
}
