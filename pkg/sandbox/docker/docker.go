// Package docker implements sandbox.Runtime using Docker containers driven
// through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/patchpilot/patchpilot/pkg/sandbox"
)

// DefaultWorkDir is the directory inside the container the repository is
// cloned into.
const DefaultWorkDir = "/workspace/repo"

// Runtime implements sandbox.Runtime using Docker.
type Runtime struct {
	dockerBin string
}

// New creates a new Docker sandbox runtime.
func New() *Runtime {
	return &Runtime{dockerBin: findDocker()}
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

// Create starts a long-lived container for one pipeline run. The container
// idles on sleep so the run can exec commands and move files until Terminate.
func (r *Runtime) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Session, error) {
	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("patchpilot-%s", opts.RunID),
		"--label", "patchpilot.run=" + opts.RunID,
		"--memory", "2048m",
		"--cpus", "2",
		"--pids-limit", "512",
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	args = append(args, "--entrypoint", "sleep", opts.Image, "infinity")

	output, err := r.docker(ctx, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("provisioning container: %w\noutput: %s", err, string(output))
	}

	return &session{
		runtime:     r,
		containerID: strings.TrimSpace(string(output)),
		workDir:     DefaultWorkDir,
	}, nil
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	if r.docker(ctx, "network", "inspect", name).Run() == nil {
		return nil
	}
	if output, err := r.docker(ctx, "network", "create", name).CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

// session is a live Docker container implementing sandbox.Session.
type session struct {
	runtime     *Runtime
	containerID string
	workDir     string

	terminate    sync.Once
	terminateErr error
}

func (s *session) ID() string      { return s.containerID }
func (s *session) WorkDir() string { return s.workDir }

// Execute runs a shell command in the container with a hard timeout.
func (s *session) Execute(ctx context.Context, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := s.runtime.docker(ctx, "exec", s.containerID, "bash", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &sandbox.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("command timed out after %s: %w", timeout, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &sandbox.ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("exec failed: %w", err)
}

// ReadFile returns a file's content via docker exec cat.
func (s *session) ReadFile(ctx context.Context, path string) ([]byte, error) {
	cmd := s.runtime.docker(ctx, "exec", s.containerID, "cat", "--", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such file") {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w: %s", path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// WriteFile streams content into the container, creating parent directories.
func (s *session) WriteFile(ctx context.Context, path string, data []byte) error {
	script := fmt.Sprintf(`mkdir -p "$(dirname %q)" && cat > %q`, path, path)
	cmd := s.runtime.docker(ctx, "exec", "-i", s.containerID, "bash", "-c", script)
	cmd.Stdin = bytes.NewReader(data)

	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("writing %s: %w\noutput: %s", path, err, string(output))
	}
	return nil
}

// Terminate kills and removes the container. Safe to call more than once;
// only the first call does work.
func (s *session) Terminate(ctx context.Context) error {
	s.terminate.Do(func() {
		_ = s.runtime.docker(ctx, "kill", s.containerID).Run()
		if output, err := s.runtime.docker(ctx, "rm", "-f", s.containerID).CombinedOutput(); err != nil {
			s.terminateErr = fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
		}
	})
	return s.terminateErr
}
