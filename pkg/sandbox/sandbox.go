// Package sandbox defines the interfaces for PatchPilot's ephemeral execution
// environments. A Session is an isolated remote filesystem plus a command
// runner; each pipeline run owns exactly one Session and must terminate it on
// every exit path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by ReadFile when the path does not exist in the
// session filesystem.
var ErrNotFound = errors.New("file not found in sandbox")

// ExitError is returned by Execute when the command ran but exited non-zero.
// The caller decides whether a non-zero exit is fatal.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d: %s", e.Code, e.Stderr)
}

// ExecResult holds the output of a command executed in a session.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is a live execution environment. Implementations must make
// Terminate idempotent: terminating twice is a no-op, never an error.
type Session interface {
	// ID is the opaque identifier of the remote environment.
	ID() string

	// WorkDir is the absolute directory the repository is cloned into.
	WorkDir() string

	// Execute runs a shell command in the session with a hard timeout. A
	// non-zero exit returns the result alongside an *ExitError; exceeding
	// the timeout returns an error wrapping context.DeadlineExceeded.
	Execute(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	// ReadFile returns the content of a file, or ErrNotFound.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes content to a file, creating parent directories as
	// needed.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Terminate releases the remote environment. Idempotent.
	Terminate(ctx context.Context) error
}

// CreateOptions configures a new session.
type CreateOptions struct {
	RunID   string
	Image   string   // container image name
	Network string   // container network name, empty for default
	Env     []string // additional environment variables
}

// Runtime allocates sessions. Create fails when the remote environment
// cannot be provisioned, which aborts the owning run.
type Runtime interface {
	Create(ctx context.Context, opts CreateOptions) (Session, error)
}
