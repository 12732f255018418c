// Package shell runs dispatcher tooling commands, either on the local host or
// inside the dispatcher's container, always from the project directory.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single command when none is configured.
const DefaultTimeout = 30 * time.Second

// stderrLimit is how much stderr is kept for error messages.
const stderrLimit = 8192

// Runner runs one shell command line and returns its stdout.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Config describes where commands run.
type Config struct {
	Container  string // empty runs on the local host
	ProjectDir string // commands run from here when set
	Timeout    time.Duration
}

// ExitError is a command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// NotFound reports whether the shell could not find the program (exit 127).
func (e *ExitError) NotFound() bool { return e.ExitCode == 127 }

// Exec runs commands through `bash -lc`, wrapped in `docker exec` when a
// container is configured.
type Exec struct {
	cfg Config
	log *logrus.Entry
}

// New creates an Exec.
func New(cfg Config, log *logrus.Entry) *Exec {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Exec{cfg: cfg, log: log.WithField("component", "shell")}
}

// Argv returns the program and arguments used to run command.
func (e *Exec) Argv(command string) []string {
	script := command
	if e.cfg.ProjectDir != "" {
		script = "cd " + quote(e.cfg.ProjectDir) + " && " + command
	}
	if e.cfg.Container != "" {
		return []string{"docker", "exec", e.cfg.Container, "bash", "-lc", script}
	}
	return []string{"bash", "-lc", script}
}

// Run executes command and returns its stdout. A non-zero exit is returned as
// *ExitError carrying the tail of stderr.
func (e *Exec) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	argv := e.Argv(command)
	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: stderrLimit}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	e.log.WithFields(logrus.Fields{
		"command":  command,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("command finished")

	if err == nil {
		return stdout.String(), nil
	}
	if ctx.Err() != nil {
		return stdout.String(), fmt.Errorf("%s: %w", command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &ExitError{
			Command:  command,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.String(), fmt.Errorf("%s: %w", command, err)
}

// quote wraps s in single quotes for bash.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// limitedBuffer is a thread-safe buffer that keeps only the last max bytes.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := len(p)
	lb.buf.Write(p)
	if over := lb.buf.Len() - lb.max; over > 0 {
		lb.buf.Next(over)
	}
	return n, nil
}

func (lb *limitedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}
