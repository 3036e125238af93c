// Package runner centralizes subprocess execution for the deployers.
// Commands are argv arrays (no shell interpolation), carry an explicit
// wall-clock timeout, and always return captured stdout/stderr so callers
// can surface partial logs on failure.
package runner

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// Command describes one subprocess invocation.
type Command struct {
	Argv    []string
	Env     map[string]string // overlaid on the parent environment
	Dir     string
	Timeout time.Duration
}

// Result is the outcome of a subprocess invocation. Output is captured even
// when the command fails or times out.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Err      error // start failure or timeout; nil for a plain non-zero exit
}

// Success reports whether the command ran to completion with exit code 0.
func (r Result) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Output returns stdout and stderr merged, the way operators read them.
func (r Result) Output() string {
	return r.Stdout + r.Stderr
}

// CommandRunner is the interface deployers execute external tools through.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) Result
}

// ExecRunner runs commands via os/exec.
type ExecRunner struct {
	logger zerolog.Logger
}

var _ CommandRunner = (*ExecRunner)(nil)

// NewExecRunner creates a runner that executes real subprocesses.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// Run executes cmd and waits for it to finish or hit its timeout. On timeout
// the child is killed and the partial output captured so far is returned.
func (e *ExecRunner) Run(ctx context.Context, cmd Command) Result {
	if len(cmd.Argv) == 0 {
		return Result{ExitCode: -1, Err: exec.ErrNotFound}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	e.logger.Debug().Strs("argv", cmd.Argv).Msg("running command")

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		env := os.Environ()
		for k, v := range cmd.Env {
			env = append(env, k+"="+v)
		}
		c.Env = env
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		res.Err = runCtx.Err()
		e.logger.Warn().Strs("argv", cmd.Argv).Dur("timeout", cmd.Timeout).Msg("command timed out")
		return res
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}

	e.logger.Debug().Strs("argv", cmd.Argv).Int("exit_code", res.ExitCode).Msg("command finished")
	return res
}
