package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Mode selects how engine processes are isolated.
type Mode string

const (
	// ModeIsolated wraps every process in an isolate box.
	ModeIsolated Mode = "isolated"
	// ModeUnsandboxed runs processes directly. Only for trusted code.
	ModeUnsandboxed Mode = "unsandboxed"
)

// Command is one process invocation.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory, mounted read-write when isolated.
	Dir string
	// Binds are extra directories made visible read-only when isolated.
	Binds   []string
	Env     []string
	Timeout time.Duration
}

// Output is what a finished process left behind. A process killed by its
// timeout has TimedOut set and no error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner executes commands. Errors mean the process could not be run at
// all; a non-zero exit is reported in Output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// RunnerConfig carries the settings NewRunner needs for isolated mode.
type RunnerConfig struct {
	IsolateBinary string
	Boxes         int
}

// NewRunner returns the Runner for mode.
func NewRunner(mode Mode, cfg RunnerConfig) (Runner, error) {
	switch mode {
	case ModeUnsandboxed:
		return &ProcessRunner{}, nil
	case ModeIsolated:
		return NewIsolateRunner(cfg.IsolateBinary, cfg.Boxes), nil
	}
	return nil, core.Errorf(core.CodeValidation, "unknown sandbox mode %q", mode)
}

// ProcessRunner runs commands as plain child processes.
type ProcessRunner struct {
	// Env is added to every command's environment after the parent's.
	Env []string
}

// Run implements Runner.
func (r *ProcessRunner) Run(ctx context.Context, c Command) (Output, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, r.Env...)
	cmd.Env = append(cmd.Env, c.Env...)
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("run %s: %w", c.Path, err)
	}
	return out, nil
}
