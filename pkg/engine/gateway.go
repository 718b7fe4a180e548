package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/sandbox"
)

// File names inside the lease directory.
const (
	InputFile  = "input.json"
	OutputFile = "output.json"
)

// DefaultTimeout is the wall-clock budget of one engine call.
const DefaultTimeout = 10 * time.Minute

// ErrExecutionTimeout matches any engine call that ran out of time.
var ErrExecutionTimeout = core.ErrExecutionTimeout

// Lease is a prepared sandbox the gateway runs in. It is released exactly
// once per Execute.
type Lease interface {
	Dir() string
	CachePath() string
	Release()
}

var _ Lease = (*sandbox.Sandbox)(nil)

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout sets the wall-clock budget of each call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithAPIURL sets the API URL the engine calls back to.
func WithAPIURL(url string) Option {
	return func(g *Gateway) { g.apiURL = url }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway executes engine operations in sandboxes.
type Gateway struct {
	runner  sandbox.Runner
	command []string
	timeout time.Duration
	apiURL  string
	logger  *slog.Logger
}

// NewGateway creates a gateway that starts the engine with command.
func NewGateway(runner sandbox.Runner, command []string, opts ...Option) *Gateway {
	g := &Gateway{
		runner:  runner,
		command: command,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs op in lease and releases the lease when done, whatever the
// outcome. A timeout is returned as ErrExecutionTimeout.
func (g *Gateway) Execute(ctx context.Context, lease Lease, op Operation) (*Result, error) {
	defer lease.Release()

	kind := string(op.Kind())
	start := time.Now()
	defer func() {
		operationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	if len(g.command) == 0 {
		operationsTotal.WithLabelValues(kind, outcomeError).Inc()
		return nil, errors.New("engine: no engine command configured")
	}

	input, err := encodeInput(op, g.apiURL)
	if err != nil {
		operationsTotal.WithLabelValues(kind, outcomeError).Inc()
		return nil, fmt.Errorf("engine: encode %s: %w", kind, err)
	}
	inputPath := filepath.Join(lease.Dir(), InputFile)
	outputPath := filepath.Join(lease.Dir(), OutputFile)
	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		operationsTotal.WithLabelValues(kind, outcomeError).Inc()
		return nil, fmt.Errorf("engine: write input: %w", err)
	}

	out, err := g.runner.Run(ctx, sandbox.Command{
		Path:  g.command[0],
		Args:  g.command[1:],
		Dir:   lease.Dir(),
		Binds: []string{lease.CachePath()},
		Env: []string{
			"FLOWS_OPERATION=" + kind,
			"FLOWS_INPUT_FILE=" + inputPath,
			"FLOWS_OUTPUT_FILE=" + outputPath,
			"FLOWS_CACHE_PATH=" + lease.CachePath(),
		},
		Timeout: g.timeout,
	})
	if err != nil {
		operationsTotal.WithLabelValues(kind, outcomeError).Inc()
		return nil, fmt.Errorf("engine: run %s: %w", kind, err)
	}
	if out.TimedOut {
		return nil, g.timedOut(kind, out)
	}

	body, err := os.ReadFile(outputPath)
	if errors.Is(err, fs.ErrNotExist) {
		body = []byte(out.Stdout)
	} else if err != nil {
		operationsTotal.WithLabelValues(kind, outcomeError).Inc()
		return nil, fmt.Errorf("engine: read output: %w", err)
	}

	res, engineTimeout := parseResponse(body, out.ExitCode, out.Stdout, out.Stderr)
	if engineTimeout {
		return nil, g.timedOut(kind, out)
	}

	operationsTotal.WithLabelValues(kind, string(res.Verdict)).Inc()
	g.logger.Debug("engine call finished", "operation", kind, "verdict", res.Verdict, "exit_code", out.ExitCode, "duration", out.Duration)
	return res, nil
}

func (g *Gateway) timedOut(kind string, out sandbox.Output) error {
	operationsTotal.WithLabelValues(kind, outcomeTimeout).Inc()
	g.logger.Warn("engine call timed out", "operation", kind, "timeout", g.timeout, "stderr_bytes", len(out.Stderr))
	return core.Errorf(core.CodeExecutionTimeout, "%s exceeded %s", kind, g.timeout)
}
