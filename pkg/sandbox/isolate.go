package sandbox

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Defaults for IsolateRunner.
const (
	DefaultIsolateBinary = "isolate"
	DefaultIsolateBoxes  = 16
)

// IsolateRunner runs each command inside an isolate box. Box ids come from
// a fixed pool so concurrent runs never share one.
type IsolateRunner struct {
	binary string
	boxes  chan int
	exec   *ProcessRunner
}

// NewIsolateRunner creates a runner using binary with n boxes.
func NewIsolateRunner(binary string, n int) *IsolateRunner {
	if binary == "" {
		binary = DefaultIsolateBinary
	}
	if n <= 0 {
		n = DefaultIsolateBoxes
	}
	boxes := make(chan int, n)
	for i := 0; i < n; i++ {
		boxes <- i
	}
	return &IsolateRunner{binary: binary, boxes: boxes, exec: &ProcessRunner{}}
}

// Run implements Runner. It blocks until a box is free.
func (r *IsolateRunner) Run(ctx context.Context, c Command) (Output, error) {
	var box int
	select {
	case box = <-r.boxes:
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
	defer func() { r.boxes <- box }()

	boxFlag := "--box-id=" + strconv.Itoa(box)
	if _, err := r.control(ctx, boxFlag, "--cleanup"); err != nil {
		return Output{}, err
	}
	if _, err := r.control(ctx, boxFlag, "--init"); err != nil {
		return Output{}, err
	}
	defer func() {
		_, _ = r.control(context.WithoutCancel(ctx), boxFlag, "--cleanup")
	}()

	args := []string{boxFlag, "--processes", "--share-net", "--dir=" + c.Dir + ":rw", "--chdir=" + c.Dir}
	for _, b := range c.Binds {
		args = append(args, "--dir="+b)
	}
	for _, e := range c.Env {
		args = append(args, "--env="+e)
	}
	if c.Timeout > 0 {
		args = append(args, "--wall-time="+strconv.Itoa(int(math.Ceil(c.Timeout.Seconds()))))
	}
	args = append(args, "--run", "--", c.Path)
	args = append(args, c.Args...)

	return r.exec.Run(ctx, Command{
		Path:    r.binary,
		Args:    args,
		Timeout: c.Timeout,
	})
}

func (r *IsolateRunner) control(ctx context.Context, args ...string) (Output, error) {
	out, err := r.exec.Run(ctx, Command{Path: r.binary, Args: args})
	if err != nil {
		return out, err
	}
	if out.ExitCode != 0 {
		return out, fmt.Errorf("isolate %s: exit code %d: %s", strings.Join(args, " "), out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	return out, nil
}
