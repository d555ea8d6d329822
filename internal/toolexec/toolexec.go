// Package toolexec runs external command line tools such as the NAIF
// mkspk and msopck utilities.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/observability"
)

// Result is the captured output of one tool run.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner starts a process and waits for it. It exists so that tests can
// stand in for tools that are not installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs processes with os/exec. Dir is the working directory.
type ExecRunner struct {
	Dir string
}

// Run executes name with args, capturing stdout and stderr separately.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err := cmd.Run()
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}, err
}

// ToolError reports a tool that could not be started or exited non-zero.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Tool, strings.Join(e.Args, " "))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Executor runs tools, logs their output and records their run time.
type Executor struct {
	Runner  Runner
	DryRun  bool
	Metrics *observability.Collector
}

// NewExecutor returns an executor that runs real processes.
func NewExecutor() *Executor {
	return &Executor{Runner: ExecRunner{}}
}

// Command formats a command line for logging.
func Command(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Run executes the tool. Stdout is logged at INFO and stderr at ERROR.
func (e *Executor) Run(ctx context.Context, name string, args ...string) (Result, error) {
	log := zap.S().Named("toolexec")
	command := Command(name, args...)
	if e.DryRun {
		return Result{Stdout: "[DRY-RUN] Would execute: " + command}, nil
	}
	runner := e.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	log.Infof("Running %s", command)
	res, err := runner.Run(ctx, name, args...)
	e.Metrics.ObserveTool(name, res.Duration)
	if res.Stdout != "" {
		log.Infof("Captured stdout:\n%s", res.Stdout)
	}
	if res.Stderr != "" {
		log.Errorf("Captured stderr:\n%s", res.Stderr)
	}
	if err != nil {
		terr := &ToolError{Tool: name, Args: args, Stderr: res.Stderr, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			terr.ExitCode = exitErr.ExitCode()
		}
		return res, terr
	}
	return res, nil
}

// Available reports whether name can be found on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
