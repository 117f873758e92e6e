package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Local runs jobs with a host Python interpreter.
type Local struct {
	python  string
	timeout time.Duration
}

var _ Executor = (*Local)(nil)

// NewLocal returns an executor that runs python with the given timeout.
func NewLocal(python string, timeout time.Duration) *Local {
	if python == "" {
		python = "python3"
	}
	return &Local{python: python, timeout: timeout}
}

// Execute runs job with WorkDir as the child's working directory.
// The server process's own working directory is never touched.
func (l *Local) Execute(ctx context.Context, job Job) (*Result, error) {
	workDir, err := filepath.Abs(job.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	script, err := Script(job, Paths{ChartDir: workDir, DataDir: job.DataDir})
	if err != nil {
		return nil, err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, l.python, "-")
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewBufferString(script)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "MPLBACKEND=Agg", "PYTHONIOENCODING=utf-8")

	start := time.Now()
	err = cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("python execution aborted: %w", ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("run %s: %w", l.python, err)
	}

	slog.Debug("Sandbox job finished", "mode", "local", "exit_code", res.ExitCode, "duration", time.Since(start))
	return res, nil
}
