package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

var (
	// ErrConverterStart means the converter process never started
	// (missing binary, bad permissions) - a systemic fault, not a
	// per-job one.
	ErrConverterStart = errors.New("converter failed to start")

	// ErrConverterTimeout means the process outlived its wall-clock
	// budget and was killed.
	ErrConverterTimeout = errors.New("converter timed out")
)

type RunRequest struct {
	InputPath  string
	OutputPath string
	JobID      string
	Format     Format
}

type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner launches one converter execution. Implementations capture the
// outcome without interpreting it; the orchestrator decides what an
// exit code means.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)

	// Timeout is the wall-clock budget a single Run is given.
	Timeout() time.Duration
}

// ProcessInvoker runs the external converter script as a child process:
//
//	converter <inputAbsPath> <outputAbsPath> <jobID> <format>
//
// The process is killed once timeout elapses. The timeout is expected to
// sit a safety margin below any supervisory timeout wrapping the worker,
// so a stuck converter dies before the outer net fires.
type ProcessInvoker struct {
	converterPath string
	timeout       time.Duration
}

func NewProcessInvoker(converterPath string, timeout time.Duration) *ProcessInvoker {
	return &ProcessInvoker{converterPath: converterPath, timeout: timeout}
}

func (p *ProcessInvoker) Timeout() time.Duration { return p.timeout }

func (p *ProcessInvoker) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, p.converterPath,
		req.InputPath, req.OutputPath, req.JobID, string(req.Format))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Don't let an orphaned grandchild holding the output pipes stall
	// Wait after the converter itself is gone.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	res := RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if cctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s", ErrConverterTimeout, p.timeout)
	}
	if cctx.Err() == context.Canceled {
		// Parent cancellation (worker shutdown), not a converter
		// outcome: the kill's exit code means nothing.
		return res, context.Canceled
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The process ran and exited on its own; the code is the outcome.
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrConverterStart, err)
	}
	return res, nil
}
