package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const waitDelay = 2 * time.Second

// Executor runs external programs with a timeout and bounded output
// capture. It never goes through a shell; arguments are passed as-is.
type Executor struct {
	workingDir     string
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxOutputBytes int
}

// ExecConfig configures an Executor.
type ExecConfig struct {
	WorkingDir     string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
}

// DefaultExecConfig returns the defaults used when fields are zero.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
		MaxOutputBytes: 100 * 1024, // 100KB
	}
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecConfig) *Executor {
	def := DefaultExecConfig()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	return &Executor{
		workingDir:     cfg.WorkingDir,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Err summarises a failed run as an error, or returns nil when the
// program exited zero.
func (r *ExecResult) Err() error {
	switch {
	case r.TimedOut:
		return fmt.Errorf("command timed out after %s", r.Duration.Round(time.Millisecond))
	case r.ExitCode != 0:
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(r.Stdout)
		}
		if msg == "" {
			return fmt.Errorf("command exited with status %d", r.ExitCode)
		}
		return fmt.Errorf("command exited with status %d: %s", r.ExitCode, msg)
	default:
		return nil
	}
}

// Run executes name with args. A timeout of zero uses the default; any
// timeout is capped at the configured maximum. The returned error is
// non-nil only when the program could not be started; a non-zero exit
// or a timeout is reported in the result.
func (e *Executor) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	// Children that inherit stdout must not hold Wait open past the kill.
	cmd.WaitDelay = waitDelay
	if e.workingDir != "" {
		cmd.Dir = e.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout:   truncateOutput(stdout.String(), e.maxOutputBytes),
		Stderr:   truncateOutput(stderr.String(), e.maxOutputBytes),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	return result, nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
