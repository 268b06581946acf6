package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

const defaultRunTimeout = 300 * time.Second

// CleanupRecorder counts scratch directories that could not be removed.
type CleanupRecorder interface {
	RecordCleanupFailure()
}

// RunnerConfig locates the runner's directories.
type RunnerConfig struct {
	ScratchRoot    string // Parent of the per-execution scratch dirs.
	OutputsRoot    string // Where output_<id>.<format> files land.
	DefaultTimeout time.Duration
	Limits         ResourceLimits
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCleanupRecorder reports scratch removal failures.
func WithCleanupRecorder(c CleanupRecorder) RunnerOption {
	return func(r *Runner) { r.cleanup = c }
}

// WithRemoveAll replaces os.RemoveAll for scratch cleanup.
func WithRemoveAll(fn func(string) error) RunnerOption {
	return func(r *Runner) { r.removeAll = fn }
}

// Runner prepares a scratch dir per run, delegates to an Executor, and
// maps the exit into a terminal status. Safe for concurrent use; runs
// with distinct execution ids share no files.
type Runner struct {
	cfg       RunnerConfig
	executor  Executor
	cleanup   CleanupRecorder
	removeAll func(string) error
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, executor Executor, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultRunTimeout
	}
	r := &Runner{
		cfg:       cfg,
		executor:  executor,
		removeAll: os.RemoveAll,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExecutorName reports which executor backs the runner.
func (r *Runner) ExecutorName() string { return r.executor.Name() }

// Run executes req and always returns a terminal result.
func (r *Runner) Run(ctx context.Context, req RunRequest) *RunResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	format := req.OutputFormat
	if format == "" {
		format = domain.FormatJSON
	}

	logger := r.logger.With(
		slog.String("execution_id", req.ExecutionID),
		slog.String("executor", r.executor.Name()),
	)

	workDir := filepath.Join(r.cfg.ScratchRoot, req.ExecutionID)
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return spawnFailure(fmt.Errorf("creating scratch dir: %w", err))
	}
	defer r.removeScratch(logger, workDir)

	scriptName := "scraper_" + req.ExecutionID + ".py"
	if err := copyFile(req.ScriptPath, filepath.Join(workDir, scriptName)); err != nil {
		return spawnFailure(fmt.Errorf("copying script: %w", err))
	}

	if err := os.MkdirAll(r.cfg.OutputsRoot, 0750); err != nil {
		return spawnFailure(fmt.Errorf("creating outputs dir: %w", err))
	}
	outputPath := filepath.Join(r.cfg.OutputsRoot, fmt.Sprintf("output_%s.%s", req.ExecutionID, format))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.InfoContext(ctx, "sandbox run starting", slog.Duration("timeout", timeout))
	res, err := r.executor.Exec(ctx, ExecSpec{
		WorkDir:    workDir,
		ScriptName: scriptName,
		OutputPath: outputPath,
		Env:        req.Env,
		Limits:     r.cfg.Limits,
	})

	switch {
	case errors.Is(err, ErrTimeout):
		// Partial output is dropped.
		_ = os.Remove(outputPath)
		logger.WarnContext(ctx, "sandbox run timed out", slog.Duration("timeout", timeout))
		return &RunResult{
			Status:   domain.ExecutionTimeout,
			Duration: timeout,
			Error:    ErrTimeout.Error(),
		}
	case err != nil:
		_ = os.Remove(outputPath)
		logger.ErrorContext(ctx, "sandbox run could not complete", slog.String("error", err.Error()))
		return spawnFailure(err)
	}

	out := &RunResult{
		Duration: res.Duration,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if res.ExitCode != 0 {
		out.Status = domain.ExecutionFailed
		out.Error = strings.TrimSpace(res.Stderr)
		if out.Error == "" {
			out.Error = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		_ = os.Remove(outputPath)
	} else {
		out.Status = domain.ExecutionCompleted
		if info, statErr := os.Stat(outputPath); statErr == nil && info.Mode().IsRegular() {
			out.OutputPath = outputPath
		}
	}

	logger.InfoContext(ctx, "sandbox run finished",
		slog.String("status", string(out.Status)),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", out.Duration),
		slog.Bool("output_file", out.OutputPath != ""),
	)
	return out
}

// removeScratch deletes the scratch dir. Failures are logged and counted,
// never surfaced to the caller.
func (r *Runner) removeScratch(logger *slog.Logger, dir string) {
	if err := r.removeAll(dir); err != nil {
		logger.Warn("failed to remove scratch dir",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		if r.cleanup != nil {
			r.cleanup.RecordCleanupFailure()
		}
	}
}

func spawnFailure(err error) *RunResult {
	return &RunResult{
		Status: domain.ExecutionFailed,
		Error:  err.Error(),
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Compile-time interface check.
var _ Sandbox = (*Runner)(nil)
