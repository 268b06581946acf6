package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty scripts.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultInterpreter = "python3"
	defaultCPUSeconds  = 300
	defaultMemoryMB    = 1024
	defaultFileSizeMB  = 100
)

// ProcessConfig configures the process-based executor.
type ProcessConfig struct {
	Interpreter   string // Default: python3.
	DefaultLimits ResourceLimits
	// PassEnv names host variables forwarded to the script (e.g. HTTPS_PROXY).
	PassEnv []string
	// LookupEnv reads PassEnv values. Default: none are forwarded.
	LookupEnv func(string) (string, bool)
}

// ProcessExecutor runs scripts as isolated OS processes.
//
// Security guarantees:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type ProcessExecutor struct {
	interpreter   string
	defaultLimits ResourceLimits
	passEnv       []string
	lookupEnv     func(string) (string, bool)
	logger        *slog.Logger
}

// NewProcessExecutor creates a process-based executor.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = defaultInterpreter
	}

	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	if limits.MaxFileSizeMB == 0 {
		limits.MaxFileSizeMB = defaultFileSizeMB
	}

	return &ProcessExecutor{
		interpreter:   interpreter,
		defaultLimits: limits,
		passEnv:       cfg.PassEnv,
		lookupEnv:     cfg.LookupEnv,
		logger:        logger,
	}
}

func (e *ProcessExecutor) Name() string { return "process" }

// Exec runs the interpreter on spec.ScriptName inside spec.WorkDir.
func (e *ProcessExecutor) Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	limits := e.resolveLimits(spec.Limits)

	// The command is wrapped: sh -c 'ulimit ...; exec "$@"' _ python3 script.py
	//
	// Using exec "$@" with positional parameters prevents shell injection:
	// the script name is never interpolated into the shell string.
	args := []string{"-c", ulimitScript(limits), "_", e.interpreter, spec.ScriptName}
	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = spec.WorkDir

	// Process group isolation: the child runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Kill the entire process group on context cancellation (timeout/cancel).
	// This ensures child processes spawned by the script are also terminated.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	// Sanitized environment: NO inheritance from the host process.
	cmd.Env = e.buildEnv(spec)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.DebugContext(ctx, "process executor starting",
		slog.String("script", spec.ScriptName),
		slog.String("dir", spec.WorkDir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.interpreter, err)
	}
	runErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctxErr
		}

		// Non-zero exit code is not an error, it's a result.
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", e.interpreter, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// resolveLimits merges request-level overrides with executor defaults.
func (e *ProcessExecutor) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := e.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	if req.MaxFileSizeMB > 0 {
		limits.MaxFileSizeMB = req.MaxFileSizeMB
	}
	if req.MaxProcesses > 0 {
		limits.MaxProcesses = req.MaxProcesses
	}
	return limits
}

// ulimitScript renders the shell prelude. Failures of individual ulimit
// calls are ignored so unsupported limits do not block the run.
func ulimitScript(l ResourceLimits) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", l.MaxMemoryMB*1024)
	fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", l.MaxCPUSeconds)
	// ulimit -f counts 512-byte blocks in POSIX sh.
	fmt.Fprintf(&b, "ulimit -f %d 2>/dev/null; ", l.MaxFileSizeMB*2048)
	if l.MaxProcesses > 0 {
		fmt.Fprintf(&b, "ulimit -u %d 2>/dev/null; ", l.MaxProcesses)
	}
	b.WriteString(`exec "$@"`)
	return b.String()
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited. This prevents
// API keys, credentials, and other secrets from leaking into scripts.
func (e *ProcessExecutor) buildEnv(spec ExecSpec) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + spec.WorkDir,
		"TMPDIR=" + spec.WorkDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	if e.lookupEnv != nil {
		for _, name := range e.passEnv {
			if v, ok := e.lookupEnv(name); ok {
				env = append(env, name+"="+v)
			}
		}
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return append(env, "OUTPUT_FILE="+spec.OutputPath)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
