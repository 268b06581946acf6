// Package sandbox runs generated scraper scripts in isolated, time-boxed
// child processes. Scripts never run on the host outside a sandbox.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// ErrTimeout is returned by an Executor when the run's deadline expires.
var ErrTimeout = errors.New("execution timed out")

// Sandbox runs one script and reports a terminal outcome. Run never returns
// a nil result.
type Sandbox interface {
	Run(ctx context.Context, req RunRequest) *RunResult
}

// RunRequest describes one script run.
type RunRequest struct {
	// ScriptPath is the persisted script; it is copied, never executed in place.
	ScriptPath   string
	ExecutionID  string
	OutputFormat domain.OutputFormat

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration

	// Env adds variables on top of the sanitized base set and OUTPUT_FILE.
	Env map[string]string
}

// RunResult is the outcome of a run. Status is always terminal.
type RunResult struct {
	Status     domain.ExecutionStatus
	Duration   time.Duration
	Stdout     string
	Stderr     string
	OutputPath string // Set on completed runs when the script wrote OUTPUT_FILE.
	Error      string
}

// Outcome converts the result into the domain outcome applied by Execution.Finish.
// Stdout stands in as output data when no output file was written.
func (r *RunResult) Outcome() domain.Outcome {
	o := domain.Outcome{
		Status:   r.Status,
		Duration: r.Duration,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Error:    r.Error,
	}
	if r.Status == domain.ExecutionCompleted {
		if r.OutputPath != "" {
			o.OutputFilePath = r.OutputPath
		} else {
			o.OutputData = r.Stdout
		}
	}
	return o
}

// Executor spawns the interpreter for one prepared run.
type Executor interface {
	Name() string
	// Exec runs the script and returns its exit status. A non-zero exit is
	// a result, not an error. Errors are ErrTimeout, context cancellation,
	// or a failure to spawn.
	Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error)
}

// ExecSpec is a prepared run handed to an Executor.
type ExecSpec struct {
	// WorkDir is the per-execution scratch directory holding ScriptName.
	WorkDir    string
	ScriptName string

	// OutputPath is where the script must write its result (OUTPUT_FILE).
	OutputPath string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Limits overrides resource limits. Zero values = use executor defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
	MaxFileSizeMB int // Largest file the script may write (ulimit -f).
	MaxProcesses  int // Per-user process limit (ulimit -u). Zero = not applied.
}

// ExecResult captures what the child process did.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
