package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "python:3.12-slim"

	containerWorkDir = "/work"
)

// DockerConfig configures the Docker-based executor.
type DockerConfig struct {
	Image          string  // Image with python3 and the scraping libraries installed.
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	NetworkAllowed bool    // false = --network=none (no network stack at all).
}

// DockerExecutor runs scripts inside ephemeral Docker containers.
//
// Security guarantees:
//   - Each run gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for /tmp
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user matching the host owner of the scratch dir
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Only the per-execution scratch dir is mounted
//
// Scripts write OUTPUT_FILE inside the mounted scratch dir; the file is
// moved to the requested output path after a successful exit.
type DockerExecutor struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerExecutor creates a Docker-based executor.
func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) *DockerExecutor {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerExecutor{
		config: cfg,
		logger: logger,
	}
}

func (e *DockerExecutor) Name() string { return "docker" }

// Exec runs the script inside an ephemeral container with full hardening.
func (e *DockerExecutor) Exec(ctx context.Context, spec ExecSpec) (*ExecResult, error) {
	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := e.config.MemoryMB
	if spec.Limits.MaxMemoryMB > 0 {
		memoryMB = spec.Limits.MaxMemoryMB
	}

	outputName := filepath.Base(spec.OutputPath)
	args := e.buildDockerArgs(containerName, memoryMB, spec, outputName)
	args = append(args, "python3", spec.ScriptName)

	cmd := exec.CommandContext(ctx, "docker", args...)

	// Kill the docker client on cancellation; forceRemoveContainer stops
	// the container itself.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.DebugContext(ctx, "docker executor starting",
		slog.String("container", containerName),
		slog.String("image", e.config.Image),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", e.config.CPUCores),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting docker: %w", err)
	}
	runErr := cmd.Wait()
	duration := time.Since(start)

	// Safety net: force remove the container in case --rm didn't fire
	// (e.g., OOM kill, daemon restart, context cancel race).
	e.forceRemoveContainer(containerName)

	exitCode := 0
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctxErr
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	if exitCode == 0 {
		e.collectOutput(filepath.Join(spec.WorkDir, outputName), spec.OutputPath)
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// buildDockerArgs constructs the full docker run argument list with all
// security hardening flags. The command itself is NOT included; caller appends it.
func (e *DockerExecutor) buildDockerArgs(name string, memoryMB int, spec ExecSpec, outputName string) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(e.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(e.config.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--read-only",                      // Read-only root filesystem.
		"--user=" + strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid()),

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,           // CPU rate limit.
		"--pids-limit=" + pidsFlag,    // Fork bomb protection.

		// --- Writable scratch ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--volume", spec.WorkDir + ":" + containerWorkDir + ":rw",
		"--workdir", containerWorkDir,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + containerWorkDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=dumb",
		"--env", "PYTHONUNBUFFERED=1",
		"--env", "PYTHONDONTWRITEBYTECODE=1",
		"--env", "OUTPUT_FILE=" + containerWorkDir + "/" + outputName,
	}

	// Network policy.
	if e.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Image (must come after all flags, before command).
	return append(args, e.config.Image)
}

// collectOutput moves the in-container output file to its final path.
func (e *DockerExecutor) collectOutput(src, dst string) {
	if _, err := os.Stat(src); err != nil {
		return
	}
	if err := os.Rename(src, dst); err != nil {
		e.logger.Warn("moving container output failed",
			slog.String("src", src),
			slog.String("dst", dst),
			slog.String("error", err.Error()),
		)
	}
}

// forceRemoveContainer attempts to remove a container by name.
// Errors are logged but not returned (best-effort cleanup).
func (e *DockerExecutor) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			e.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: scrapeforge-run-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "scrapeforge-run-" + hex.EncodeToString(b), nil
}
