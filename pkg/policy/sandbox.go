package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ExecResult captures one sandboxed run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Sandbox executes model-generated Python in a child process carrying the
// workspace environment contract. The child's sitecustomize hooks consume:
//
//	EXCELMANUS_STAGING_MAP          JSON object of absolute original path to
//	                                absolute staged path; writes are redirected
//	                                to the staged copy
//	EXCELMANUS_BENCH_PROTECTED_DIRS comma-separated workspace-relative dirs
//	                                the child must not modify in place
//	EXCELMANUS_COW_LOG              file the child appends "original<TAB>copy"
//	                                lines to for each copy-on-write redirect
//
// This side only has to launch, bound and harvest the process.
type Sandbox struct {
	PythonBin string
	Timeout   time.Duration
	Workdir   string
	log       *slog.Logger
}

func NewSandbox(pythonBin, workdir string, timeout time.Duration) *Sandbox {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Sandbox{
		PythonBin: pythonBin,
		Timeout:   timeout,
		Workdir:   workdir,
		log:       slog.Default().With("component", "sandbox"),
	}
}

// Run writes code to a scratch file and executes it with extraEnv appended
// to the inherited environment. The run is killed at the timeout.
func (s *Sandbox) Run(ctx context.Context, code string, extraEnv []string) (*ExecResult, error) {
	scriptDir, err := os.MkdirTemp("", "excelmanus-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scriptDir)

	scriptPath := filepath.Join(scriptDir, "main.py")
	if err := os.WriteFile(scriptPath, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.PythonBin, scriptPath)
	cmd.Dir = s.Workdir
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		s.log.Warn("sandboxed run timed out", "timeout", s.Timeout)
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to launch %s: %w", s.PythonBin, runErr)
	}
	return result, nil
}

// ParseCoWLog reads the copy-on-write log written by sandboxed code: one
// "original<TAB>copy" pair per line. Malformed lines are skipped. A missing
// file means no redirects happened.
func ParseCoWLog(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cow log: %w", err)
	}

	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		orig, copyPath, ok := strings.Cut(line, "\t")
		if !ok || orig == "" || copyPath == "" {
			continue
		}
		out[orig] = copyPath
	}
	return out, nil
}
