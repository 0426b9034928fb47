package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell.exec task.
type ShellConfig struct {
	Policy         PathPolicy
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// ShellTasks returns all shell-related tasks.
func ShellTasks(cfg ShellConfig) []Task {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return []Task{
		&shellExecTask{cfg: cfg},
	}
}

const shellExecInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

const shellExecOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "stdout_raw": {"type": "string", "description": "always the raw string output"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "duration_ms": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

// --- Param helpers ---

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// --- shell.exec ---

type shellExecTask struct {
	cfg ShellConfig
}

func (t *shellExecTask) Name() string { return "shell.exec" }

func (t *shellExecTask) Schema() TaskSchema {
	return TaskSchema{
		Description:  "Execute a system command, capturing stdout, stderr, and exit code.",
		InputSchema:  json.RawMessage(shellExecInputSchema),
		OutputSchema: json.RawMessage(shellExecOutputSchema),
	}
}

func (t *shellExecTask) Validate(params map[string]any) error {
	if stringParam(params, "command", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.exec: missing required param 'command'")
	}
	return nil
}

func (t *shellExecTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := t.Validate(params); err != nil {
		return nil, err
	}

	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	shellMode := boolParam(params, "shell", false)

	timeout := t.cfg.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	// Own the deadline so a timeout kill is distinguishable from a plain
	// non-zero exit.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if shellMode {
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}

	if cwd != "" {
		if err := t.cfg.Policy.ValidatePath(cwd, PathAccessRead); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePathDenied, "shell.exec: cwd path denied: %v", err).WithCause(err)
		}
		cmd.Dir = cwd
	}

	// Inherit current env + user overrides.
	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: t.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: t.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Non-exit error (e.g., command not found).
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.exec: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout if it's valid JSON, for consistent interpolation
	// (mirrors http.get which auto-parses JSON bodies).
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}, nil
}

// --- limitedWriter ---

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // Capture original length before any truncation.
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
