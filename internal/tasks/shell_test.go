package tasks

import (
	"bytes"
	"context"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execShell(t *testing.T, cfg ShellConfig, params map[string]any) (map[string]any, error) {
	t.Helper()
	task := ShellTasks(cfg)[0]
	out, err := task.Execute(context.Background(), TaskInput{Params: params})
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "expected map output, got %T", out)
	return result, nil
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests require a POSIX shell")
	}
}

func TestShellExecEcho(t *testing.T) {
	skipOnWindows(t)

	result, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result["stdout_raw"])
	assert.Equal(t, 0, result["exit_code"])
	assert.Equal(t, false, result["killed"])
}

func TestShellExecJSONStdout(t *testing.T) {
	skipOnWindows(t)

	result, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "echo",
		"args":    []any{`{"ok":true,"count":3}`},
	})
	require.NoError(t, err)

	parsed, ok := result["stdout"].(map[string]any)
	require.True(t, ok, "stdout should be auto-parsed JSON")
	assert.Equal(t, true, parsed["ok"])
	assert.Equal(t, float64(3), parsed["count"])
	assert.Contains(t, result["stdout_raw"], `"ok":true`)
}

func TestShellExecNonZeroExit(t *testing.T) {
	skipOnWindows(t)

	result, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "exit 3",
		"shell":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result["exit_code"])
}

func TestShellExecCommandNotFound(t *testing.T) {
	skipOnWindows(t)

	_, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "definitely-not-a-command-xyz",
	})
	require.Error(t, err)
}

func TestShellExecStdin(t *testing.T) {
	skipOnWindows(t)

	result, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "cat",
		"stdin":   "piped input",
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input", result["stdout_raw"])
}

func TestShellExecEnv(t *testing.T) {
	skipOnWindows(t)

	result, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "printenv STEPFLOW_TEST_VAR",
		"shell":   true,
		"env":     map[string]any{"STEPFLOW_TEST_VAR": "present"},
	})
	require.NoError(t, err)
	assert.Equal(t, "present\n", result["stdout_raw"])
}

func TestShellExecTimeout(t *testing.T) {
	skipOnWindows(t)

	result, err := execShell(t, ShellConfig{}, map[string]any{
		"command": "sleep",
		"args":    []any{"5"},
		"timeout": "50ms",
	})
	require.NoError(t, err)
	assert.Equal(t, true, result["killed"])
	assert.NotEqual(t, 0, result["exit_code"])
}

func TestShellExecCwdDenied(t *testing.T) {
	skipOnWindows(t)

	allowed := t.TempDir()
	cfg := ShellConfig{Policy: PathPolicy{WritablePaths: []string{allowed}}}

	_, err := execShell(t, cfg, map[string]any{
		"command": "pwd",
		"cwd":     filepath.Dir(allowed),
	})
	assertPathDenied(t, err)
}

func TestShellExecMissingCommand(t *testing.T) {
	_, err := execShell(t, ShellConfig{}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'command'")
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	// Reports full consumption so the pipe never blocks.
	assert.Equal(t, 8, n)
	assert.Equal(t, "abcde", buf.String())

	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", buf.String())
}
