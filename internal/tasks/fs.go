package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem tasks.
type FSConfig struct {
	Policy      PathPolicy
	MaxReadSize int64
}

// FSTasks returns all filesystem-related tasks.
func FSTasks(cfg FSConfig) []Task {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Task{
		&fsReadTask{cfg: cfg},
		&fsWriteTask{cfg: cfg},
		&fsAppendTask{cfg: cfg},
		&fsDeleteTask{cfg: cfg},
		&fsListTask{cfg: cfg},
		&fsStatTask{cfg: cfg},
	}
}

// fileInfoMap builds a standard stat result map from a path and fs.FileInfo.
func fileInfoMap(path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
		"permissions": fmt.Sprintf("%04o", info.Mode().Perm()),
	}
}

// absPath resolves a path to absolute.
func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid path %q: %v", path, err)
	}
	return abs, nil
}

// isBinary checks if data contains null bytes (binary detection heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

// --- JSON Schemas ---

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"},
    "create_dirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer", "default": 420}
  },
  "required": ["path", "content"]
}`

const fsAppendInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {"type": "string"}
  },
  "required": ["path", "content"]
}`

const fsDeleteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsStatInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"}
  },
  "required": ["path"]
}`

// --- fs.read ---

type fsReadTask struct{ cfg FSConfig }

func (t *fsReadTask) Name() string { return "fs.read" }

func (t *fsReadTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Read the contents of a file",
		InputSchema: json.RawMessage(fsReadInputSchema),
	}
}

func (t *fsReadTask) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.read: missing required param 'path'")
	}
	enc := stringParam(params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}
	return nil
}

func (t *fsReadTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Policy.ValidatePath(path, PathAccessRead); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, t.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	enc := stringParam(input.Params, "encoding", "auto")
	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}, nil
}

// --- fs.write ---

type fsWriteTask struct{ cfg FSConfig }

func (t *fsWriteTask) Name() string { return "fs.write" }

func (t *fsWriteTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Write content to a file, creating or overwriting it",
		InputSchema: json.RawMessage(fsWriteInputSchema),
	}
}

func (t *fsWriteTask) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'path'")
	}
	if _, ok := params["content"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'content'")
	}
	return nil
}

func (t *fsWriteTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Policy.ValidatePath(path, PathAccessWrite); err != nil {
		return nil, err
	}

	content := stringParam(input.Params, "content", "")
	createDirs := boolParam(input.Params, "create_dirs", false)
	fileMode := os.FileMode(intParam(input.Params, "mode", 0644))

	if createDirs {
		dir := filepath.Dir(path)
		if err := t.cfg.Policy.ValidatePath(dir, PathAccessWrite); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	data := []byte(content)
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.write: %v", err).WithCause(err)
	}

	return map[string]any{
		"path": path,
		"size": len(data),
	}, nil
}

// --- fs.append ---

type fsAppendTask struct{ cfg FSConfig }

func (t *fsAppendTask) Name() string { return "fs.append" }

func (t *fsAppendTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Append content to a file, creating it when missing",
		InputSchema: json.RawMessage(fsAppendInputSchema),
	}
}

func (t *fsAppendTask) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.append: missing required param 'path'")
	}
	if _, ok := params["content"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.append: missing required param 'content'")
	}
	return nil
}

func (t *fsAppendTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Policy.ValidatePath(path, PathAccessWrite); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.append: %v", err).WithCause(err)
	}
	defer f.Close()

	data := []byte(stringParam(input.Params, "content", ""))
	if _, err := f.Write(data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.append: %v", err).WithCause(err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.append: stat: %v", err).WithCause(err)
	}

	return map[string]any{
		"path": path,
		"size": info.Size(),
	}, nil
}

// --- fs.delete ---

type fsDeleteTask struct{ cfg FSConfig }

func (t *fsDeleteTask) Name() string { return "fs.delete" }

func (t *fsDeleteTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Delete a file, or a directory tree with recursive=true",
		InputSchema: json.RawMessage(fsDeleteInputSchema),
	}
}

func (t *fsDeleteTask) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.delete: missing required param 'path'")
	}
	return nil
}

func (t *fsDeleteTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Policy.ValidatePath(path, PathAccessWrite); err != nil {
		return nil, err
	}

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return map[string]any{"path": path, "deleted": false}, nil
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.delete: %v", err).WithCause(err)
	}

	if info.IsDir() && !boolParam(input.Params, "recursive", false) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.delete: %q is a directory; pass recursive=true", path)
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.delete: %v", err).WithCause(err)
	}

	return map[string]any{"path": path, "deleted": true}, nil
}

// --- fs.list ---

type fsListTask struct{ cfg FSConfig }

func (t *fsListTask) Name() string { return "fs.list" }

func (t *fsListTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "List directory entries, optionally filtered by glob pattern",
		InputSchema: json.RawMessage(fsListInputSchema),
	}
}

func (t *fsListTask) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.list: missing required param 'path'")
	}
	if pattern := stringParam(params, "pattern", ""); pattern != "" {
		if _, err := filepath.Match(pattern, "probe"); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q", pattern)
		}
	}
	return nil
}

func (t *fsListTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Policy.ValidatePath(path, PathAccessRead); err != nil {
		return nil, err
	}

	pattern := stringParam(input.Params, "pattern", "")
	recursive := boolParam(input.Params, "recursive", false)

	var entries []map[string]any
	appendEntry := func(entryPath string, info fs.FileInfo) {
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, info.Name()); !ok {
				return
			}
		}
		entries = append(entries, map[string]any{
			"name":        info.Name(),
			"path":        entryPath,
			"size":        info.Size(),
			"modified_at": info.ModTime().UTC().Format(time.RFC3339),
			"is_dir":      info.IsDir(),
		})
	}

	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == path {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			appendEntry(p, info)
			return nil
		})
	} else {
		var dirEntries []os.DirEntry
		dirEntries, err = os.ReadDir(path)
		if err == nil {
			for _, d := range dirEntries {
				info, infoErr := d.Info()
				if infoErr != nil {
					continue
				}
				appendEntry(filepath.Join(path, d.Name()), info)
			}
		}
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.list: %v", err).WithCause(err)
	}

	return map[string]any{
		"path":    path,
		"entries": entries,
	}, nil
}

// --- fs.stat ---

type fsStatTask struct{ cfg FSConfig }

func (t *fsStatTask) Name() string { return "fs.stat" }

func (t *fsStatTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Return size, timestamps, and permissions for a path",
		InputSchema: json.RawMessage(fsStatInputSchema),
	}
}

func (t *fsStatTask) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.stat: missing required param 'path'")
	}
	return nil
}

func (t *fsStatTask) Execute(_ context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}

	path, err := absPath(stringParam(input.Params, "path", ""))
	if err != nil {
		return nil, err
	}
	if err := t.cfg.Policy.ValidatePath(path, PathAccessRead); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fs.stat: %v", err).WithCause(err)
	}

	return fileInfoMap(path, info), nil
}
