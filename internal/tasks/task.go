// Package tasks defines the executable units of work that plan steps invoke,
// and the registry that resolves a step's task name to an implementation.
package tasks

import (
	"context"
	"encoding/json"
)

// Task is an executable unit of work bound to a plan step.
type Task interface {
	Name() string
	Schema() TaskSchema
	Execute(ctx context.Context, input TaskInput) (any, error)
	Validate(params map[string]any) error
}

// TaskRegistry manages the lifecycle and lookup of available tasks.
type TaskRegistry interface {
	Register(task Task) error
	Get(name string) (Task, error)
	List() []TaskInfo
}

// TaskSchema describes the input/output contract of a task.
type TaskSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// TaskInput is the data provided to a task at execution time. Params holds
// the step's resolved input bindings; RunContext is a read-only snapshot of
// the published step results.
type TaskInput struct {
	Params     map[string]any `json:"params"`
	RunContext map[string]any `json:"run_context,omitempty"`
}

// TaskInfo is a summary of a registered task for listing.
type TaskInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TaskFunc adapts a plain function into a Task. It carries no schema and
// accepts any params.
type TaskFunc struct {
	TaskName    string
	Description string
	Fn          func(ctx context.Context, input TaskInput) (any, error)
}

func (f TaskFunc) Name() string { return f.TaskName }

func (f TaskFunc) Schema() TaskSchema {
	return TaskSchema{Description: f.Description}
}

func (f TaskFunc) Validate(params map[string]any) error { return nil }

func (f TaskFunc) Execute(ctx context.Context, input TaskInput) (any, error) {
	return f.Fn(ctx, input)
}

var _ Task = TaskFunc{}
