package tasks

import (
	"context"
	"time"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// RegisterBuiltins registers all built-in tasks in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig, fsCfg FSConfig, shellCfg ShellConfig) error {
	all := make([]Task, 0, 32)

	all = append(all, CoreTasks()...)
	all = append(all, ExprTasks()...)
	all = append(all, TransformTasks()...)

	// HTTP tasks.
	all = append(all,
		NewHTTPRequestTask(httpCfg),
		NewHTTPGetTask(httpCfg),
		NewHTTPPostTask(httpCfg),
	)

	// Crypto tasks.
	all = append(all, CryptoTasks()...)

	// Assert tasks.
	all = append(all, AssertTasks(validator)...)

	// Filesystem tasks.
	all = append(all, FSTasks(fsCfg)...)

	// Shell tasks.
	all = append(all, ShellTasks(shellCfg)...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// CoreTasks returns the minimal built-in tasks.
func CoreTasks() []Task {
	return []Task{
		TaskFunc{
			TaskName:    "noop",
			Description: "Do nothing and publish a nil result",
			Fn: func(ctx context.Context, input TaskInput) (any, error) {
				return nil, nil
			},
		},
		TaskFunc{
			TaskName:    "echo",
			Description: "Return the 'value' param, or all params when 'value' is absent",
			Fn: func(ctx context.Context, input TaskInput) (any, error) {
				if v, ok := input.Params["value"]; ok {
					return v, nil
				}
				return input.Params, nil
			},
		},
		&sleepTask{},
	}
}

// --- sleep ---

type sleepTask struct{}

func (t *sleepTask) Name() string { return "sleep" }

func (t *sleepTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Sleep for the given 'duration' (Go duration string), honoring cancellation",
	}
}

func (t *sleepTask) Validate(params map[string]any) error {
	ds := stringParam(params, "duration", "")
	if ds == "" {
		return schema.NewError(schema.ErrCodeValidation, "sleep requires non-empty 'duration' string parameter")
	}
	if _, err := time.ParseDuration(ds); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "sleep: invalid duration %q", ds).WithCause(err)
	}
	return nil
}

func (t *sleepTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	d, _ := time.ParseDuration(stringParam(input.Params, "duration", ""))

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "sleep interrupted").WithCause(ctx.Err())
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	}
}
