package tasks

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// TransformTasks returns the data transformation tasks.
func TransformTasks() []Task {
	return []Task{
		&jqTransformTask{engine: expressions.NewGoJQEngine()},
	}
}

// --- transform ---

type jqTransformTask struct {
	engine *expressions.GoJQEngine
}

func (t *jqTransformTask) Name() string { return "transform" }

func (t *jqTransformTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Apply a jq expression to the 'data' param (or the full params object)",
	}
}

func (t *jqTransformTask) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform requires non-empty 'expression' string parameter")
	}
	return nil
}

func (t *jqTransformTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	expression, _ := input.Params["expression"].(string)

	var data map[string]any
	if d, ok := input.Params["data"]; ok {
		m, ok := d.(map[string]any)
		if !ok {
			// Non-object data is wrapped so jq still addresses it as .data.
			data = map[string]any{"data": d}
		} else {
			data = m
		}
	} else {
		data = input.Params
	}

	return t.engine.EvaluateNormalized(ctx, expression, data)
}
