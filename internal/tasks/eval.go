package tasks

import (
	"context"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// ExprTasks returns the expression evaluation tasks.
func ExprTasks() []Task {
	return []Task{
		&exprEvalTask{engine: expressions.NewExprEngine()},
	}
}

// --- expr.eval ---

type exprEvalTask struct {
	engine *expressions.ExprEngine
}

func (t *exprEvalTask) Name() string { return "expr.eval" }

func (t *exprEvalTask) Schema() TaskSchema {
	return TaskSchema{
		Description: "Evaluate an Expr expression against explicit data and the run context",
	}
}

func (t *exprEvalTask) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (t *exprEvalTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	if err := t.Validate(input.Params); err != nil {
		return nil, err
	}
	expression, _ := input.Params["expression"].(string)

	scope := make(map[string]any)

	// If explicit data is provided, expose it under "data".
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	// Published step results are addressable by context key.
	scope["steps"] = input.RunContext

	return t.engine.Evaluate(ctx, expression, scope)
}
