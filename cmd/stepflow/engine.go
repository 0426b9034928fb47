package main

import (
	"fmt"
	"os"

	"github.com/rendis/stepflow/internal/expressions"
)

// expressionsEngine picks the condition engine. CEL is the default;
// STEPFLOW_CONDITION_ENGINE selects expr or jq instead.
func expressionsEngine() (expressions.Engine, error) {
	switch os.Getenv("STEPFLOW_CONDITION_ENGINE") {
	case "", "cel":
		eng, err := expressions.NewCELEngine()
		if err != nil {
			return nil, fmt.Errorf("build cel engine: %w", err)
		}
		return eng, nil
	case "expr":
		return expressions.NewExprEngine(), nil
	case "jq":
		return expressions.NewGoJQEngine(), nil
	default:
		return nil, fmt.Errorf("unknown condition engine %q", os.Getenv("STEPFLOW_CONDITION_ENGINE"))
	}
}
