// Package bindings resolves step input bindings against the shared run
// context. Resolution is pure: it reads the context snapshot it is given
// and never mutates it.
package bindings

import (
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// Resolve materializes a step's input bindings into concrete parameter
// values. Literals pass through untouched; references are looked up by
// step name in the run context. A reference to a name the context does
// not hold fails with MISSING_CONTEXT_VARIABLE naming both the parameter
// and the missing variable.
func Resolve(inputs map[string]schema.Binding, runContext map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(inputs))

	// Deterministic order so the first missing reference reported is
	// stable across runs.
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b := inputs[name]
		if !b.IsReference() {
			params[name] = b.Value()
			continue
		}

		value, ok := runContext[b.StepName()]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMissingContextVar,
				"parameter %q references %q, which is not in the run context", name, b.String()).
				WithDetails(map[string]any{
					"parameter": name,
					"reference": b.StepName(),
				})
		}
		params[name] = value
	}

	return params, nil
}

// MissingReferences returns the referenced step names that the run
// context does not yet hold, sorted. An empty result means the step's
// inputs are fully resolvable.
func MissingReferences(inputs map[string]schema.Binding, runContext map[string]any) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, b := range inputs {
		if !b.IsReference() {
			continue
		}
		name := b.StepName()
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := runContext[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
