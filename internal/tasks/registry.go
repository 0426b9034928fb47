package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry is the concrete thread-safe TaskRegistry implementation.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task to the registry. Returns error on duplicate name.
func (r *Registry) Register(task Task) error {
	if task == nil {
		return schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	name := task.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "task name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already registered", name)
	}

	r.tasks[name] = task
	return nil
}

// Get retrieves a task by name.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTaskUnavailable, "task %q not registered", name)
	}
	return task, nil
}

// List returns info for all registered tasks, sorted by name.
func (r *Registry) List() []TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		s := t.Schema()
		infos = append(infos, TaskInfo{
			Name:        t.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterNamespace bulk-registers tasks under a prefixed namespace.
// Each task name becomes "prefix.originalName" (e.g. "etl.load").
func (r *Registry) RegisterNamespace(prefix string, ts []Task) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range ts {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tasks[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "namespaced task %q already registered", prefixed)
		}
		r.tasks[prefixed] = &prefixedTask{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// Has checks if a task is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// prefixedTask wraps a namespaced task with a prefixed name.
type prefixedTask struct {
	inner Task
	name  string
}

func (p *prefixedTask) Name() string                         { return p.name }
func (p *prefixedTask) Schema() TaskSchema                   { return p.inner.Schema() }
func (p *prefixedTask) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *prefixedTask) Execute(ctx context.Context, input TaskInput) (any, error) {
	return p.inner.Execute(ctx, input)
}
