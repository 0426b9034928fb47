package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTask is a minimal Task for registry tests.
type stubTask struct {
	name string
	desc string
}

func (s *stubTask) Name() string { return s.name }
func (s *stubTask) Schema() TaskSchema {
	return TaskSchema{Description: s.desc}
}
func (s *stubTask) Execute(_ context.Context, _ TaskInput) (any, error) {
	return map[string]any{"ok": true}, nil
}
func (s *stubTask) Validate(_ map[string]any) error { return nil }

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTask{name: "test.task", desc: "A test task"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.task"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTask{name: "dup"}))

	err := reg.Register(&stubTask{name: "dup"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubTask{name: ""})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestRegistry_Get_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTask{name: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("ghost")
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeTaskUnavailable, fe.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTask{name: "zeta", desc: "last"}))
	require.NoError(t, reg.Register(&stubTask{name: "alpha", desc: "first"}))
	require.NoError(t, reg.Register(&stubTask{name: "mid"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zeta", infos[2].Name)
}

func TestRegistry_RegisterNamespace(t *testing.T) {
	reg := NewRegistry()

	n, err := reg.RegisterNamespace("etl", []Task{
		&stubTask{name: "extract"},
		&stubTask{name: "load"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("etl.extract"))
	assert.True(t, reg.Has("etl.load"))
	assert.False(t, reg.Has("extract"))

	got, err := reg.Get("etl.extract")
	require.NoError(t, err)
	assert.Equal(t, "etl.extract", got.Name())

	out, err := got.Execute(context.Background(), TaskInput{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestRegistry_RegisterNamespace_EmptyPrefix(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterNamespace("", []Task{&stubTask{name: "x"}})
	require.Error(t, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTask{name: "shared"}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get("shared")
			assert.NoError(t, err)
			_ = reg.List()
			_ = reg.Count()
		}()
	}
	wg.Wait()
}
