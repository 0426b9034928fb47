package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepflowServer(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	expectedTools := []string{
		"stepflow.run",
		"stepflow.status",
		"stepflow.define",
		"stepflow.query",
		"stepflow.cancel",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "stepflow.run", "Execute a plan, either a registered one by name or an inline definition"},
		{"status", "stepflow.status", "Get run status, per-step states and the published context"},
		{"define", "stepflow.define", "Validate and register a reusable plan definition"},
		{"query", "stepflow.query", "Query plans, runs, events, or registered tasks"},
		{"cancel", "stepflow.cancel", "Cancel a running plan; in-flight steps are interrupted and the run ends CANCELLED"},
	}

	s := NewStepflowServer(StepflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
