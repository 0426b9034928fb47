package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestHandleStepErrorNoHandler(t *testing.T) {
	app := &mockAppender{}
	result, err := HandleStepError(context.Background(), app, "r1", "s1", nil, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, result.Handled)
	assert.Empty(t, app.types())
}

func TestHandleStepErrorIgnore(t *testing.T) {
	app := &mockAppender{}
	handler := &schema.ErrorHandler{Strategy: schema.ErrorStrategyIgnore}

	result, err := HandleStepError(context.Background(), app, "r1", "s1", handler, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.False(t, result.ShouldFailRun)
	assert.Empty(t, result.FallbackStepID)
	assert.Equal(t, []string{schema.EventErrorHandlerInvoked, schema.EventStepIgnored}, app.types())
}

func TestHandleStepErrorFallback(t *testing.T) {
	app := &mockAppender{}
	handler := &schema.ErrorHandler{
		Strategy:     schema.ErrorStrategyFallbackStep,
		FallbackStep: "recover",
	}

	result, err := HandleStepError(context.Background(), app, "r1", "s1", handler, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.Equal(t, "recover", result.FallbackStepID)
	assert.Equal(t, []string{schema.EventErrorHandlerInvoked, schema.EventStepFallback}, app.types())
}

func TestHandleStepErrorFallbackWithoutStep(t *testing.T) {
	app := &mockAppender{}
	handler := &schema.ErrorHandler{Strategy: schema.ErrorStrategyFallbackStep}

	result, err := HandleStepError(context.Background(), app, "r1", "s1", handler, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, result.Handled, "fallback without a target step cannot handle the error")
}

func TestHandleStepErrorFailPlan(t *testing.T) {
	app := &mockAppender{}
	handler := &schema.ErrorHandler{Strategy: schema.ErrorStrategyFailPlan}

	result, err := HandleStepError(context.Background(), app, "r1", "s1", handler, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.True(t, result.ShouldFailRun)
}

func TestHandleStepErrorUnknownStrategy(t *testing.T) {
	app := &mockAppender{}
	handler := &schema.ErrorHandler{Strategy: "shrug"}

	result, err := HandleStepError(context.Background(), app, "r1", "s1", handler, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, result.Handled)
}
