package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// EventLog provides append-only event persistence with strict per-run ordering.
// Events carry a monotonically increasing sequence number within each run, so
// the full history of a run can be replayed deterministically.
type EventLog struct {
	store Store
}

// NewEventLog creates an event log backed by the given store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append persists an event, assigning it the next sequence number for its run.
func (l *EventLog) Append(ctx context.Context, event *Event) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run_id")
	}
	if event.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no type")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return l.store.AppendEvent(ctx, event)
}

// AppendEvent satisfies the engine's EventAppender interface.
func (l *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return l.Append(ctx, event)
}

// AppendPayload marshals payload to JSON and appends the event.
func (l *EventLog) AppendPayload(ctx context.Context, runID, stepID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return l.Append(ctx, &Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    eventType,
		Payload: raw,
	})
}

// Events returns all events for a run with sequence greater than since,
// ordered by sequence. Pass since=0 for the full history.
func (l *EventLog) Events(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return l.store.GetEvents(ctx, runID, since)
}

// EventsByType returns events of a given type matching the filter.
func (l *EventLog) EventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return l.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayedState is the per-step view reconstructed from a run's event history.
type ReplayedState struct {
	RunStatus  schema.RunStatus
	StepStatus map[string]schema.StepStatus
	LastSeq    int64
}

// Replay reconstructs run and step statuses from the event history alone.
// It detects gaps in the sequence, which indicate a corrupted log.
func (l *EventLog) Replay(ctx context.Context, runID string) (*ReplayedState, error) {
	events, err := l.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	state := &ReplayedState{
		RunStatus:  schema.RunStatusPending,
		StepStatus: make(map[string]schema.StepStatus),
	}

	var expected int64 = 1
	for _, e := range events {
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log gap for run %s: expected sequence %d, got %d", runID, expected, e.Sequence)
		}
		expected++
		state.LastSeq = e.Sequence
		applyEvent(state, e)
	}
	return state, nil
}

func applyEvent(state *ReplayedState, e *Event) {
	switch e.Type {
	case schema.EventRunStarted:
		state.RunStatus = schema.RunStatusRunning
	case schema.EventRunCompleted:
		state.RunStatus = schema.RunStatusCompleted
	case schema.EventRunFailed:
		state.RunStatus = schema.RunStatusFailed
	case schema.EventRunCancelled:
		state.RunStatus = schema.RunStatusCancelled
	case schema.EventStepStarted:
		state.StepStatus[e.StepID] = schema.StepStatusRunning
	case schema.EventStepCompleted:
		state.StepStatus[e.StepID] = schema.StepStatusCompleted
	case schema.EventStepFailed:
		state.StepStatus[e.StepID] = schema.StepStatusFailed
	case schema.EventStepSkipped:
		state.StepStatus[e.StepID] = schema.StepStatusSkipped
	case schema.EventStepRetrying, schema.EventStepRetryAttempt:
		state.StepStatus[e.StepID] = schema.StepStatusRetrying
	}
}
