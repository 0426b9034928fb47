package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRun executes a plan, either registered by name or defined inline.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planName := req.GetString("plan", "")
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	params := mcp.ParseStringMap(req, "params", nil)

	if planName == "" && defRaw == nil {
		return mcp.NewToolResultError("either 'plan' or 'definition' is required"), nil
	}
	if planName != "" && defRaw != nil {
		return mcp.NewToolResultError("'plan' and 'definition' are mutually exclusive"), nil
	}

	var def *schema.PlanDefinition
	if planName != "" {
		rec, err := s.store.GetPlan(ctx, planName)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("plan lookup failed: %v", err)), nil
		}
		def = &rec.Definition
	} else {
		decoded, err := decodeDefinition(defRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		if s.validator != nil {
			if vErr := s.validator.Validate(decoded).ToError(); vErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("plan validation failed: %v", vErr)), nil
			}
		}
		def = decoded
	}

	result, runErr := s.executor.Execute(ctx, def, params)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleStatus returns the persisted state of a run.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", runErr)), nil
	}

	steps, stepsErr := s.store.ListStepStates(ctx, runID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step state lookup failed: %v", stepsErr)), nil
	}

	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleDefine validates and registers a reusable plan.
func (s *StepflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	def, decodeErr := decodeDefinition(defRaw)
	if decodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", decodeErr)), nil
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(def)
		if vErr := result.ToError(); vErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("plan validation failed: %v", vErr)), nil
		}
		warnings = result.Warnings
	}

	now := time.Now().UTC()
	rec := &store.PlanRecord{
		Name:        def.Name,
		Description: req.GetString("description", ""),
		Definition:  *def,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if storeErr := s.store.StorePlan(ctx, rec); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store plan: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"name":     def.Name,
		"steps":    len(def.Steps),
		"warnings": warnings,
	})
}

// handleQuery lists plans, runs, events, or registered tasks based on filters.
func (s *StepflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "plans":
		return s.queryPlans(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "tasks":
		return marshalResult(map[string]any{"tasks": s.registry.List()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleCancel requests cancellation of a running plan.
func (s *StepflowServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.executor.Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
	})
}

// --- Query helpers ---

func (s *StepflowServer) queryPlans(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pf := store.PlanFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		pf.Name = name
	}

	plans, err := s.store.ListPlans(ctx, pf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"plans": plans})
}

func (s *StepflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if planName, ok := filter["plan_name"].(string); ok {
		rf.PlanName = planName
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *StepflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		// Filter by specific event type.
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// No event type filter — use GetEvents (requires run_id).
	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	var since int64
	events, err := s.store.GetEvents(ctx, ef.RunID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// decodeDefinition round-trips a raw tool argument map into a PlanDefinition
// so binding strings get their reference/literal classification.
func decodeDefinition(raw map[string]any) (*schema.PlanDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.PlanDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
