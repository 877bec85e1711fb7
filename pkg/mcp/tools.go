package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/pkg/schema"
)

// handleDefine validates a workflow definition and stores it in the library.
func (s *GraphrunServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed WorkflowDefinition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if err := s.validator.ValidateDefinition(&def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", err)), nil
	}
	if err := s.store.SaveWorkflow(ctx, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", err)), nil
	}

	return marshalResult(map[string]any{"id": def.ID, "name": def.Name})
}

// handleRun optionally loads a stored workflow, applies a parameter patch,
// and executes.
func (s *GraphrunServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID != "" {
		def, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		if err := s.controller.LoadWorkflow(ctx, def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow load failed: %v", err)), nil
		}
	}

	if raw := mcp.ParseStringMap(req, "params", nil); raw != nil {
		s.controller.UpdateParams(toValuePatch(raw))
	}

	if err := s.controller.Execute(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", err)), nil
	}
	return marshalResult(s.controller.State())
}

// handleStatus returns the current execution state snapshot.
func (s *GraphrunServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.controller.State())
}

// handleCancel interrupts the in-flight execution.
func (s *GraphrunServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.controller.CancelExecution(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(s.controller.State())
}

// handleParams reads or edits the loaded workflow's parameter values.
func (s *GraphrunServer) handleParams(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "get":
		return marshalResult(map[string]any{"values": s.controller.Params()})
	case "set":
		raw := mcp.ParseStringMap(req, "values", nil)
		if raw == nil {
			return mcp.NewToolResultError("values is required for the set action"), nil
		}
		s.controller.UpdateParams(toValuePatch(raw))
		return marshalResult(map[string]any{"values": s.controller.Params()})
	case "reset":
		s.controller.ResetToDefaults()
		return marshalResult(map[string]any{"values": s.controller.Params()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleQuery lists workflows, executions, or events based on filters.
func (s *GraphrunServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		workflows, err := s.store.ListWorkflows(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"workflows": workflows})
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *GraphrunServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = workflowID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.ExecutionStatus(status)
		ef.Status = &st
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *GraphrunServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID, _ := filter["execution_id"].(string)
	if executionID == "" {
		return mcp.NewToolResultError("event query requires 'execution_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// toValuePatch converts a raw JSON object into a typed parameter patch.
func toValuePatch(raw map[string]any) map[string]schema.Value {
	patch := make(map[string]schema.Value, len(raw))
	for key, v := range raw {
		patch[key] = schema.FromNative(v)
	}
	return patch
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
