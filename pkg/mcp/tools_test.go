package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/remote"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/validation"
	"github.com/rendis/graphrun/pkg/schema"
)

// --- Mock store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows  []*schema.WorkflowDefinition
	executions []*store.Execution
	events     []*store.Event
}

func (m *mockStore) SaveWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.workflows = append(m.workflows, def)
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	for _, def := range m.workflows {
		if def.ID == id {
			return def, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) ListWorkflows(_ context.Context) ([]*schema.WorkflowDefinition, error) {
	return m.workflows, nil
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	result := make([]*store.Execution, 0)
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, executionID string, since int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Stub queue client ---

type stubQueueClient struct {
	state      remote.ConnectionState
	submitID   string
	submitErr  error
	interrupts int
}

func (s *stubQueueClient) Connect(context.Context) error {
	s.state = remote.StateConnected
	return nil
}
func (s *stubQueueClient) State() remote.ConnectionState { return s.state }
func (s *stubQueueClient) Submit(context.Context, map[string]any) (string, error) {
	return s.submitID, s.submitErr
}
func (s *stubQueueClient) Interrupt(context.Context) error {
	s.interrupts++
	return nil
}
func (s *stubQueueClient) ProgressEvents() (<-chan schema.ProgressEvent, func()) {
	return make(chan schema.ProgressEvent), func() {}
}
func (s *stubQueueClient) ErrorEvents() (<-chan schema.ExecErrorEvent, func()) {
	return make(chan schema.ExecErrorEvent), func() {}
}
func (s *stubQueueClient) Close() error { return nil }

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, ms *mockStore) *GraphrunServer {
	t.Helper()
	validator, err := validation.NewValidator()
	require.NoError(t, err)

	ctrl := engine.NewController(engine.Options{
		Client: &stubQueueClient{submitID: "exec-1"},
	})
	return NewGraphrunServer(ServerDeps{
		Controller: ctrl,
		Store:      ms,
		Validator:  validator,
	})
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func storedDefinition() map[string]any {
	return map[string]any{
		"id":       "wf-1",
		"name":     "portrait",
		"template": `{"6":{"inputs":{"text":"${prompt}","steps":${steps}}}}`,
		"parameters": []any{
			map[string]any{"id": "prompt", "name": "Prompt", "type": "multiline"},
		},
	}
}

// --- Tests ---

func TestDefineTool(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms)

	result, err := s.handleDefine(context.Background(), buildRequest("graphrun.define", map[string]any{
		"definition": storedDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, ms.workflows, 1)
	assert.Equal(t, "wf-1", ms.workflows[0].ID)
}

func TestDefineToolRejectsInvalid(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms)

	def := storedDefinition()
	def["name"] = ""
	result, err := s.handleDefine(context.Background(), buildRequest("graphrun.define", map[string]any{
		"definition": def,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.workflows)
}

func TestDefineToolRequiresDefinition(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleDefine(context.Background(), buildRequest("graphrun.define", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolLoadsAndExecutes(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms)
	ms.workflows = []*schema.WorkflowDefinition{{
		ID:       "wf-1",
		Name:     "portrait",
		Template: `{"6":{"inputs":{"text":"${prompt}"}}}`,
	}}

	result, err := s.handleRun(context.Background(), buildRequest("graphrun.run", map[string]any{
		"workflow_id": "wf-1",
		"params":      map[string]any{"prompt": "a lighthouse"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var state schema.ExecutionState
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &state))
	assert.Equal(t, schema.StatusExecuting, state.Status)
	assert.Equal(t, "exec-1", state.ExecutionID)
	assert.True(t, s.controller.GetParamValue("prompt").Equal(schema.String("a lighthouse")))
}

func TestRunToolUnknownWorkflow(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleRun(context.Background(), buildRequest("graphrun.run", map[string]any{
		"workflow_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolWithoutLoadedWorkflow(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleRun(context.Background(), buildRequest("graphrun.run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no workflow loaded")
}

func TestStatusTool(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleStatus(context.Background(), buildRequest("graphrun.status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var state schema.ExecutionState
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &state))
	assert.Equal(t, schema.StatusIdle, state.Status)
}

func TestCancelToolWhenIdle(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleCancel(context.Background(), buildRequest("graphrun.cancel", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestParamsTool(t *testing.T) {
	ms := &mockStore{}
	s := newTestServer(t, ms)
	require.NoError(t, s.controller.LoadWorkflow(context.Background(), &schema.WorkflowDefinition{
		ID:       "wf-1",
		Name:     "portrait",
		Template: `{"6":{"inputs":{"text":"${prompt}"}}}`,
		DefaultValues: map[string]schema.Value{
			"prompt": schema.String("default prompt"),
		},
	}))

	// set
	result, err := s.handleParams(context.Background(), buildRequest("graphrun.params", map[string]any{
		"action": "set",
		"values": map[string]any{"prompt": "edited", "cfgScale": 9.5},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.True(t, s.controller.GetParamValue("prompt").Equal(schema.String("edited")))
	assert.True(t, s.controller.GetParamValue("cfg_scale").Equal(schema.Number(9.5)))

	// get
	result, err = s.handleParams(context.Background(), buildRequest("graphrun.params", map[string]any{
		"action": "get",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "edited")

	// reset
	result, err = s.handleParams(context.Background(), buildRequest("graphrun.params", map[string]any{
		"action": "reset",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.True(t, s.controller.GetParamValue("prompt").Equal(schema.String("default prompt")))
}

func TestParamsToolUnknownAction(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleParams(context.Background(), buildRequest("graphrun.params", map[string]any{
		"action": "delete",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryWorkflows(t *testing.T) {
	ms := &mockStore{workflows: []*schema.WorkflowDefinition{
		{ID: "wf-1", Name: "portrait", Template: "{}"},
		{ID: "wf-2", Name: "landscape", Template: "{}"},
	}}
	s := newTestServer(t, ms)

	result, err := s.handleQuery(context.Background(), buildRequest("graphrun.query", map[string]any{
		"resource": "workflows",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "landscape")
}

func TestQueryExecutionsFiltered(t *testing.T) {
	ms := &mockStore{executions: []*store.Execution{
		{ID: "e1", WorkflowID: "wf-1", Status: schema.StatusCompleted},
		{ID: "e2", WorkflowID: "wf-2", Status: schema.StatusFailed},
	}}
	s := newTestServer(t, ms)

	result, err := s.handleQuery(context.Background(), buildRequest("graphrun.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "failed"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "e2")
	assert.NotContains(t, text, "e1")
}

func TestQueryEventsRequiresExecutionID(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleQuery(context.Background(), buildRequest("graphrun.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryEvents(t *testing.T) {
	ms := &mockStore{events: []*store.Event{
		{ID: 1, ExecutionID: "exec-1", Type: schema.EventExecutionStarted, Sequence: 1},
		{ID: 2, ExecutionID: "exec-1", Type: schema.EventExecutionCompleted, Sequence: 2},
		{ID: 3, ExecutionID: "exec-2", Type: schema.EventExecutionStarted, Sequence: 1},
	}}
	s := newTestServer(t, ms)

	result, err := s.handleQuery(context.Background(), buildRequest("graphrun.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": "exec-1"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), schema.EventExecutionCompleted)
}

func TestQueryUnknownResource(t *testing.T) {
	s := newTestServer(t, &mockStore{})

	result, err := s.handleQuery(context.Background(), buildRequest("graphrun.query", map[string]any{
		"resource": "gremlins",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
