package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/params"
	"github.com/rendis/graphrun/internal/remote"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/streaming"
	"github.com/rendis/graphrun/internal/template"
	"github.com/rendis/graphrun/pkg/schema"
)

// Options configures a Controller. Client is required; Store, Hub and Logger
// are optional.
type Options struct {
	Client remote.QueueClient
	Store  store.Store
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Controller owns the execution lifecycle for one workflow at a time. All
// state transitions are serialized through its mutex, so observers always see
// consistent snapshots and asynchronous backend events cannot interleave with
// local commands.
type Controller struct {
	mu     sync.Mutex
	client remote.QueueClient
	params *params.Store
	filler *template.Filler
	fsm    *ExecutionFSM
	hub    streaming.EventHub
	store  store.Store
	logger *slog.Logger

	state    schema.ExecutionState
	recordID string
	router   *Router
}

// NewController creates a Controller in the Idle state with no workflow
// loaded. Call Start to begin routing backend events.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var appender EventAppender
	if opts.Store != nil {
		appender = opts.Store
	}
	fsm := NewExecutionFSM(appender)
	registerMetricsHooks(fsm)

	c := &Controller{
		client: opts.Client,
		params: params.NewStore(),
		filler: template.NewFiller(),
		fsm:    fsm,
		hub:    opts.Hub,
		store:  opts.Store,
		logger: logger,
		state:  schema.ExecutionState{Status: schema.StatusIdle},
	}
	c.router = NewRouter(c, opts.Client, logger)
	return c
}

// Start subscribes to the backend event streams. The subscriptions live until
// Dispose is called.
func (c *Controller) Start(ctx context.Context) error {
	return c.router.Start(ctx)
}

// Dispose tears down the event subscriptions. Safe to call more than once.
func (c *Controller) Dispose() {
	c.router.Stop()
}

// LoadWorkflow makes def the active workflow, seeding parameters from its
// defaults and clearing any prior error. An in-flight execution keeps running
// remotely but its events become stale and are dropped.
func (c *Controller) LoadWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	c.mu.Lock()
	c.params.Load(def)
	c.state = schema.ExecutionState{
		Status:     schema.StatusIdle,
		WorkflowID: def.ID,
	}
	c.recordID = ""
	c.mu.Unlock()

	ctx = logging.WithWorkflowID(ctx, def.ID)
	if c.store != nil {
		if err := c.store.SaveWorkflow(ctx, def); err != nil {
			c.logger.WarnContext(ctx, "persist workflow definition", "error", err)
		}
	}
	c.publish(ctx, streaming.StreamEvent{
		WorkflowID: def.ID,
		EventType:  schema.EventWorkflowLoaded,
	})
	c.logger.InfoContext(ctx, "workflow loaded", "name", def.Name, "params", len(def.Parameters))
	return nil
}

// UpdateParam writes one parameter value, expanding across its alias group.
func (c *Controller) UpdateParam(key string, value schema.Value) {
	c.params.Set(key, value)
}

// UpdateParams applies a bulk parameter patch.
func (c *Controller) UpdateParams(patch map[string]schema.Value) {
	c.params.SetAll(patch)
}

// ResetToDefaults restores all parameters to the loaded workflow's defaults.
// A no-op when no workflow is loaded.
func (c *Controller) ResetToDefaults() {
	c.params.ResetToDefaults()
}

// GetParamValue returns the current value for key, or the null value when the
// key is unknown.
func (c *Controller) GetParamValue(key string) schema.Value {
	return c.params.Get(key)
}

// Params returns a copy of the current parameter map.
func (c *Controller) Params() map[string]schema.Value {
	return c.params.Snapshot()
}

// Workflow returns the active workflow definition, or nil.
func (c *Controller) Workflow() *schema.WorkflowDefinition {
	return c.params.Workflow()
}

// State returns a snapshot of the current execution state.
func (c *Controller) State() schema.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a stream of execution events matching the filter.
// Requires a hub to be configured.
func (c *Controller) Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error) {
	if c.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "no event hub configured")
	}
	return c.hub.Subscribe(ctx, filter)
}

// ClearError clears the recorded error message without changing status.
func (c *Controller) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Error = ""
}

// Execute fills the active workflow's template with the current parameters
// and submits it to the remote queue. The returned error mirrors what is
// recorded in the state snapshot; callers may rely on either.
func (c *Controller) Execute(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	def := c.params.Workflow()
	if def == nil {
		return schema.NewError(schema.ErrCodeNoWorkflow, "no workflow loaded")
	}
	ctx = logging.WithWorkflowID(ctx, def.ID)

	// Re-arm from a terminal state before starting the next run.
	if c.state.Status.Terminal() {
		if err := c.transitionLocked(ctx, schema.StatusIdle); err != nil {
			return err
		}
		c.state.Status = schema.StatusIdle
	}

	if c.client.State() != remote.StateConnected {
		if err := c.client.Connect(ctx); err != nil {
			runErr := schema.NewErrorf(schema.ErrCodeConnection, "connect to backend: %s", err.Error()).WithCause(err)
			c.failLocked(ctx, runErr)
			return runErr
		}
	}

	// Optimistic flip: progress events may arrive before Submit returns the
	// execution id, and the state must already be Executing when they do.
	if err := c.transitionLocked(ctx, schema.StatusExecuting); err != nil {
		return err
	}
	c.state.Status = schema.StatusExecuting
	c.state.ExecutionID = ""
	c.state.Progress = 0
	c.state.Error = ""
	c.state.Outputs = nil
	executionProgress.Set(0)

	snapshot := c.params.Snapshot()
	payload, err := c.filler.Fill(def, snapshot)
	if err != nil {
		c.failLocked(ctx, err)
		return err
	}

	start := time.Now()
	executionID, err := c.client.Submit(ctx, payload)
	if err != nil {
		runErr := schema.NewErrorf(schema.ErrCodeSubmitFailed, "submit workflow: %s", err.Error()).WithCause(err)
		c.failLocked(ctx, runErr)
		return runErr
	}
	if executionID == "" {
		runErr := schema.NewError(schema.ErrCodeSubmitFailed, "backend returned no execution id")
		c.failLocked(ctx, runErr)
		return runErr
	}
	submitDuration.Observe(time.Since(start).Seconds())

	c.state.ExecutionID = executionID
	ctx = logging.WithExecutionID(ctx, executionID)
	c.recordID = c.createRecordLocked(ctx, def.ID, executionID, snapshot)

	c.publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		EventType:   schema.EventExecutionStarted,
	})
	c.logger.InfoContext(ctx, "execution submitted")
	return nil
}

// CancelExecution cancels the in-flight execution. The interrupt request is
// issued to the backend without awaiting its outcome; the local transition to
// Cancelled happens regardless. A no-op when nothing is executing.
func (c *Controller) CancelExecution(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != schema.StatusExecuting {
		return nil
	}
	ctx = logging.WithExecutionID(logging.WithWorkflowID(ctx, c.state.WorkflowID), c.state.ExecutionID)

	client := c.client
	go func(ctx context.Context) {
		if err := client.Interrupt(ctx); err != nil {
			c.logger.WarnContext(ctx, "interrupt request failed", "error", err)
		}
	}(context.WithoutCancel(ctx))

	if err := c.transitionLocked(ctx, schema.StatusCancelled); err != nil {
		return err
	}
	c.state.Status = schema.StatusCancelled
	executionID := c.state.ExecutionID
	c.state.ExecutionID = ""

	c.finalizeRecordLocked(ctx, schema.StatusCancelled, nil, "cancelled by user")
	c.publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  c.state.WorkflowID,
		EventType:   schema.EventExecutionCancelled,
		Payload:     map[string]any{"message": "execution cancelled by user"},
	})
	c.logger.InfoContext(ctx, "execution cancelled")
	return nil
}

// handleProgress applies a backend progress event. Events whose execution id
// does not match the live execution are stale leftovers from a previous run
// and are dropped.
func (c *Controller) handleProgress(ctx context.Context, ev schema.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != schema.StatusExecuting || ev.ExecutionID != c.state.ExecutionID {
		c.logger.DebugContext(ctx, "dropping stale progress event",
			"event_execution_id", ev.ExecutionID, "live_execution_id", c.state.ExecutionID)
		return
	}
	ctx = logging.WithExecutionID(logging.WithWorkflowID(ctx, c.state.WorkflowID), ev.ExecutionID)

	if ev.IsComplete && len(ev.Outputs) > 0 {
		if err := c.transitionLocked(ctx, schema.StatusCompleted); err != nil {
			c.logger.ErrorContext(ctx, "complete transition rejected", "error", err)
			return
		}
		c.state.Status = schema.StatusCompleted
		c.state.Progress = 1
		c.state.Outputs = ev.Outputs
		executionID := c.state.ExecutionID
		c.state.ExecutionID = ""
		executionProgress.Set(1)

		c.finalizeRecordLocked(ctx, schema.StatusCompleted, ev.Outputs, "")
		c.publish(ctx, streaming.StreamEvent{
			ExecutionID: executionID,
			WorkflowID:  c.state.WorkflowID,
			EventType:   schema.EventExecutionCompleted,
			Payload:     map[string]any{"outputs": ev.Outputs},
		})
		c.logger.InfoContext(ctx, "execution completed", "outputs", len(ev.Outputs))
		return
	}

	if ev.TotalSteps > 0 {
		c.state.Progress = float64(ev.CurrentStep) / float64(ev.TotalSteps)
		executionProgress.Set(c.state.Progress)
		c.publish(ctx, streaming.StreamEvent{
			ExecutionID: ev.ExecutionID,
			WorkflowID:  c.state.WorkflowID,
			EventType:   schema.EventProgressUpdated,
			Payload:     map[string]any{"progress": c.state.Progress, "current_step": ev.CurrentStep, "total_steps": ev.TotalSteps},
		})
	}
}

// handleExecError applies a backend execution failure event, subject to the
// same staleness check as progress events.
func (c *Controller) handleExecError(ctx context.Context, ev schema.ExecErrorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != schema.StatusExecuting || ev.ExecutionID != c.state.ExecutionID {
		c.logger.DebugContext(ctx, "dropping stale error event",
			"event_execution_id", ev.ExecutionID, "live_execution_id", c.state.ExecutionID)
		return
	}
	ctx = logging.WithExecutionID(logging.WithWorkflowID(ctx, c.state.WorkflowID), ev.ExecutionID)

	message := ev.Message
	if ev.NodeID != "" {
		message = fmt.Sprintf("node %s: %s", ev.NodeID, ev.Message)
	}
	c.failLocked(ctx, schema.NewError(schema.ErrCodeExecution, message))
	c.logger.ErrorContext(ctx, "execution failed remotely", "node_id", ev.NodeID, "message", ev.Message)
}

// failLocked moves the state machine to Failed and records the error. The
// caller must hold the mutex.
func (c *Controller) failLocked(ctx context.Context, cause error) {
	if err := c.transitionLocked(ctx, schema.StatusFailed); err != nil {
		c.logger.ErrorContext(ctx, "failed transition rejected", "error", err)
		return
	}
	executionID := c.state.ExecutionID
	c.state.Status = schema.StatusFailed
	c.state.Error = cause.Error()
	c.state.ExecutionID = ""

	c.finalizeRecordLocked(ctx, schema.StatusFailed, nil, cause.Error())
	c.publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  c.state.WorkflowID,
		EventType:   schema.EventExecutionFailed,
		Payload:     map[string]any{"error": cause.Error()},
	})
}

func (c *Controller) transitionLocked(ctx context.Context, to schema.ExecutionStatus) error {
	return c.fsm.Transition(ctx, c.state.WorkflowID, c.state.ExecutionID, c.state.Status, to)
}

func (c *Controller) snapshotLocked() schema.ExecutionState {
	snap := c.state
	if snap.Outputs != nil {
		snap.Outputs = append([]string(nil), snap.Outputs...)
	}
	return snap
}

func (c *Controller) publish(ctx context.Context, event streaming.StreamEvent) {
	if c.hub == nil {
		return
	}
	if err := c.hub.Publish(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "publish stream event", "event_type", event.EventType, "error", err)
	}
}

// createRecordLocked persists a new execution history record. History is
// best-effort; a store failure never blocks the execution itself.
func (c *Controller) createRecordLocked(ctx context.Context, workflowID, executionID string, snapshot map[string]schema.Value) string {
	if c.store == nil {
		return ""
	}
	record := &store.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      schema.StatusExecuting,
		Params:      snapshot,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, record); err != nil {
		c.logger.WarnContext(ctx, "persist execution record", "error", err)
		return ""
	}
	return record.ID
}

func (c *Controller) finalizeRecordLocked(ctx context.Context, status schema.ExecutionStatus, outputs []string, errMsg string) {
	if c.store == nil || c.recordID == "" {
		return
	}
	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		Status:      &status,
		Outputs:     outputs,
		CompletedAt: &now,
	}
	if errMsg != "" {
		update.Error = &errMsg
	}
	if err := c.store.UpdateExecution(ctx, c.recordID, update); err != nil {
		c.logger.WarnContext(ctx, "finalize execution record", "error", err)
	}
	c.recordID = ""
}
