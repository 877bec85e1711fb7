package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionReset     = "execution_reset"
	EventProgressUpdated    = "progress_updated"
	EventWorkflowLoaded     = "workflow_loaded"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusIdle      ExecutionStatus = "idle"
	StatusExecuting ExecutionStatus = "executing"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a terminal outcome.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionState is a read-only snapshot of the controller's state.
// ExecutionID is non-empty only while Status is executing. Progress is a
// fraction in [0,1], retained at 1.0 on completion and reset to 0 on every
// new execute call. Error is set on failure and cleared on the next execute.
type ExecutionState struct {
	Status      ExecutionStatus `json:"status"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Progress    float64         `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Outputs     []string        `json:"outputs,omitempty"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
}

// ProgressEvent is a push notification from the remote backend about one
// queued execution. Outputs is populated only on the completing event.
type ProgressEvent struct {
	ExecutionID string   `json:"execution_id"`
	CurrentStep int      `json:"current_step"`
	TotalSteps  int      `json:"total_steps"`
	IsComplete  bool     `json:"is_complete"`
	Outputs     []string `json:"outputs,omitempty"`
}

// ExecErrorEvent is a push notification that an execution failed remotely.
type ExecErrorEvent struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id,omitempty"`
	Message     string `json:"message"`
}
