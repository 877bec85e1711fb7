package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/graphrun/pkg/schema"
)

// Execution is the persisted record of one workflow execution attempt.
// ExecutionID is the backend-assigned prompt id; it is empty until
// submission succeeds and stays recorded after the terminal transition.
type Execution struct {
	ID          string                  `json:"id"`
	WorkflowID  string                  `json:"workflow_id"`
	ExecutionID string                  `json:"execution_id,omitempty"`
	Status      schema.ExecutionStatus  `json:"status"`
	Params      map[string]schema.Value `json:"params,omitempty"`
	Outputs     []string                `json:"outputs,omitempty"`
	Error       string                  `json:"error,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered unattended execution of a stored workflow.
type ScheduledJob struct {
	ID             string                  `json:"id"`
	WorkflowID     string                  `json:"workflow_id"`
	CronExpression string                  `json:"cron_expression"`
	Params         map[string]schema.Value `json:"params,omitempty"`
	Enabled        bool                    `json:"enabled"`
	LastRunAt      *time.Time              `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time              `json:"next_run_at,omitempty"`
	LastRunStatus  string                  `json:"last_run_status,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution record.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	ExecutionID *string                 `json:"execution_id,omitempty"`
	Outputs     []string                `json:"outputs,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
