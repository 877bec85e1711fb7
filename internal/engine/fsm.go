package engine

import (
	"context"
	"sync"

	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

// EventAppender is satisfied by the Store; used by the FSM to emit events on
// transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewExecutionFSM creates a new ExecutionFSM. The appender is optional;
// without one transitions are validated but not journaled.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a state transition, emitting the
// corresponding event via the appender. The caller (Controller) is
// responsible for mutating its own snapshot state.
func (f *ExecutionFSM) Transition(ctx context.Context, workflowID, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := transitionEventType(to); eventType != "" && f.appender != nil {
		event := &store.Event{
			WorkflowID:  workflowID,
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.StatusExecuting:
		return schema.EventExecutionStarted
	case schema.StatusCompleted:
		return schema.EventExecutionCompleted
	case schema.StatusFailed:
		return schema.EventExecutionFailed
	case schema.StatusCancelled:
		return schema.EventExecutionCancelled
	case schema.StatusIdle:
		return schema.EventExecutionReset
	default:
		return ""
	}
}

// ValidTransitions defines the allowed state transitions for executions.
// Idle -> Failed covers connection failures detected before the optimistic
// Executing flip. Executing -> Executing covers a second execute call while
// one is already in flight; the previous execution id goes stale.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusIdle:      {schema.StatusExecuting, schema.StatusFailed},
	schema.StatusExecuting: {schema.StatusExecuting, schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusCompleted: {schema.StatusIdle},
	schema.StatusFailed:    {schema.StatusIdle},
	schema.StatusCancelled: {schema.StatusIdle},
}
