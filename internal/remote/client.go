package remote

import (
	"context"

	"github.com/rendis/graphrun/pkg/schema"
)

// ConnectionState describes the client's link to the remote backend.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// QueueClient is the boundary with the remote compute backend. Submit
// returns the backend-assigned execution id; progress and error events for
// queued executions arrive asynchronously on the event channels.
type QueueClient interface {
	// Connect establishes the connection, including the push event stream.
	// Calling Connect on an already connected client is a no-op.
	Connect(ctx context.Context) error

	// State reports the current connection state.
	State() ConnectionState

	// Submit queues a filled workflow payload and returns the execution id
	// assigned by the backend.
	Submit(ctx context.Context, payload map[string]any) (string, error)

	// Interrupt asks the backend to abort the currently running execution.
	Interrupt(ctx context.Context) error

	// ProgressEvents returns a subscription to progress notifications and a
	// function to cancel it.
	ProgressEvents() (<-chan schema.ProgressEvent, func())

	// ErrorEvents returns a subscription to remote execution failures and a
	// function to cancel it.
	ErrorEvents() (<-chan schema.ExecErrorEvent, func())

	// Close tears down the connection and all event subscriptions.
	Close() error
}
