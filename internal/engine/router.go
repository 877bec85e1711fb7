package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/graphrun/internal/remote"
	"github.com/rendis/graphrun/pkg/schema"
)

// Router forwards backend push events into the controller. It subscribes to
// the client's progress and error streams once, on Start, and keeps routing
// until Stop; the controller's staleness check decides event relevance, not
// the router.
type Router struct {
	ctrl   *Controller
	client remote.QueueClient
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	unsubs  []func()
	started bool
}

// NewRouter creates a Router. Call Start to begin forwarding.
func NewRouter(ctrl *Controller, client remote.QueueClient, logger *slog.Logger) *Router {
	return &Router{ctrl: ctrl, client: client, logger: logger}
}

// Start subscribes to both event streams and spawns the forwarding loop.
// Starting an already started router is a no-op.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	progress, cancelProgress := r.client.ProgressEvents()
	errors, cancelErrors := r.client.ErrorEvents()
	r.unsubs = []func(){cancelProgress, cancelErrors}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	go r.run(ctx, progress, errors)
	return nil
}

// Stop cancels the subscriptions and waits for the forwarding loop to exit.
// Safe to call more than once.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	done := r.done
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	cancel()
	<-done
}

func (r *Router) run(ctx context.Context, progress <-chan schema.ProgressEvent, errors <-chan schema.ExecErrorEvent) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-progress:
			if !ok {
				progress = nil
				if errors == nil {
					return
				}
				continue
			}
			r.ctrl.handleProgress(ctx, ev)
		case ev, ok := <-errors:
			if !ok {
				errors = nil
				if progress == nil {
					return
				}
				continue
			}
			r.ctrl.handleExecError(ctx, ev)
		}
	}
}
