package ports

import (
	"context"

	"github.com/aescanero/dagflow/pkg/domain"
)

// EventHandler processes one lifecycle event. A returned error is logged by
// the bus and never reaches the run.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus fans lifecycle events out to subscribers in publish order
type EventBus interface {
	// Publish queues the event for every current subscriber
	Publish(ctx context.Context, event domain.Event) error

	// Subscribe registers a handler and returns a function that removes it
	Subscribe(handler EventHandler) (unsubscribe func())

	// Flush waits until every event published so far has been handled or
	// ctx is done
	Flush(ctx context.Context) error

	// Close delivers queued events and stops all subscribers
	Close() error
}

// EventMirror persists events outside the process for later replay
type EventMirror interface {
	Append(ctx context.Context, event domain.Event) error
	Replay(ctx context.Context, runID string) ([]domain.Event, error)

	// Follow calls handler for every event of the run, including future
	// ones, until WORKFLOW_END or ctx is done
	Follow(ctx context.Context, runID string, handler EventHandler) error
}
