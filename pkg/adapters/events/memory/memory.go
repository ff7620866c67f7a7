package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusClosed is returned by Publish after Close
var ErrBusClosed = errors.New("event bus closed")

// InMemoryEventBus implements EventBus with one ordered queue and one
// delivery goroutine per subscriber. A slow or failing handler only delays
// its own queue.
type InMemoryEventBus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	order       []string
	closed      bool
	wg          sync.WaitGroup
}

type item struct {
	ctx     context.Context
	event   domain.Event
	flushed chan struct{}
}

type subscriber struct {
	id      string
	handler ports.EventHandler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	closed  bool
	discard bool
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryEventBus{
		logger:      logger,
		subscribers: make(map[string]*subscriber),
	}
}

// Publish queues the event for every subscriber
func (e *InMemoryEventBus) Publish(ctx context.Context, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrBusClosed
	}

	// Handlers run after the publisher may have moved on; keep values, drop
	// cancellation.
	ctx = context.WithoutCancel(ctx)
	for _, id := range e.order {
		e.subscribers[id].push(item{ctx: ctx, event: event})
	}
	return nil
}

// Subscribe registers a handler
func (e *InMemoryEventBus) Subscribe(handler ports.EventHandler) func() {
	s := &subscriber{id: uuid.New().String(), handler: handler}
	s.cond = sync.NewCond(&s.mu)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return func() {}
	}
	e.subscribers[s.id] = s
	e.order = append(e.order, s.id)
	e.wg.Add(1)
	e.mu.Unlock()

	go e.deliver(s)

	var once sync.Once
	return func() {
		once.Do(func() { e.unsubscribe(s.id) })
	}
}

// Flush waits until all subscribers handled every event published so far
func (e *InMemoryEventBus) Flush(ctx context.Context) error {
	e.mu.RLock()
	markers := make([]chan struct{}, 0, len(e.order))
	for _, id := range e.order {
		done := make(chan struct{})
		e.subscribers[id].push(item{flushed: done})
		markers = append(markers, done)
	}
	e.mu.RUnlock()

	for _, done := range markers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close delivers queued events and stops every subscriber
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, s := range e.subscribers {
		s.stop(false)
	}
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// SubscriberCount returns the number of active subscribers
func (e *InMemoryEventBus) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

func (e *InMemoryEventBus) unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.subscribers[id]
	if !ok {
		return
	}
	delete(e.subscribers, id)
	for i, sid := range e.order {
		if sid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	s.stop(true)
}

// deliver is the subscriber loop
func (e *InMemoryEventBus) deliver(s *subscriber) {
	defer e.wg.Done()

	for {
		it, ok := s.pop()
		if !ok {
			return
		}
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		e.handle(s, it)
	}
}

func (e *InMemoryEventBus) handle(s *subscriber, it item) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.String("subscriber_id", s.id),
				zap.String("event_type", string(it.event.Type)),
				zap.Any("panic", r))
		}
	}()

	if err := s.handler(it.ctx, it.event); err != nil {
		e.logger.Warn("event handler error",
			zap.String("subscriber_id", s.id),
			zap.String("run_id", it.event.RunID),
			zap.String("event_type", string(it.event.Type)),
			zap.Error(err))
	}
}

func (s *subscriber) push(it item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if it.flushed != nil {
			close(it.flushed)
		}
		return
	}
	s.queue = append(s.queue, it)
	s.cond.Signal()
}

// pop blocks until an item is available. It returns false once the
// subscriber is stopped and, unless discarding, its queue is drained.
func (s *subscriber) pop() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.discard {
		for _, it := range s.queue {
			if it.flushed != nil {
				close(it.flushed)
			}
		}
		s.queue = nil
		return item{}, false
	}
	if len(s.queue) == 0 {
		return item{}, false
	}

	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]
	return it, true
}

func (s *subscriber) stop(discard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.discard = discard
	s.cond.Broadcast()
}
