package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recorder) handle(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, ev.Seq)
	return nil
}

func (r *recorder) got() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func publishN(t *testing.T, bus *InMemoryEventBus, n int) []uint64 {
	t.Helper()
	want := make([]uint64, 0, n)
	for i := 1; i <= n; i++ {
		require.NoError(t, bus.Publish(context.Background(), domain.Event{Seq: uint64(i), RunID: "run-1"}))
		want = append(want, uint64(i))
	}
	return want
}

func TestDeliveryOrder(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	defer bus.Close()

	a, b := &recorder{}, &recorder{}
	bus.Subscribe(a.handle)
	bus.Subscribe(b.handle)

	want := publishN(t, bus, 100)
	require.NoError(t, bus.Flush(context.Background()))

	assert.Equal(t, want, a.got())
	assert.Equal(t, want, b.got())
}

func TestFailingSubscriberIsIsolated(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	defer bus.Close()

	bus.Subscribe(func(context.Context, domain.Event) error { return errors.New("handler failed") })
	bus.Subscribe(func(context.Context, domain.Event) error { panic("handler exploded") })

	slow := make(chan struct{})
	bus.Subscribe(func(context.Context, domain.Event) error {
		<-slow
		return nil
	})

	healthy := &recorder{}
	bus.Subscribe(healthy.handle)

	want := publishN(t, bus, 5)
	assert.Eventually(t, func() bool {
		return len(healthy.got()) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, healthy.got())

	close(slow)
	require.NoError(t, bus.Flush(context.Background()))
}

func TestUnsubscribe(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	defer bus.Close()

	r := &recorder{}
	unsubscribe := bus.Subscribe(r.handle)
	publishN(t, bus, 3)
	require.NoError(t, bus.Flush(context.Background()))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	require.NoError(t, bus.Publish(context.Background(), domain.Event{Seq: 4}))
	require.NoError(t, bus.Flush(context.Background()))
	assert.Equal(t, []uint64{1, 2, 3}, r.got())
}

func TestFlushHonoursContext(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))

	block := make(chan struct{})
	bus.Subscribe(func(context.Context, domain.Event) error {
		<-block
		return nil
	})
	publishN(t, bus, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Flush(ctx), context.DeadlineExceeded)

	close(block)
	require.NoError(t, bus.Close())
}

func TestCloseDrainsQueues(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	r := &recorder{}
	bus.Subscribe(r.handle)

	want := publishN(t, bus, 10)
	require.NoError(t, bus.Close())
	assert.Equal(t, want, r.got())

	assert.ErrorIs(t, bus.Publish(context.Background(), domain.Event{}), ErrBusClosed)
}

func TestHandlerContextSurvivesPublisherCancel(t *testing.T) {
	bus := NewInMemoryEventBus(zaptest.NewLogger(t))
	defer bus.Close()

	errs := make(chan error, 1)
	bus.Subscribe(func(ctx context.Context, _ domain.Event) error {
		errs <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, domain.Event{Seq: 1}))
	cancel()

	assert.NoError(t, <-errs)
}
