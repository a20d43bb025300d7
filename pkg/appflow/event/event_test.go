package event_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/appflow/pkg/appflow/event"
)

// collector gathers delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) Handle(_ context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type()
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestNew(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := event.New(event.NodeCompleted, "executor", "thread-1",
		event.Lifecycle{NodeID: "build", Step: 3},
		event.WithEventID("evt-1"), event.WithTimestamp(ts))

	assert.Equal(t, "evt-1", evt.ID())
	assert.Equal(t, event.NodeCompleted, evt.Type())
	assert.Equal(t, "executor", evt.Source())
	assert.Equal(t, "thread-1", evt.ThreadID())
	assert.Equal(t, ts, evt.Timestamp())
	assert.Equal(t, "build", evt.TypedData().NodeID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(evt.DataBytes(), &payload))
	assert.Equal(t, "build", payload["node_id"])
}

func TestNew_GeneratesIDs(t *testing.T) {
	a := event.New("x", "test", "", 1)
	b := event.New("x", "test", "", 2)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestLocalBus_FiltersByType(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	nodes := &collector{}
	all := &collector{}
	bus.Subscribe(nodes, event.NodeStarted, event.NodeCompleted)
	bus.Subscribe(all)

	ctx := context.Background()
	for _, typ := range []string{event.ThreadStarted, event.NodeStarted, event.NodeCompleted, event.ThreadCompleted} {
		require.NoError(t, bus.Publish(ctx, event.New(typ, "test", "t", event.Lifecycle{})))
	}

	assert.Eventually(t, func() bool { return all.len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return nodes.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{event.NodeStarted, event.NodeCompleted}, nodes.types())
	assert.Equal(t, []string{event.ThreadStarted, event.NodeStarted, event.NodeCompleted, event.ThreadCompleted}, all.types())
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	c := &collector{}
	sub := bus.Subscribe(c)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), event.New("x", "test", "", 0)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

func TestLocalBus_NonBlockingDrops(t *testing.T) {
	var dropped sync.WaitGroup
	dropped.Add(1)
	var once sync.Once

	block := make(chan struct{})
	bus := event.NewBus(event.BusConfig{
		BufferSize:  1,
		NonBlocking: true,
		OnDrop:      func(event.Event, string) { once.Do(dropped.Done) },
	})
	defer bus.Close()
	defer close(block)

	bus.Subscribe(event.HandlerFunc(func(context.Context, event.Event) error {
		<-block
		return nil
	}))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(ctx, event.New(event.ProgressHeartbeat, "test", "", i)))
	}
	dropped.Wait()
}

func TestLocalBus_OnError(t *testing.T) {
	errCh := make(chan error, 1)
	bus := event.NewBus(event.BusConfig{
		OnError: func(_ event.Event, _ string, err error) { errCh <- err },
	})
	defer bus.Close()

	boom := errors.New("boom")
	bus.Subscribe(event.HandlerFunc(func(context.Context, event.Event) error { return boom }))
	require.NoError(t, bus.Publish(context.Background(), event.New("x", "test", "", 0)))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
}

func TestLocalBus_Closed(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), event.New("x", "test", "", 0))
	assert.ErrorIs(t, err, event.ErrBusClosed)
	assert.Nil(t, bus.Subscribe(&collector{}))
}
