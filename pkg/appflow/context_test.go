package appflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/appflow/pkg/appflow/event"
)

func TestNewContext_Options(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	ctx := NewContext(context.Background(),
		WithContextThreadID("thread-1"),
		WithContextNode("build", 4),
		WithContextResumed(true),
		WithContextEvents(bus),
		WithContextLogger(nil))

	assert.Equal(t, "thread-1", ctx.ThreadID())
	assert.Equal(t, "build", ctx.NodeID())
	assert.Equal(t, 4, ctx.Step())
	assert.True(t, ctx.Resumed())
	assert.Same(t, bus, ctx.Events())
	assert.NotNil(t, ctx.Logger(), "nil logger keeps the default")
}

func TestNewContext_GeneratesThreadID(t *testing.T) {
	a := NewContext(context.Background())
	b := NewContext(context.Background())

	assert.NotEmpty(t, a.ThreadID())
	assert.NotEqual(t, a.ThreadID(), b.ThreadID())
	assert.False(t, a.Resumed())
	assert.Nil(t, a.Events())
}
