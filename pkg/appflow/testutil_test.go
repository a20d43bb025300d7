package appflow

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// testSchema is shared by most executor tests.
var testSchema = Schema{
	"trail":    Append,
	"count":    Overwrite,
	"approved": Overwrite,
	"note":     Overwrite,
	"route":    Overwrite,
}

// record returns a node that appends its ID to the trail field.
func record(id string) Node {
	return NodeFunc(func(ctx Context, s State) (Result, error) {
		return Update(Patch{"trail": id}), nil
	})
}

// failing returns a node that always fails with err.
func failing(err error) Node {
	return NodeFunc(func(ctx Context, s State) (Result, error) {
		return Result{}, err
	})
}

// panicking returns a node that panics with value.
func panicking(value any) Node {
	return NodeFunc(func(ctx Context, s State) (Result, error) {
		panic(value)
	})
}

// counting wraps a node and counts its executions.
func counting(n Node, calls *int) Node {
	return NodeFunc(func(ctx Context, s State) (Result, error) {
		*calls++
		return n.Execute(ctx, s)
	})
}

// approval suspends until "approved" is set, then records itself.
func approval(id string) Node {
	return NodeFunc(func(ctx Context, s State) (Result, error) {
		if !s.Has("approved") {
			return Suspend("approve "+id+"?", "approved"), nil
		}
		return Update(Patch{"trail": id}), nil
	})
}

func mustGraph(t *testing.T, def Definition) *Graph {
	t.Helper()
	if def.Schema == nil {
		def.Schema = testSchema
	}
	g, err := New(def)
	require.NoError(t, err)
	return g
}

// linearGraph builds a -> b -> c -> END.
func linearGraph(t *testing.T) *Graph {
	t.Helper()
	return mustGraph(t, Definition{
		Name:  "linear",
		Entry: "a",
		Nodes: map[string]Node{"a": record("a"), "b": record("b"), "c": record("c")},
		Edges: []Edge{Static("a", "b"), Static("b", "c"), Static("c", END)},
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx() Context {
	return NewContext(context.Background(), WithContextLogger(quietLogger()))
}
