package appflow

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew_Valid tests a well-formed graph and its accessors.
func TestNew_Valid(t *testing.T) {
	g := mustGraph(t, Definition{
		Name:    "review",
		Entry:   "draft",
		Failure: "cleanup",
		Nodes: map[string]Node{
			"draft":   record("draft"),
			"review":  record("review"),
			"cleanup": record("cleanup"),
		},
		Edges: []Edge{
			Static("draft", "review"),
			Conditional("review", func(ctx Context, s State) string { return END }, "draft", END),
			Static("cleanup", END),
		},
	})

	assert.Equal(t, "review", g.Name())
	assert.Equal(t, "draft", g.Entry())
	assert.Equal(t, "cleanup", g.Failure())
	assert.Equal(t, []string{"cleanup", "draft", "review"}, g.NodeIDs())
	assert.True(t, g.HasNode("draft"))
	assert.False(t, g.HasNode(END))
	assert.Equal(t, []string{"review"}, g.Successors("draft"))
	assert.Equal(t, []string{"draft", END}, g.Successors("review"))
	assert.True(t, g.IsConditional("review"))
	assert.False(t, g.IsConditional("draft"))
	assert.Equal(t, Append, g.Schema()[FieldErrors])

	_, _, ok := g.Router("draft")
	assert.False(t, ok)
}

// TestNew_ValidationErrors tests each structural rule.
func TestNew_ValidationErrors(t *testing.T) {
	toEnd := func(ctx Context, s State) string { return END }

	tests := []struct {
		name string
		def  Definition
		want error
	}{
		{
			name: "no entry",
			def: Definition{
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Static("a", END)},
			},
			want: ErrNoEntryPoint,
		},
		{
			name: "entry not found",
			def: Definition{
				Entry: "missing",
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Static("a", END)},
			},
			want: ErrEntryNotFound,
		},
		{
			name: "failure not found",
			def: Definition{
				Entry:   "a",
				Failure: "missing",
				Nodes:   map[string]Node{"a": record("a")},
				Edges:   []Edge{Static("a", END)},
			},
			want: ErrFailureNotFound,
		},
		{
			name: "reserved node id",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a"), END: record("x")},
				Edges: []Edge{Static("a", END)},
			},
			want: ErrInvalidNodeID,
		},
		{
			name: "whitespace node id",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a"), "b c": record("x")},
				Edges: []Edge{Static("a", END), Static("b c", END)},
			},
			want: ErrInvalidNodeID,
		},
		{
			name: "nil node",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": nil},
				Edges: []Edge{Static("a", END)},
			},
			want: ErrNilNode,
		},
		{
			name: "edge to unknown node",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Static("a", "ghost")},
			},
			want: ErrNodeNotFound,
		},
		{
			name: "edge from unknown node",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Static("a", END), Static("ghost", END)},
			},
			want: ErrNodeNotFound,
		},
		{
			name: "two edges from one node",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a"), "b": record("b")},
				Edges: []Edge{Static("a", "b"), Static("a", END), Static("b", END)},
			},
			want: ErrMultipleEdges,
		},
		{
			name: "no outgoing edge",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a"), "b": record("b")},
				Edges: []Edge{Static("a", "b")},
			},
			want: ErrNoOutgoingEdge,
		},
		{
			name: "nil router",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Conditional("a", nil, END)},
			},
			want: ErrNilRouter,
		},
		{
			name: "no candidates",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Conditional("a", toEnd)},
			},
			want: ErrEmptyCandidates,
		},
		{
			name: "duplicate candidate",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a")},
				Edges: []Edge{Conditional("a", toEnd, END, END)},
			},
			want: ErrDuplicateCandidate,
		},
		{
			name: "cycle without exit",
			def: Definition{
				Entry: "a",
				Nodes: map[string]Node{"a": record("a"), "b": record("b")},
				Edges: []Edge{Static("a", "b"), Static("b", "a")},
			},
			want: ErrNoPathToEnd,
		},
		{
			name: "errors field not append",
			def: Definition{
				Schema: Schema{FieldErrors: Overwrite},
				Entry:  "a",
				Nodes:  map[string]Node{"a": record("a")},
				Edges:  []Edge{Static("a", END)},
			},
			want: ErrInvalidSchema,
		},
		{
			name: "unknown policy",
			def: Definition{
				Schema: Schema{"x": MergePolicy(7)},
				Entry:  "a",
				Nodes:  map[string]Node{"a": record("a")},
				Edges:  []Edge{Static("a", END)},
			},
			want: ErrInvalidSchema,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tt.def)

			assert.Nil(t, g)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

// TestNew_ReportsAllProblems tests that validation does not stop at the first error.
func TestNew_ReportsAllProblems(t *testing.T) {
	_, err := New(Definition{
		Name:  "broken",
		Entry: "missing",
		Nodes: map[string]Node{"a": record("a"), "b": nil},
		Edges: []Edge{Static("a", "ghost"), Static("b", END)},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, err, ErrNilNode)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Contains(t, err.Error(), "broken")
}

// TestMustNew_Panics tests the panicking constructor.
func TestMustNew_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustNew(Definition{})
	})
}

// TestNew_DefinitionCopied tests that later edits to the definition don't leak in.
func TestNew_DefinitionCopied(t *testing.T) {
	candidates := []string{"a", END}
	def := Definition{
		Schema: testSchema,
		Entry:  "a",
		Nodes:  map[string]Node{"a": record("a")},
		Edges:  []Edge{Conditional("a", func(ctx Context, s State) string { return END }, candidates...)},
	}
	g, err := New(def)
	require.NoError(t, err)

	candidates[1] = "mutated"
	def.Nodes["b"] = record("b")

	assert.Equal(t, []string{"a", END}, g.Successors("a"))
	assert.False(t, g.HasNode("b"))
}

// TestRouter_RandomWalkStaysInCandidates drives every router with random
// states and checks each choice against the declared candidates.
func TestRouter_RandomWalkStaysInCandidates(t *testing.T) {
	route := func(ctx Context, s State) string {
		switch s.Int("count") % 3 {
		case 0:
			return "a"
		case 1:
			return "b"
		default:
			return END
		}
	}
	g := mustGraph(t, Definition{
		Entry: "a",
		Nodes: map[string]Node{"a": record("a"), "b": record("b")},
		Edges: []Edge{
			Conditional("a", route, "a", "b", END),
			Conditional("b", route, "a", "b", END),
		},
	})

	rng := rand.New(rand.NewSource(42))
	ctx := testCtx()
	for i := 0; i < 500; i++ {
		s, err := NewState(map[string]any{"count": rng.Intn(1000)})
		require.NoError(t, err)

		for _, id := range g.NodeIDs() {
			router, candidates, ok := g.Router(id)
			require.True(t, ok)
			assert.Contains(t, candidates, router(ctx, s))
		}
	}
}
