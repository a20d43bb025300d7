package benchmarks

import (
	"context"
	"strconv"
	"testing"

	"github.com/randalmurphal/appflow/pkg/appflow"
	"github.com/randalmurphal/appflow/pkg/appflow/checkpoint"
)

// BenchmarkRun_Linear_5 runs a 5-node linear graph.
func BenchmarkRun_Linear_5(b *testing.B) {
	benchmarkRun(b, linearDefinition(5), nil)
}

// BenchmarkRun_Linear_10 runs a 10-node linear graph.
func BenchmarkRun_Linear_10(b *testing.B) {
	benchmarkRun(b, linearDefinition(10), nil)
}

// BenchmarkRun_Linear_50 runs a 50-node linear graph.
func BenchmarkRun_Linear_50(b *testing.B) {
	benchmarkRun(b, linearDefinition(50), nil)
}

// BenchmarkRun_Branching runs a graph with a conditional edge.
func BenchmarkRun_Branching(b *testing.B) {
	benchmarkRun(b, branchingDefinition(), appflow.Patch{"value": 3})
}

// BenchmarkRun_Loop runs a self-loop three times.
func BenchmarkRun_Loop(b *testing.B) {
	benchmarkRun(b, loopDefinition(3), nil)
}

// BenchmarkRun_Loop_10 runs a self-loop ten times.
func BenchmarkRun_Loop_10(b *testing.B) {
	benchmarkRun(b, loopDefinition(10), nil)
}

// BenchmarkSuspendResume measures one interrupt and its resume.
func BenchmarkSuspendResume(b *testing.B) {
	gate := appflow.NodeFunc(func(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
		if !ctx.Resumed() {
			return appflow.Suspend("approve?", "value"), nil
		}
		return appflow.Result{}, nil
	})
	g := mustGraph(b, appflow.Definition{
		Name:   "gate",
		Schema: schema,
		Entry:  "gate",
		Nodes:  map[string]appflow.Node{"gate": gate},
		Edges:  []appflow.Edge{appflow.Static("gate", appflow.END)},
	})
	exec := appflow.NewExecutor(g, checkpoint.NewMemoryStore(), appflow.WithLogger(quiet))
	ctx := context.Background()

	b.ReportAllocs()
	i := 0
	for b.Loop() {
		i++
		res, err := exec.Run(ctx, strconv.Itoa(i), nil)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := exec.Resume(ctx, res.Interrupt.Token, appflow.Patch{"value": 1}); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkRun(b *testing.B, def appflow.Definition, input appflow.Patch) {
	exec := appflow.NewExecutor(mustGraph(b, def), checkpoint.NewMemoryStore(), appflow.WithLogger(quiet))
	ctx := context.Background()

	b.ReportAllocs()
	i := 0
	for b.Loop() {
		i++
		if _, err := exec.Run(ctx, strconv.Itoa(i), input); err != nil {
			b.Fatal(err)
		}
	}
}
