package appflow

// END is the terminal node identifier.
// Use this as an edge target to indicate the thread should complete.
const END = "__end__"

// Node is a named unit of work. Nodes hold no mutable data of their own:
// everything they need arrives in State and everything they produce leaves
// in the Result's patch.
type Node interface {
	Execute(ctx Context, s State) (Result, error)
}

// NodeFunc adapts a function to the Node interface.
//
// Example:
//
//	count := appflow.NodeFunc(func(ctx appflow.Context, s appflow.State) (appflow.Result, error) {
//	    return appflow.Update(appflow.Patch{"count": s.Int("count") + 1}), nil
//	})
type NodeFunc func(ctx Context, s State) (Result, error)

// Execute implements Node.
func (f NodeFunc) Execute(ctx Context, s State) (Result, error) {
	return f(ctx, s)
}

// Result is what a node hands back to the executor.
type Result struct {
	// Patch is merged into state under the schema's merge policies.
	Patch Patch

	// Suspend, when set, parks the thread after the patch is merged.
	// The same node runs again when the thread is resumed.
	Suspend *Suspension
}

// Suspension describes the input a node is waiting for.
type Suspension struct {
	// Prompt is shown to whoever supplies the input.
	Prompt string

	// Expects lists the fields the resume payload must carry.
	Expects []string

	// Schema optionally holds a JSON Schema the payload must satisfy.
	Schema string
}

// Update returns a Result that only patches state.
func Update(p Patch) Result {
	return Result{Patch: p}
}

// Suspend returns a Result that parks the thread until the listed fields arrive.
func Suspend(prompt string, expects ...string) Result {
	return Result{Suspend: &Suspension{Prompt: prompt, Expects: expects}}
}

// SuspendWith patches state and then parks the thread.
func SuspendWith(p Patch, prompt string, expects ...string) Result {
	return Result{Patch: p, Suspend: &Suspension{Prompt: prompt, Expects: expects}}
}

// RouterFunc picks the next node after a conditional edge's source ran.
// It must return one of the candidates declared with the edge.
//
// Example:
//
//	func router(ctx appflow.Context, s appflow.State) string {
//	    if s.Bool("approved") {
//	        return "finalize"
//	    }
//	    return "revise"
//	}
type RouterFunc func(ctx Context, s State) string
