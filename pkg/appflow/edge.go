package appflow

// Edge is one node's way forward: either a fixed target or a router over a
// fixed candidate set. Each node has exactly one.
type Edge struct {
	From string

	// To is the target of a static edge.
	To string

	// Router and Candidates describe a conditional edge.
	Router     RouterFunc
	Candidates []string
}

// Static creates an edge that always moves from one node to another.
// The target can be a node ID or END.
func Static(from, to string) Edge {
	return Edge{From: from, To: to}
}

// Conditional creates an edge whose target is chosen by router at run time.
// The router may only return one of candidates (node IDs or END).
func Conditional(from string, router RouterFunc, candidates ...string) Edge {
	return Edge{From: from, Router: router, Candidates: candidates}
}

// IsConditional reports whether the edge is routed at run time.
func (e Edge) IsConditional() bool {
	return e.Router != nil || len(e.Candidates) > 0
}

// Targets returns every node the edge can lead to.
func (e Edge) Targets() []string {
	if e.IsConditional() {
		out := make([]string, len(e.Candidates))
		copy(out, e.Candidates)
		return out
	}
	return []string{e.To}
}

func (e Edge) allows(target string) bool {
	for _, c := range e.Candidates {
		if c == target {
			return true
		}
	}
	return false
}
