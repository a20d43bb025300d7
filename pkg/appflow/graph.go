package appflow

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Definition is the plain-data description of a workflow graph.
//
// Example:
//
//	g, err := appflow.New(appflow.Definition{
//	    Name:   "review",
//	    Schema: appflow.Schema{"draft": appflow.Overwrite, "approved": appflow.Overwrite},
//	    Entry:  "draft",
//	    Nodes: map[string]appflow.Node{
//	        "draft":  draftNode,
//	        "review": reviewNode,
//	    },
//	    Edges: []appflow.Edge{
//	        appflow.Static("draft", "review"),
//	        appflow.Conditional("review", reviewRouter, "draft", appflow.END),
//	    },
//	})
type Definition struct {
	Name   string
	Schema Schema
	Entry  string

	// Failure optionally names the node that runs after any node error.
	// Routing to it also fails the thread. It must itself reach END.
	Failure string

	Nodes map[string]Node
	Edges []Edge
}

// Graph is a validated, immutable workflow topology.
// It is safe for concurrent use by any number of executors.
type Graph struct {
	name    string
	schema  Schema
	entry   string
	failure string
	nodes   map[string]Node
	edges   map[string]Edge
}

// New validates a definition and builds a Graph.
//
// Validation checks:
//   - entry point is set and registered; failure node, when set, is registered
//   - node IDs are non-empty, free of whitespace, and not END
//   - the schema only uses known policies and keeps "errors" as append
//   - every edge source and target is registered (targets may be END)
//   - conditional edges have a router and a non-empty, duplicate-free candidate set
//   - every node has exactly one outgoing edge
//   - every node can reach END
//
// All problems are reported together in a *ConfigError.
// Nodes unreachable from the entry point are logged as warnings.
func New(def Definition) (*Graph, error) {
	var errs []error

	for id, node := range def.Nodes {
		if err := validateNodeID(id); err != nil {
			errs = append(errs, err)
		}
		if node == nil {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNilNode, id))
		}
	}

	if def.Entry == "" {
		errs = append(errs, ErrNoEntryPoint)
	} else if _, ok := def.Nodes[def.Entry]; !ok {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEntryNotFound, def.Entry))
	}

	if def.Failure != "" {
		if _, ok := def.Nodes[def.Failure]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrFailureNotFound, def.Failure))
		}
	}

	errs = append(errs, def.Schema.validate()...)

	edges := make(map[string]Edge, len(def.Edges))
	for _, e := range def.Edges {
		if _, ok := def.Nodes[e.From]; !ok {
			errs = append(errs, fmt.Errorf("%w: edge source %q", ErrNodeNotFound, e.From))
			continue
		}
		if _, dup := edges[e.From]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMultipleEdges, e.From))
			continue
		}
		errs = append(errs, validateEdge(e, def.Nodes)...)
		edges[e.From] = cloneEdge(e)
	}

	for id := range def.Nodes {
		if _, ok := edges[id]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoOutgoingEdge, id))
		}
	}

	if len(errs) == 0 {
		for _, id := range nodesWithoutPathToEnd(edges) {
			errs = append(errs, fmt.Errorf("%w from %s", ErrNoPathToEnd, id))
		}
	}

	if len(errs) > 0 {
		sortErrors(errs)
		return nil, &ConfigError{Graph: def.Name, Err: errors.Join(errs...)}
	}

	nodes := make(map[string]Node, len(def.Nodes))
	for id, n := range def.Nodes {
		nodes[id] = n
	}

	g := &Graph{
		name:    def.Name,
		schema:  def.Schema.withReserved(),
		entry:   def.Entry,
		failure: def.Failure,
		nodes:   nodes,
		edges:   edges,
	}
	g.warnUnreachableNodes()
	return g, nil
}

// MustNew is like New but panics on error. Intended for package-level
// workflow definitions whose topology is fixed at compile time.
func MustNew(def Definition) *Graph {
	g, err := New(def)
	if err != nil {
		panic(err)
	}
	return g
}

func validateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	lower := strings.ToLower(id)
	if lower == "end" || lower == END {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidNodeID, id)
	}
	if strings.ContainsAny(id, " \t\n\r") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidNodeID, id)
	}
	return nil
}

func validateEdge(e Edge, nodes map[string]Node) []error {
	var errs []error
	known := func(target string) bool {
		if target == END {
			return true
		}
		_, ok := nodes[target]
		return ok
	}

	if !e.IsConditional() {
		if !known(e.To) {
			errs = append(errs, fmt.Errorf("%w: edge target %q from %s", ErrNodeNotFound, e.To, e.From))
		}
		return errs
	}

	if e.Router == nil {
		errs = append(errs, fmt.Errorf("%w: %s", ErrNilRouter, e.From))
	}
	if len(e.Candidates) == 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrEmptyCandidates, e.From))
	}
	seen := make(map[string]bool, len(e.Candidates))
	for _, c := range e.Candidates {
		if seen[c] {
			errs = append(errs, fmt.Errorf("%w: %q from %s", ErrDuplicateCandidate, c, e.From))
		}
		seen[c] = true
		if !known(c) {
			errs = append(errs, fmt.Errorf("%w: router candidate %q from %s", ErrNodeNotFound, c, e.From))
		}
	}
	return errs
}

func cloneEdge(e Edge) Edge {
	if e.Candidates != nil {
		e.Candidates = append([]string(nil), e.Candidates...)
	}
	return e
}

// nodesWithoutPathToEnd propagates "can reach END" backwards until nothing
// changes and returns the nodes left out, sorted.
func nodesWithoutPathToEnd(edges map[string]Edge) []string {
	canReach := map[string]bool{END: true}
	for changed := true; changed; {
		changed = false
		for from, e := range edges {
			if canReach[from] {
				continue
			}
			for _, to := range e.Targets() {
				if canReach[to] {
					canReach[from] = true
					changed = true
					break
				}
			}
		}
	}

	var stuck []string
	for from := range edges {
		if !canReach[from] {
			stuck = append(stuck, from)
		}
	}
	sort.Strings(stuck)
	return stuck
}

func sortErrors(errs []error) {
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].Error() < errs[j].Error()
	})
}

// warnUnreachableNodes logs nodes that neither the entry point nor the
// failure node can lead to.
func (g *Graph) warnUnreachableNodes() {
	reachable := make(map[string]bool, len(g.nodes))
	queue := []string{g.entry}
	if g.failure != "" {
		queue = append(queue, g.failure)
	}
	for _, id := range queue {
		reachable[id] = true
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.edges[current].Targets() {
			if next != END && !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, id := range g.NodeIDs() {
		if !reachable[id] {
			slog.Warn("node is unreachable from entry", "graph", g.name, "node_id", id)
		}
	}
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Entry returns the entry node ID.
func (g *Graph) Entry() string {
	return g.entry
}

// Failure returns the failure node ID, or "" if none is registered.
func (g *Graph) Failure() string {
	return g.failure
}

// NodeIDs returns all node identifiers in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasNode checks if a node exists in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Successors returns the nodes reachable in one step from id: the static
// target, or every declared router candidate. Returns nil for END or
// unknown nodes.
func (g *Graph) Successors(id string) []string {
	e, ok := g.edges[id]
	if !ok {
		return nil
	}
	return e.Targets()
}

// IsConditional reports whether the node's outgoing edge is routed.
func (g *Graph) IsConditional(id string) bool {
	return g.edges[id].IsConditional()
}

// Schema returns a copy of the merge-policy table, including reserved fields.
func (g *Graph) Schema() Schema {
	out := make(Schema, len(g.schema))
	for k, v := range g.schema {
		out[k] = v
	}
	return out
}

// Router returns the router of a conditional node and its candidates.
func (g *Graph) Router(id string) (RouterFunc, []string, bool) {
	e, ok := g.edges[id]
	if !ok || !e.IsConditional() {
		return nil, nil, false
	}
	return e.Router, e.Targets(), true
}
