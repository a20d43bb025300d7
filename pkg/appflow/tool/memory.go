package tool

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Handler answers calls to one tool in a MemoryGateway.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Static returns a handler that always answers output.
func Static(output map[string]any) Handler {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return maps.Clone(output), nil
	}
}

// MemoryGateway dispatches to in-process handlers and records every call.
// It stands in for live tools in tests and demos.
type MemoryGateway struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Request
}

// NewMemoryGateway creates a gateway with no handlers.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{handlers: make(map[string]Handler)}
}

// Handle registers h for tool name, replacing any earlier handler.
func (g *MemoryGateway) Handle(name string, h Handler) *MemoryGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[name] = h
	return g
}

// Invoke implements Gateway.
func (g *MemoryGateway) Invoke(ctx context.Context, req Request) (Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, Request{Tool: req.Tool, Input: maps.Clone(req.Input)})
	h, ok := g.handlers[req.Tool]
	g.mu.Unlock()

	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool)
	}
	start := time.Now()
	out, err := h(ctx, req.Input)
	if err != nil {
		return Response{}, err
	}
	return Response{Output: out, Duration: time.Since(start)}, nil
}

// Calls returns every request seen so far.
func (g *MemoryGateway) Calls() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsTo returns requests for one tool.
func (g *MemoryGateway) CallsTo(name string) []Request {
	var out []Request
	for _, c := range g.Calls() {
		if c.Tool == name {
			out = append(out, c)
		}
	}
	return out
}
