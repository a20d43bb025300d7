// Package tool is the boundary between workflow nodes and external tools,
// such as the language model that drafts a requirements document.
//
// Every tool declares JSON Schemas for its input and output. A
// ValidatingGateway checks both sides of each call, so a malformed payload
// fails at the boundary as a validation error instead of flowing into
// workflow state.
package tool

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownTool is returned for a tool that isn't in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// Definition describes a tool. Schemas are JSON Schema documents; an empty
// schema accepts anything.
type Definition struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	InputSchema  string `json:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"`
}

// Request is one tool invocation.
type Request struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Response is a tool's result.
type Response struct {
	Output   map[string]any `json:"output"`
	Duration time.Duration  `json:"duration"`
}

// Gateway invokes tools.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (Response, error)

// Invoke implements Gateway.
func (f GatewayFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
