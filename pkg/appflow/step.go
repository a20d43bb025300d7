package appflow

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/randalmurphal/appflow/pkg/appflow/checkpoint"
	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
	"github.com/randalmurphal/appflow/pkg/appflow/event"
	"github.com/randalmurphal/appflow/pkg/appflow/observability"
)

// executeNode runs one node, converting panics to PanicError.
func (e *Executor) executeNode(ctx *executionContext, nodeID string, s State) (res Result, err error) {
	node := e.graph.nodes[nodeID]

	observability.LogNodeStart(ctx.logger, nodeID)
	e.publish(ctx, event.NodeStarted, ctx.threadID, event.Lifecycle{NodeID: nodeID, Step: ctx.step})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = Result{}
			err = &PanicError{NodeID: nodeID, Value: r, Stack: string(debug.Stack())}
		}

		elapsed := time.Since(start)
		e.cfg.metrics.RecordNodeExecution(ctx, nodeID, elapsed, err)
		durationMs := float64(elapsed.Microseconds()) / 1000

		payload := event.Lifecycle{NodeID: nodeID, Step: ctx.step, DurationMs: durationMs}
		if err != nil {
			observability.LogNodeError(ctx.logger, nodeID, err)
			payload.Status = "failed"
			payload.Error = err.Error()
			e.publish(ctx, event.NodeFailed, ctx.threadID, payload)
			return
		}
		observability.LogNodeComplete(ctx.logger, nodeID, durationMs)
		payload.Status = "completed"
		e.publish(ctx, event.NodeCompleted, ctx.threadID, payload)
	}()

	res, err = node.Execute(ctx, s)
	if err != nil {
		err = &NodeError{NodeID: nodeID, Op: "execute", Err: err}
	}
	return res, err
}

// nextNode resolves the successor of nodeID against the post-merge state.
func (e *Executor) nextNode(ctx *executionContext, nodeID string, s State) (next string, err error) {
	edge := e.graph.edges[nodeID]
	if !edge.IsConditional() {
		return edge.To, nil
	}

	defer func() {
		if r := recover(); r != nil {
			next = ""
			err = &RouterError{
				FromNode: nodeID,
				Err:      &PanicError{NodeID: nodeID, Value: r, Stack: string(debug.Stack())},
			}
		}
	}()

	next = edge.Router(ctx, s)
	switch {
	case next == "":
		return "", &RouterError{FromNode: nodeID, Err: ErrInvalidRouterResult}
	case !edge.allows(next):
		return "", &RouterError{FromNode: nodeID, Returned: next, Err: ErrRouterTargetUndeclared}
	}
	return next, nil
}

func checkSuspension(nodeID string, s *Suspension) error {
	if s.Schema == "" {
		return nil
	}
	if _, err := compilePayloadSchema(s.Schema); err != nil {
		return &NodeError{NodeID: nodeID, Op: "suspend", Err: fmt.Errorf("payload schema: %w", err)}
	}
	return nil
}

// checkPayload verifies a resume payload against what the suspension asked for.
func checkPayload(in *checkpoint.Interrupt, payload Patch) error {
	var missing []string
	for _, field := range in.Expects {
		if v, ok := payload[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %w", ErrResumePayloadInvalid,
			&apperrors.ValidationError{Field: strings.Join(missing, ", "), Message: "required"})
	}

	if in.Schema == "" {
		return nil
	}
	schema, err := compilePayloadSchema(in.Schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResumePayloadInvalid, err)
	}
	doc, err := normalize(map[string]any(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResumePayloadInvalid, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrResumePayloadInvalid,
			&apperrors.ValidationError{Message: err.Error()})
	}
	return nil
}

func compilePayloadSchema(src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	return c.Compile("payload.json")
}
