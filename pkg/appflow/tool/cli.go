package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/randalmurphal/appflow/pkg/appflow/command"
	apperrors "github.com/randalmurphal/appflow/pkg/appflow/errors"
	"github.com/randalmurphal/appflow/pkg/appflow/retry"
)

// ErrNoJSON is returned when a CLI response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in output")

// CLIGateway answers tool calls by prompting the claude CLI for JSON that
// matches the tool's output schema.
type CLIGateway struct {
	catalog *Catalog
	runner  command.Runner
	path    string
	model   string
	workdir string
	timeout time.Duration
	retry   retry.Config
	logger  *slog.Logger
}

// CLIOption configures a CLIGateway.
type CLIOption func(*CLIGateway)

// WithCLIPath sets the path to the claude binary.
func WithCLIPath(path string) CLIOption {
	return func(g *CLIGateway) { g.path = path }
}

// WithModel sets the model flag.
func WithModel(model string) CLIOption {
	return func(g *CLIGateway) { g.model = model }
}

// WithWorkdir sets the working directory for CLI calls.
func WithWorkdir(dir string) CLIOption {
	return func(g *CLIGateway) { g.workdir = dir }
}

// WithTimeout bounds each CLI call.
func WithTimeout(d time.Duration) CLIOption {
	return func(g *CLIGateway) { g.timeout = d }
}

// WithRetry sets how transient failures are retried.
func WithRetry(cfg retry.Config) CLIOption {
	return func(g *CLIGateway) { g.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CLIOption {
	return func(g *CLIGateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewCLIGateway creates a gateway for the tools in catalog.
// Assumes "claude" is on PATH unless overridden with WithCLIPath.
func NewCLIGateway(catalog *Catalog, runner command.Runner, opts ...CLIOption) *CLIGateway {
	g := &CLIGateway{
		catalog: catalog,
		runner:  runner,
		path:    "claude",
		timeout: 5 * time.Minute,
		retry:   retry.DefaultConfig,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke implements Gateway.
func (g *CLIGateway) Invoke(ctx context.Context, req Request) (Response, error) {
	def, ok := g.catalog.Get(req.Tool)
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownTool, req.Tool)
	}
	prompt, err := buildPrompt(def, req.Input)
	if err != nil {
		return Response{}, err
	}

	res := retry.Do(ctx, g.retry, func(ctx context.Context) (map[string]any, error) {
		return g.call(ctx, req.Tool, prompt)
	})
	if res.Err != nil {
		return Response{}, fmt.Errorf("tool %s: %w", req.Tool, res.Err)
	}
	return Response{Output: res.Value, Duration: res.Duration}, nil
}

func (g *CLIGateway) call(ctx context.Context, name, prompt string) (map[string]any, error) {
	args := []string{"--print", "--output-format", "json"}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	args = append(args, "-p", prompt)

	res := g.runner.Run(ctx, g.path, args, command.Options{Timeout: g.timeout, Dir: g.workdir})
	g.logger.Debug("tool call finished",
		"tool", name,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
	)

	switch {
	case res.StartFailed:
		return nil, apperrors.Configuration(res.Err(), "tool cli")
	case res.TimedOut:
		return nil, &apperrors.TimeoutError{Operation: "tool " + name, After: g.timeout}
	case !res.Success:
		if isTransient(res.Stderr + res.Stdout) {
			return nil, apperrors.Recoverable(res.Err(), "tool cli")
		}
		return nil, apperrors.Fatal(res.Err(), "tool cli")
	}

	out, err := lastJSONObject(unwrapEnvelope(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return out, nil
}

func buildPrompt(def Definition, input map[string]any) (string, error) {
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q tool. %s\n\n", def.Name, def.Description)
	b.WriteString("Input:\n")
	b.Write(data)
	b.WriteString("\n\nRespond with a single JSON object and nothing else.")
	if def.OutputSchema != "" {
		b.WriteString(" It must match this JSON Schema:\n")
		b.WriteString(def.OutputSchema)
	}
	return b.String(), nil
}

// unwrapEnvelope extracts the result text from --output-format json output.
// Plain text output is returned unchanged.
func unwrapEnvelope(stdout string) string {
	var env struct {
		Type    string `json:"type"`
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &env); err != nil || env.Type != "result" {
		return stdout
	}
	return env.Result
}

// lastJSONObject returns the last top-level JSON object in text. Models
// often wrap JSON in prose or code fences.
func lastJSONObject(text string) (map[string]any, error) {
	var last map[string]any
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			continue
		}
		last = obj
		i += int(dec.InputOffset()) - 1
	}
	if last == nil {
		return nil, ErrNoJSON
	}
	return last, nil
}

func isTransient(out string) bool {
	lower := strings.ToLower(out)
	for _, marker := range []string{"rate limit", "overloaded", "timeout", "503", "529"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
