package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/randalmurphal/appflow/pkg/appflow/registry"
)

type entry struct {
	def    Definition
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Catalog holds tool definitions with their compiled schemas.
type Catalog struct {
	tools *registry.Registry[string, *entry]
}

// NewCatalog creates a catalog from defs.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{tools: registry.New[string, *entry]()}
	var errs []error
	for _, d := range defs {
		if err := c.Add(d); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error, for package-level tool sets.
func MustCatalog(defs ...Definition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Add compiles and registers a definition.
func (c *Catalog) Add(d Definition) error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	e := &entry{def: d}
	var err error
	if e.input, err = compile(d.Name, "input", d.InputSchema); err != nil {
		return err
	}
	if e.output, err = compile(d.Name, "output", d.OutputSchema); err != nil {
		return err
	}
	return c.tools.Add(d.Name, e)
}

func compile(name, side, schema string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, nil
	}
	url := name + "/" + side + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("tool %s: %s schema: %w", name, side, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %s schema: %w", name, side, err)
	}
	return s, nil
}

// Get returns a tool's definition.
func (c *Catalog) Get(name string) (Definition, bool) {
	e, ok := c.tools.Get(name)
	if !ok {
		return Definition{}, false
	}
	return e.def, true
}

// Names returns the tool names, sorted.
func (c *Catalog) Names() []string {
	return c.tools.Keys()
}

// Definitions returns every definition, sorted by name.
func (c *Catalog) Definitions() []Definition {
	entries := c.tools.Values()
	out := make([]Definition, len(entries))
	for i, e := range entries {
		out[i] = e.def
	}
	return out
}

// ValidateInput checks v against the tool's input schema.
func (c *Catalog) ValidateInput(name string, v map[string]any) error {
	return c.validate(name, PhaseInput, v)
}

// ValidateOutput checks v against the tool's output schema.
func (c *Catalog) ValidateOutput(name string, v map[string]any) error {
	return c.validate(name, PhaseOutput, v)
}

func (c *Catalog) validate(name string, phase Phase, v map[string]any) error {
	e, ok := c.tools.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	schema := e.input
	if phase == PhaseOutput {
		schema = e.output
	}
	if schema == nil {
		return nil
	}

	doc, err := jsonValue(v)
	if err != nil {
		return &ValidationError{Tool: name, Phase: phase, Detail: "not JSON-encodable", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Tool: name, Phase: phase, Detail: detail(err), Err: err}
	}
	return nil
}

// jsonValue converts v to the plain types the validator expects.
func jsonValue(v map[string]any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// detail flattens a schema validation error to its leaf causes.
func detail(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return strings.Join(leaves, "; ")
}
