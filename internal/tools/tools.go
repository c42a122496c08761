// Package tools defines the tools available to the agent.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Map keys are sorted, which makes encoded arguments canonical.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler is the capability behind a tool. It receives arguments that
// have already passed the tool's input schema.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema; nil means any object
	Handler     Handler        `json:"-"`
}

type entry struct {
	tool   *Tool
	schema *jsonschema.Schema
}

// Registry holds the tools resolved for one run. Each tool's parameter
// schema is compiled once, when the tool is registered.
type Registry struct {
	tools map[string]entry
}

// NewRegistry creates a registry holding tools. It fails on the first
// invalid definition.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Resolve builds the registry for a single run: base tools overlaid by
// supplied tools, where a supplied tool replaces a base tool of the same
// name. base may be nil. base is not modified.
func Resolve(base *Registry, supplied []*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry)}
	if base != nil {
		for name, e := range base.tools {
			r.tools[name] = e
		}
	}
	for _, t := range supplied {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("%w: tool has no name", ErrInvalidDefinition)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidDefinition, t.Name)
	}
	schema, err := compileSchema(t.Name, t.Parameters)
	if err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidDefinition, t.Name, err)
	}
	r.tools[t.Name] = entry{tool: t, schema: schema}
	return nil
}

// Lookup returns the named tool, or [*ErrToolNotFound].
func (r *Registry) Lookup(name string) (*Tool, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, &ErrToolNotFound{Name: name}
	}
	return e.tool, nil
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions in OpenAI function format,
// sorted by name.
func (r *Registry) Definitions() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name].tool
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// validate checks args against the named tool's schema.
func (r *Registry) validate(name string, args map[string]any) error {
	e, ok := r.tools[name]
	if !ok {
		return &ErrToolNotFound{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return &ErrInvalidArguments{Name: name, Err: err}
	}
	// The validator expects values as produced by its own decoder.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ErrInvalidArguments{Name: name, Err: err}
	}
	if err := e.schema.Validate(inst); err != nil {
		return &ErrInvalidArguments{Name: name, Err: err}
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	loc := "mem://tools/" + url.PathEscape(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, err
	}
	return c.Compile(loc)
}
