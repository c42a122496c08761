package tools

import (
	"context"
	"errors"
	"testing"
)

func staticTool(name, result string) *Tool {
	return &Tool{
		Name:        name,
		Description: "returns " + result,
		Handler: func(context.Context, map[string]any) (string, error) {
			return result, nil
		},
	}
}

func TestResolve_SuppliedOverridesBase(t *testing.T) {
	base, err := NewRegistry(staticTool("x", "v1"), staticTool("y", "base-y"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	reg, err := Resolve(base, []*Tool{staticTool("x", "v2"), staticTool("z", "supplied-z")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	tests := []struct {
		name string
		want string
	}{
		{"x", "v2"},
		{"y", "base-y"},
		{"z", "supplied-z"},
	}
	for _, tt := range tests {
		tool, err := reg.Lookup(tt.name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", tt.name, err)
		}
		got, _ := tool.Handler(context.Background(), nil)
		if got != tt.want {
			t.Errorf("%s resolved to %q, want %q", tt.name, got, tt.want)
		}
	}

	// The base registry is untouched.
	tool, _ := base.Lookup("x")
	if got, _ := tool.Handler(context.Background(), nil); got != "v1" {
		t.Errorf("base x = %q after Resolve, want v1", got)
	}
	if _, err := base.Lookup("z"); err == nil {
		t.Error("base registry gained supplied tool z")
	}
}

func TestResolve_NilBase(t *testing.T) {
	reg, err := Resolve(nil, []*Tool{staticTool("only", "ok")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestLookup_NotFound(t *testing.T) {
	reg, _ := NewRegistry(staticTool("getWeather", "x"))
	_, err := reg.Lookup("unknown_tool")

	var nf *ErrToolNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *ErrToolNotFound", err)
	}
	if nf.Name != "unknown_tool" {
		t.Errorf("Name = %q", nf.Name)
	}
}

func TestRegister_InvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		tool *Tool
	}{
		{"nil", nil},
		{"no name", &Tool{Handler: staticTool("a", "b").Handler}},
		{"no handler", &Tool{Name: "bare"}},
		{"bad schema", &Tool{
			Name:       "broken",
			Handler:    staticTool("a", "b").Handler,
			Parameters: map[string]any{"type": 42},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := NewRegistry()
			if err := reg.Register(tt.tool); !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("Register() = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestDefinitions_SortedOpenAIFormat(t *testing.T) {
	reg, _ := NewRegistry(staticTool("zeta", "z"), WeatherTool(), staticTool("alpha", "a"))

	defs := reg.Definitions()
	if len(defs) != 3 {
		t.Fatalf("Definitions() returned %d, want 3", len(defs))
	}

	var names []string
	for _, d := range defs {
		if d["type"] != "function" {
			t.Errorf("type = %v, want function", d["type"])
		}
		fn := d["function"].(map[string]any)
		names = append(names, fn["name"].(string))
		if _, ok := fn["parameters"].(map[string]any); !ok {
			t.Errorf("%s: parameters missing", fn["name"])
		}
	}
	want := []string{"alpha", "getWeather", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}
}

func TestValidate(t *testing.T) {
	reg, _ := NewRegistry(WeatherTool(), staticTool("free", "ok"))

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", "getWeather", map[string]any{"location": "Boston"}, false},
		{"missing required", "getWeather", map[string]any{}, true},
		{"wrong type", "getWeather", map[string]any{"location": 7}, true},
		{"nil args against required", "getWeather", nil, true},
		{"schema-less accepts anything", "free", map[string]any{"n": 1.5}, false},
		{"schema-less accepts nil", "free", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.validate(tt.tool, tt.args)
			if tt.wantErr {
				var ia *ErrInvalidArguments
				if !errors.As(err, &ia) {
					t.Fatalf("validate() = %v, want *ErrInvalidArguments", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate() = %v, want nil", err)
			}
		})
	}
}
