package llm

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/deskpilot/internal/config"
)

func TestTracePayload(t *testing.T) {
	payload := map[string]any{"model": "llama3", "stream": false}

	var quiet bytes.Buffer
	tracePayload(context.Background(), config.NewLogger(&quiet, slog.LevelDebug, "text"), "request payload", payload)
	if quiet.Len() != 0 {
		t.Errorf("debug logger wrote trace output: %s", quiet.String())
	}

	var loud bytes.Buffer
	tracePayload(context.Background(), config.NewLogger(&loud, config.LevelTrace, "text"), "request payload", payload)
	out := loud.String()
	for _, want := range []string{"level=TRACE", "request payload", `\"model\":\"llama3\"`} {
		if !strings.Contains(out, want) {
			t.Errorf("trace output missing %q:\n%s", want, out)
		}
	}
}

func TestNewToolCall(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		wantArg any
	}{
		{name: "object", raw: `{"q":"go"}`, wantArg: "go"},
		{name: "empty", raw: ""},
		{name: "truncated", raw: `{"q":`, wantErr: true},
		{name: "not an object", raw: `["go"]`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newToolCall("call_1", "search", tt.raw)
			err := tc.ArgumentsError()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ArgumentsError() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if tc.ArgumentsJSON() != tt.raw {
					t.Errorf("ArgumentsJSON() = %q, want raw %q", tc.ArgumentsJSON(), tt.raw)
				}
				return
			}
			if tc.Function.RawArguments != "" {
				t.Errorf("RawArguments = %q, want empty", tc.Function.RawArguments)
			}
			if tt.wantArg != nil && tc.Function.Arguments["q"] != tt.wantArg {
				t.Errorf("Arguments = %v", tc.Function.Arguments)
			}
		})
	}
}
