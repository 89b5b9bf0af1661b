package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:  "string with single template variable",
			input: "Hello ${outputs.fetch}",
			globals: map[string]any{
				"outputs": map[string]any{"fetch": "Alice"},
			},
			want: "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${params.greeting} ${outputs.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"params":  map[string]any{"greeting": "Hello"},
				"outputs": map[string]any{"name": "Bob"},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "empty result keeps its position",
			input: "[${outputs.a}][${outputs.b}]",
			globals: map[string]any{
				"outputs": map[string]any{"a": "", "b": "x"},
			},
			want: "[][x]",
		},
		{
			name:  "string with nested expressions",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(NewRisorScriptingEngine(DefaultRisorGlobals()), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvalBool(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultRisorGlobals())
	ctx := context.Background()

	tests := []struct {
		name    string
		expr    string
		output  any
		want    bool
		wantErr bool
	}{
		{name: "map field comparison", expr: `output["status"] == "ok"`, output: map[string]any{"status": "ok"}, want: true},
		{name: "map field mismatch", expr: `output["status"] == "ok"`, output: map[string]any{"status": "down"}, want: false},
		{name: "numeric threshold", expr: "output > 10", output: 42, want: true},
		{name: "string false is falsy", expr: "output", output: "false", want: false},
		{name: "runtime error", expr: "1 / 0", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvalBool(ctx, engine, tt.expr, map[string]any{"output": tt.output})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestUndeclaredGlobalsIgnored(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultRisorGlobals())
	code, err := engine.Compile(context.Background(), "len(outputs)")
	require.NoError(t, err)
	value, err := code.Evaluate(context.Background(), map[string]any{
		"outputs": map[string]any{"a": 1, "b": 2},
		"bogus":   true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), value.Value())
}
