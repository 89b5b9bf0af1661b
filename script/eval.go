package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\${([^}]+)}`)

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw   string
	parts []string
	codes []Script
	slots []int
}

// HasExpressions reports whether s contains a ${...} expression.
func HasExpressions(s string) bool {
	return strings.Contains(s, "${")
}

func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	openCount := strings.Count(raw, "${")
	closeCount := strings.Count(raw, "}")
	if openCount > closeCount {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	if openCount == 0 {
		return t, nil
	}

	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, raw[lastEnd:match[0]])
		}
		expr := raw[match[2]:match[3]]
		code, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.codes = append(t.codes, code)
		t.slots = append(t.slots, len(t.parts))
		t.parts = append(t.parts, "")
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, raw[lastEnd:])
	}
	return t, nil
}

func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.codes) == 0 {
		return t.raw, nil
	}
	parts := make([]string, len(t.parts))
	copy(parts, t.parts)
	for i, code := range t.codes {
		result, err := code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		parts[t.slots[i]] = result.String()
	}
	return strings.Join(parts, ""), nil
}

// EvalBool compiles and evaluates a boolean expression.
func EvalBool(ctx context.Context, engine Compiler, expr string, globals map[string]any) (bool, error) {
	code, err := engine.Compile(ctx, expr)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression %q: %w", expr, err)
	}
	value, err := code.Evaluate(ctx, globals)
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}
