package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

type RisorScript struct {
	engine *RisorScriptingEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combinedGlobals := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combinedGlobals[name] = value
	}
	for name, value := range globals {
		if _, declared := s.engine.globals[name]; !declared || value == nil {
			continue
		}
		combinedGlobals[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combinedGlobals))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorScriptingEngine compiles risor expressions. The set of global names
// is fixed at construction; values supplied at evaluation time replace the
// defaults for those names.
type RisorScriptingEngine struct {
	globals map[string]any

	mu    sync.Mutex
	cache map[string]*RisorScript
}

func NewRisorScriptingEngine(globals map[string]any) *RisorScriptingEngine {
	return &RisorScriptingEngine{globals: globals, cache: map[string]*RisorScript{}}
}

func (e *RisorScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	e.mu.Lock()
	cached, ok := e.cache[code]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	globalNames := make([]string, 0, len(e.globals))
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	s := &RisorScript{engine: e, code: compiledCode}
	e.mu.Lock()
	e.cache[code] = s
	e.mu.Unlock()
	return s, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return ToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return Truthy(value.obj)
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(v.Value()))
		for _, item := range v.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ",")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", value.obj)
	}
}

// DefaultRisorGlobals returns the risor builtins plus the names bound when
// evaluating edge conditions and parameter templates.
func DefaultRisorGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if !GetSafeGlobals()[name] {
			continue
		}
		globals[name] = value
	}
	globals["output"] = object.Nil
	globals["outputs"] = object.NewMap(map[string]object.Object{})
	globals["params"] = object.NewMap(map[string]object.Object{})
	globals["unit"] = object.NewMap(map[string]object.Object{})
	return globals
}
