package executors

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/deepnoodle-ai/workgraph"
)

// LuaExecutor runs the Lua program in the "code" parameter in a sandbox
// with only the base, table, string and math libraries. The program sees
// the other parameters as the params table and may call progress(n) and
// log(msg). Its first return value, or the global result when it returns
// nothing, becomes the unit output. Calling error() fails the attempt.
type LuaExecutor struct{}

func NewLuaExecutor() *LuaExecutor {
	return &LuaExecutor{}
}

func (e *LuaExecutor) Kind() string {
	return "lua"
}

func (e *LuaExecutor) Execute(ctx context.Context, unit *workgraph.Unit) (any, error) {
	code, ok := unit.Parameters["code"].(string)
	if !ok || code == "" {
		return nil, workgraph.NewFatalError(errors.New("missing code parameter"))
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	openSafeLibs(L)

	logger := workgraph.LoggerFromContext(ctx)
	params := L.NewTable()
	for key, value := range unit.Parameters {
		if key != "code" {
			params.RawSetString(key, toLua(L, value))
		}
	}
	L.SetGlobal("params", params)
	L.SetGlobal("unit_id", lua.LString(unit.ID))
	L.SetGlobal("attempt", lua.LNumber(unit.Attempt))
	L.SetGlobal("progress", L.NewFunction(func(L *lua.LState) int {
		workgraph.ReportProgress(ctx, L.CheckInt(1))
		return 0
	}))
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logger.Info(L.CheckString(1), "source", "lua")
		return 0
	}))

	fn, err := L.LoadString(code)
	if err != nil {
		return nil, workgraph.NewFatalError(fmt.Errorf("failed to load lua script: %w", err))
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lua script failed: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LNil {
		ret = L.GetGlobal("result")
	}
	return fromLua(ret), nil
}

// openSafeLibs loads the deterministic standard libraries only.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if math, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(math, "random", lua.LNil)
		L.SetField(math, "randomseed", lua.LNil)
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []any:
		t := L.NewTable()
		for _, item := range v {
			t.Append(toLua(L, item))
		}
		return t
	case []string:
		t := L.NewTable()
		for _, item := range v {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for key, item := range v {
			t.RawSetString(key, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// fromLua converts a Lua value to Go. Tables with only consecutive integer
// keys starting at 1 become slices; other tables become maps.
func fromLua(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := v.Len(); n > 0 {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, fromLua(v.RawGetInt(i)))
			}
			return list
		}
		m := map[string]any{}
		v.ForEach(func(key, value lua.LValue) {
			m[key.String()] = fromLua(value)
		})
		return m
	default:
		return nil
	}
}
