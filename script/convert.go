package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a Go value
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	case *object.Set:
		var result []any
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	default:
		return obj.Inspect()
	}
}

// Truthy reports whether a Risor object counts as true. The string "false"
// is treated as false so that rendered flags behave as expected.
func Truthy(obj object.Object) bool {
	switch obj := obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	default:
		return obj.IsTruthy()
	}
}

// GetSafeGlobals returns a map of Risor built-in function names that are safe
// to use in conditions due to being deterministic with no side effects.
func GetSafeGlobals() map[string]bool {
	return map[string]bool{
		"all":         true,
		"any":         true,
		"base64":      true,
		"bool":        true,
		"byte":        true,
		"bytes":       true,
		"call":        true,
		"chunk":       true,
		"coalesce":    true,
		"decode":      true,
		"encode":      true,
		"error":       true,
		"errorf":      true,
		"errors":      true,
		"float":       true,
		"fmt":         true,
		"getattr":     true,
		"int":         true,
		"is_hashable": true,
		"iter":        true,
		"json":        true,
		"keys":        true,
		"len":         true,
		"list":        true,
		"map":         true,
		"math":        true,
		"regexp":      true,
		"reversed":    true,
		"set":         true,
		"sorted":      true,
		"sprintf":     true,
		"string":      true,
		"strings":     true,
		"try":         true,
		"type":        true,
	}
}
