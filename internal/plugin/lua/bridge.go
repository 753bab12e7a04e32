package lua

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// Bridge moves plugin payloads between Go and a script. Payloads are JSON
// documents on the Go side: inputs arrive decoded from JSON or as Go
// values with json tags, and outputs must pass the plugin's output shape.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a bridge for L.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToGo converts a script value into its JSON form.
//
// Whole numbers become int64 and other numbers float64. A table whose
// keys are exactly 1..n becomes []any; any other non-empty table becomes
// map[string]any with keys rendered as strings. An empty table is an
// empty object. Functions, userdata, threads and cyclic references
// become nil.
func (b *Bridge) ToGo(lv lua.LValue) any {
	return b.toGo(lv, make(map[*lua.LTable]struct{}))
}

func (b *Bridge) toGo(lv lua.LValue, seen map[*lua.LTable]struct{}) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if _, cyclic := seen[v]; cyclic {
			return nil
		}
		seen[v] = struct{}{}
		defer delete(seen, v)

		if n := sequenceLen(v); n > 0 {
			list := make([]any, n)
			for i := range list {
				list[i] = b.toGo(v.RawGetInt(i+1), seen)
			}
			return list
		}
		obj := make(map[string]any)
		v.ForEach(func(k, item lua.LValue) {
			obj[keyString(k)] = b.toGo(item, seen)
		})
		return obj
	default:
		return nil
	}
}

// sequenceLen returns n when t's keys are exactly 1..n, otherwise 0.
func sequenceLen(t *lua.LTable) int {
	n := t.MaxN()
	if n == 0 {
		return 0
	}
	keys := 0
	t.ForEach(func(lua.LValue, lua.LValue) { keys++ })
	if keys != n {
		return 0
	}
	return n
}

func keyString(k lua.LValue) string {
	if s, ok := k.(lua.LString); ok {
		return string(s)
	}
	return k.String()
}

// ToLua converts a payload into a script value. JSON-shaped values
// (nil, bool, numbers, string, []any, map[string]any) convert directly;
// anything else is normalized through encoding/json first, so json tags
// and custom marshalers decide what the script sees. Values that cannot
// be encoded become their fmt representation.
func (b *Bridge) ToLua(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return lua.LNumber(f)
		}
		return lua.LString(val)
	case []any:
		t := b.L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, b.ToLua(item))
		}
		return t
	case map[string]any:
		t := b.L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, b.ToLua(item))
		}
		return t
	default:
		normalized, err := normalize(v)
		if err != nil {
			return lua.LString(fmt.Sprint(v))
		}
		return b.ToLua(normalized)
	}
}

// normalize round-trips v through JSON, keeping numbers exact.
func normalize(v any) (any, error) {
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

// CallFunc calls fn with args converted by ToLua and returns its first
// result converted by ToGo. The stack is restored either way.
func (b *Bridge) CallFunc(fn *lua.LFunction, args ...any) (any, error) {
	top := b.L.GetTop()
	defer b.L.SetTop(top)

	b.L.Push(fn)
	for _, arg := range args {
		b.L.Push(b.ToLua(arg))
	}
	if err := b.L.PCall(len(args), 1, nil); err != nil {
		return nil, err
	}
	return b.ToGo(b.L.Get(-1)), nil
}
