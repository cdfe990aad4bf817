package sandbox

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestToLuaScalars(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		in   any
		want lua.LValue
	}{
		{nil, lua.LNil},
		{true, lua.LTrue},
		{42, lua.LNumber(42)},
		{int64(7), lua.LNumber(7)},
		{3.5, lua.LNumber(3.5)},
		{"hello", lua.LString("hello")},
		{[]byte("raw"), lua.LString("raw")},
	}

	for _, tt := range tests {
		if got := ToLua(L, tt.in); got != tt.want {
			t.Errorf("ToLua(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestToLuaTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := ToLua(L, map[string]any{
		"name":  "ext",
		"count": 3,
		"tags":  []any{"a", "b"},
	})

	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatalf("ToLua(map) = %T, want *lua.LTable", v)
	}
	if got := tbl.RawGetString("name"); got != lua.LString("ext") {
		t.Errorf("name = %v", got)
	}
	if got := tbl.RawGetString("count"); got != lua.LNumber(3) {
		t.Errorf("count = %v", got)
	}

	tags, ok := tbl.RawGetString("tags").(*lua.LTable)
	if !ok || tags.Len() != 2 {
		t.Fatalf("tags = %v", tbl.RawGetString("tags"))
	}
	if got := tags.RawGetInt(1); got != lua.LString("a") {
		t.Errorf("tags[1] = %v", got)
	}
}

func TestToGoScalars(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LNil, nil},
		{lua.LTrue, true},
		{lua.LNumber(42), int64(42)},
		{lua.LNumber(2.5), 2.5},
		{lua.LString("hi"), "hi"},
	}

	for _, tt := range tests {
		if got := ToGo(tt.in); got != tt.want {
			t.Errorf("ToGo(%v) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
}

func TestToGoArray(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetInt(1, lua.LString("a"))
	tbl.RawSetInt(2, lua.LString("b"))
	tbl.RawSetInt(3, lua.LNumber(3))

	got := ToGo(tbl)
	want := []any{"a", "b", int64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ToGo(array) = %v, want %v", got, want)
	}
}

func TestToGoMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("key", lua.LString("value"))
	tbl.RawSetString("n", lua.LNumber(1))

	got, ok := ToGo(tbl).(map[string]any)
	if !ok {
		t.Fatalf("ToGo(map) = %T, want map[string]any", ToGo(tbl))
	}
	if got["key"] != "value" || got["n"] != int64(1) {
		t.Errorf("ToGo(map) = %v", got)
	}
}

func TestToGoSparseTableIsMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetInt(1, lua.LString("a"))
	tbl.RawSetInt(5, lua.LString("e"))

	if _, ok := ToGo(tbl).(map[string]any); !ok {
		t.Errorf("sparse table should convert to a map, got %T", ToGo(tbl))
	}
}

func TestToGoCircularReference(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)

	// Must terminate, not recurse forever.
	got, ok := ToGo(tbl).(map[string]any)
	if !ok {
		t.Fatalf("ToGo(circular) = %T", ToGo(tbl))
	}
	if got["self"] != nil {
		t.Errorf("circular reference should break to nil, got %v", got["self"])
	}
}

func TestRoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"str":  "value",
		"num":  int64(42),
		"bool": true,
		"list": []any{int64(1), int64(2)},
	}

	got := ToGo(ToLua(L, in))
	if !reflect.DeepEqual(got, in) {
		t.Errorf("round trip = %v, want %v", got, in)
	}
}

func TestFirstResult(t *testing.T) {
	if got := FirstResult(nil); got != nil {
		t.Errorf("FirstResult(nil) = %v", got)
	}
	if got := FirstResult([]lua.LValue{lua.LString("x"), lua.LNumber(2)}); got != "x" {
		t.Errorf("FirstResult() = %v, want x", got)
	}
}
