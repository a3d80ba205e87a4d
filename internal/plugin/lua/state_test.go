package lua

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	st, err := NewState()
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDoString(t *testing.T) {
	st := newTestState(t)

	if err := st.DoString(`x = 1 + 2`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if got := st.GetGlobal("x"); got != lua.LNumber(3) {
		t.Errorf("x = %v, want 3", got)
	}
}

func TestCompileFileDoesNotExecute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry.lua")
	code := `
executed = true
function init(host) end
`
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		t.Fatal(err)
	}

	proto, err := CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile() error = %v", err)
	}

	st := newTestState(t)

	// Compiling alone must not run the module body.
	if st.HasFunction("init") {
		t.Error("init defined before RunProto")
	}
	if st.GetGlobal("executed") != lua.LNil {
		t.Error("module body executed at compile time")
	}

	if err := st.RunProto(proto); err != nil {
		t.Fatalf("RunProto() error = %v", err)
	}
	if !st.HasFunction("init") {
		t.Error("init not defined after RunProto")
	}
	if st.GetGlobal("executed") != lua.LTrue {
		t.Error("module body did not run after RunProto")
	}
}

func TestCompileFileSyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.lua")
	if err := os.WriteFile(path, []byte("function ("), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := CompileFile(path); err == nil {
		t.Error("CompileFile() with syntax error did not fail")
	}
}

func TestCall(t *testing.T) {
	st := newTestState(t)

	if err := st.DoString(`function double(n) return n * 2 end`); err != nil {
		t.Fatal(err)
	}

	results, err := st.Call("double", lua.LNumber(21))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(results) != 1 || results[0] != lua.LNumber(42) {
		t.Errorf("Call() = %v, want [42]", results)
	}
}

func TestCallMissingFunction(t *testing.T) {
	st := newTestState(t)

	_, err := st.Call("missing")
	if !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("Call() error = %v, want ErrFunctionNotFound", err)
	}
}

func TestHasFunction(t *testing.T) {
	st := newTestState(t)

	st.DoString(`function init() end`)
	st.DoString(`notfn = 42`)

	if !st.HasFunction("init") {
		t.Error("HasFunction(init) = false")
	}
	if st.HasFunction("missing") {
		t.Error("HasFunction(missing) = true")
	}
	if st.HasFunction("notfn") {
		t.Error("HasFunction(notfn) = true for non-function global")
	}
}

func TestClosedState(t *testing.T) {
	st := newTestState(t)
	st.Close()

	if err := st.DoString(`x = 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("DoString() after close error = %v", err)
	}
	if _, err := st.Call("anything"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Call() after close error = %v", err)
	}
	if st.HasFunction("anything") {
		t.Error("HasFunction() after close = true")
	}

	// Closing twice is fine.
	if err := st.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
