package lua

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestSandboxBlocksUnsafeGlobals(t *testing.T) {
	st := newTestState(t)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		if got := st.GetGlobal(name); got != lua.LNil {
			t.Errorf("global %s = %v, want nil", name, got)
		}
	}

	// io and os are never opened.
	if got := st.GetGlobal("io"); got != lua.LNil {
		t.Errorf("io = %v, want nil", got)
	}
	if got := st.GetGlobal("os"); got != lua.LNil {
		t.Errorf("os = %v, want nil", got)
	}
}

func TestSandboxSafeRequire(t *testing.T) {
	st := newTestState(t)

	if err := st.DoString(`local s = require("string"); rep = s.rep("ab", 2)`); err != nil {
		t.Fatalf("require(string) error = %v", err)
	}
	if got := st.GetGlobal("rep"); got != lua.LString("abab") {
		t.Errorf("rep = %v, want abab", got)
	}
}

func TestSandboxRejectsUnknownModule(t *testing.T) {
	st := newTestState(t)

	err := st.DoString(`require("socket")`)
	if err == nil {
		t.Fatal("require(socket) did not error")
	}
	if !strings.Contains(err.Error(), "not available") {
		t.Errorf("require error = %v", err)
	}
}

func TestSandboxSafeLibrariesWork(t *testing.T) {
	st := newTestState(t)

	code := `
result = string.upper("ok") .. tostring(math.max(1, 2)) .. table.concat({"a", "b"}, "-")
`
	if err := st.DoString(code); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if got := st.GetGlobal("result"); got != lua.LString("OK2a-b") {
		t.Errorf("result = %v", got)
	}
}
