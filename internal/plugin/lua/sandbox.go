package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// Sandbox restricts Lua execution to safe operations. Plugins get the
// base/table/string/math libraries and nothing that can reach the
// filesystem, the process environment, or arbitrary module loading.
// Runaway execution is bounded by the invoker's deadline, not here.
type Sandbox struct {
	L *lua.LState
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState) *Sandbox {
	return &Sandbox{L: L}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Remove loaders that could pull code from outside the plugin's
	// compiled entry module.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// installSafeRequire replaces require with a whitelist-based version
// and clears the package search paths so nothing loads from disk.
func (s *Sandbox) installSafeRequire() {
	pkg := s.L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		// Everything else is unreachable by construction. The host API
		// arrives as an argument to init, never through require.
		L.RaiseError("module %q is not available", modName)
		return 0 // unreachable
	}))
}
