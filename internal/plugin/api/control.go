package api

import (
	lua "github.com/yuin/gopher-lua"
)

// getLogger([namespace]) -> logger table
// Returns a namespaced logger. Every line carries the plugin name; an
// optional namespace argument adds a sub-scope.
func (s *Surface) getLogger(L *lua.LState) int {
	logger := s.logger
	if L.GetTop() >= 1 {
		if ns := L.CheckString(1); ns != "" {
			logger = logger.With("namespace", ns)
		}
	}

	emit := func(level func(string, ...any)) lua.LGFunction {
		return func(L *lua.LState) int {
			msg := L.CheckString(1)
			level(msg)
			return 0
		}
	}

	tbl := L.NewTable()
	L.SetField(tbl, "debug", L.NewFunction(emit(logger.Debug)))
	L.SetField(tbl, "info", L.NewFunction(emit(logger.Info)))
	L.SetField(tbl, "warn", L.NewFunction(emit(logger.Warn)))
	L.SetField(tbl, "error", L.NewFunction(emit(logger.Error)))
	L.Push(tbl)
	return 1
}

// enablePlugin(name)
func (s *Surface) enablePlugin(L *lua.LState) int {
	name := L.CheckString(1)
	if s.ctx.Control == nil {
		L.RaiseError("plugin control is not available")
		return 0
	}
	if name == s.plugin {
		// A lifecycle call cannot re-enter its own transition.
		L.RaiseError("plugin %s cannot change its own state", s.plugin)
		return 0
	}
	if err := s.ctx.Control.EnablePlugin(name); err != nil {
		L.RaiseError("enable %s: %v", name, err)
		return 0
	}
	return 0
}

// disablePlugin(name)
func (s *Surface) disablePlugin(L *lua.LState) int {
	name := L.CheckString(1)
	if s.ctx.Control == nil {
		L.RaiseError("plugin control is not available")
		return 0
	}
	if name == s.plugin {
		L.RaiseError("plugin %s cannot change its own state", s.plugin)
		return 0
	}
	if err := s.ctx.Control.DisablePlugin(name); err != nil {
		L.RaiseError("disable %s: %v", name, err)
		return 0
	}
	return 0
}

// getPlugins() -> { {name, version, description, state, enabled, resources}, ... }
func (s *Surface) getPlugins(L *lua.LState) int {
	result := L.NewTable()
	if s.ctx.Control == nil {
		L.Push(result)
		return 1
	}

	for i, info := range s.ctx.Control.Plugins() {
		tbl := L.NewTable()
		L.SetField(tbl, "name", lua.LString(info.Name))
		L.SetField(tbl, "version", lua.LString(info.Version))
		L.SetField(tbl, "description", lua.LString(info.Description))
		L.SetField(tbl, "state", lua.LString(info.State))
		L.SetField(tbl, "enabled", lua.LBool(info.Enabled))
		L.SetField(tbl, "resources", lua.LNumber(info.Resources))
		result.RawSetInt(i+1, tbl)
	}

	L.Push(result)
	return 1
}
