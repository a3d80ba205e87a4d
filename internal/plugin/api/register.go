package api

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/hearthbot/hearth/internal/registry"
)

// registerFn builds the Lua registration function for one registry
// kind. The wrapped handler is recorded with the ownership tracker
// before control returns to the plugin, so a later disable can reverse
// it even if init fails halfway.
func (s *Surface) registerFn(kind registry.Kind, reg Registrar) lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		if id == "" {
			L.ArgError(1, "identifier must not be empty")
			return 0
		}

		if s.revoked.Load() {
			L.RaiseError("plugin %s is disabled", s.plugin)
			return 0
		}
		if reg == nil {
			L.RaiseError("no %s registry available", kind)
			return 0
		}

		handler, key, err := s.buildHandler(L, kind, id)
		if err != nil {
			L.ArgError(2, err.Error())
			return 0
		}

		h, err := reg.Register(id, handler)
		if err != nil {
			s.dropHandler(L, key)
			L.RaiseError("register %s %q: %v", kind, id, err)
			return 0
		}

		if s.ctx.Owner != nil {
			s.ctx.Owner.Record(s.plugin, h, reg)
		}

		s.logger.Debug("registered resource",
			"kind", string(kind),
			"id", id)
		return 0
	}
}

// buildHandler wraps the second Lua argument. Functions dispatch back
// into the plugin; pages additionally accept a static HTML string.
func (s *Surface) buildHandler(L *lua.LState, kind registry.Kind, id string) (registry.Handler, string, error) {
	switch v := L.Get(2).(type) {
	case *lua.LFunction:
		key := fmt.Sprintf("%s:%s:%d", kind, id, s.seq.Add(1))
		if handlers, ok := L.GetGlobal(s.handlersName).(*lua.LTable); ok {
			handlers.RawSetString(key, v)
		}
		return s.handlerFor(key), key, nil
	case lua.LString:
		if kind != registry.KindPage {
			return nil, "", fmt.Errorf("handler must be a function")
		}
		body := string(v)
		return func(context.Context, map[string]any) (any, error) {
			return body, nil
		}, "", nil
	default:
		return nil, "", fmt.Errorf("handler must be a function")
	}
}

// dropHandler removes a stored handler after a failed registration.
func (s *Surface) dropHandler(L *lua.LState, key string) {
	if key == "" {
		return
	}
	if handlers, ok := L.GetGlobal(s.handlersName).(*lua.LTable); ok {
		handlers.RawSetString(key, lua.LNil)
	}
}
