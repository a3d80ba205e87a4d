package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/hearthbot/hearth/internal/logging"
	plua "github.com/hearthbot/hearth/internal/plugin/lua"
	"github.com/hearthbot/hearth/internal/registry"
)

// Surface is the capability surface handed to one plugin's lifecycle
// calls. Only the operations built here are reachable from plugin code;
// anything else of the host is unreachable by construction.
//
// A surface is revoked when its plugin leaves the enabled state. After
// revocation every capability fails, which also fences off goroutines
// abandoned by a timed-out lifecycle call.
type Surface struct {
	plugin string
	state  *plua.State
	ctx    *Context
	logger *slog.Logger

	// handlersName anchors plugin handler functions in a Lua global so
	// the GC cannot collect them while registrations are live.
	handlersName string

	revoked atomic.Bool
	seq     atomic.Int64
}

// NewSurface creates the capability surface for a plugin bound to its
// Lua state.
func NewSurface(pluginName string, st *plua.State, ctx *Context) *Surface {
	logger := ctx.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		plugin:       pluginName,
		state:        st,
		ctx:          ctx,
		logger:       logging.Plugin(logger, pluginName),
		handlersName: "_hearth_handlers_" + pluginName,
	}
}

// Plugin returns the owning plugin's name.
func (s *Surface) Plugin() string {
	return s.plugin
}

// Revoke cuts the plugin off from every capability. Idempotent.
func (s *Surface) Revoke() {
	s.revoked.Store(true)
}

// Revoked reports whether the surface has been revoked.
func (s *Surface) Revoked() bool {
	return s.revoked.Load()
}

// Build constructs the host handle table passed to init:
//
//	host.api.registerCommand(id, fn)
//	host.api.registerEvent(name, fn)
//	host.api.registerRoute(path, fn)
//	host.api.registerPage(path, fn | html)
//	host.api.getLogger([namespace]) -> { debug, info, warn, error }
//	host.api.enablePlugin(name)
//	host.api.disablePlugin(name)
//	host.api.getPlugins() -> { {name, version, state, enabled, ...}, ... }
func (s *Surface) Build() (lua.LValue, error) {
	var host *lua.LTable

	err := s.state.Do(func(L *lua.LState) error {
		L.SetGlobal(s.handlersName, L.NewTable())

		api := L.NewTable()
		L.SetField(api, "registerCommand", L.NewFunction(s.registerFn(registry.KindCommand, s.ctx.Commands)))
		L.SetField(api, "registerEvent", L.NewFunction(s.registerFn(registry.KindEvent, s.ctx.Events)))
		L.SetField(api, "registerRoute", L.NewFunction(s.registerFn(registry.KindRoute, s.ctx.Routes)))
		L.SetField(api, "registerPage", L.NewFunction(s.registerFn(registry.KindPage, s.ctx.Pages)))
		L.SetField(api, "getLogger", L.NewFunction(s.getLogger))
		L.SetField(api, "enablePlugin", L.NewFunction(s.enablePlugin))
		L.SetField(api, "disablePlugin", L.NewFunction(s.disablePlugin))
		L.SetField(api, "getPlugins", L.NewFunction(s.getPlugins))

		host = L.NewTable()
		L.SetField(host, "api", api)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("building capability surface for %s: %w", s.plugin, err)
	}
	return host, nil
}

// handlerFor returns the Go-side handler that dispatches into the Lua
// function stored under key. Dispatch serializes on the plugin's state.
func (s *Surface) handlerFor(key string) registry.Handler {
	return func(_ context.Context, payload map[string]any) (any, error) {
		if s.revoked.Load() {
			return nil, fmt.Errorf("plugin %s is disabled", s.plugin)
		}

		var out any
		err := s.state.Do(func(L *lua.LState) error {
			handlers, ok := L.GetGlobal(s.handlersName).(*lua.LTable)
			if !ok {
				return fmt.Errorf("plugin %s: handler table missing", s.plugin)
			}
			fn := handlers.RawGetString(key)
			if fn.Type() != lua.LTFunction {
				return fmt.Errorf("plugin %s: handler %s not found", s.plugin, key)
			}

			L.Push(fn)
			L.Push(plua.ToLuaValue(L, payload))
			if err := L.PCall(1, 1, nil); err != nil {
				return err
			}
			out = plua.ToGoValue(L.Get(-1))
			L.Pop(1)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
