package plugin

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/hearthbot/hearth/internal/plugin/api"
	plua "github.com/hearthbot/hearth/internal/plugin/lua"
)

// record is the manager's per-plugin bookkeeping. Field access is
// guarded by the manager's mutex; whole lifecycle transitions are
// additionally serialized by the per-plugin transition lock.
type record struct {
	manifest *Manifest
	state    State

	// proto is the compiled entry module. Compilation happens at load
	// time; the module body runs only when the plugin is enabled.
	proto *lua.FunctionProto

	// lstate and surface are live only while the plugin is enabled.
	lstate  *plua.State
	surface *api.Surface

	// lastErr holds the most recent lifecycle failure, for reporting.
	lastErr error
}

// Info is a point-in-time snapshot of one plugin.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	Dir         string `json:"dir"`
	State       string `json:"state"`
	Resources   int    `json:"resources"`
	Error       string `json:"error,omitempty"`
}

func (r *record) info(resources int) Info {
	info := Info{
		Name:        r.manifest.Name,
		Version:     r.manifest.Version,
		Author:      r.manifest.Author,
		Description: r.manifest.Description,
		Dir:         r.manifest.Dir(),
		State:       r.state.String(),
		Resources:   resources,
	}
	if r.lastErr != nil {
		info.Error = r.lastErr.Error()
	}
	return info
}

func (r *record) apiInfo(resources int) api.PluginInfo {
	return api.PluginInfo{
		Name:        r.manifest.Name,
		Version:     r.manifest.Version,
		Description: r.manifest.Description,
		State:       r.state.String(),
		Enabled:     r.state.IsEnabled(),
		Resources:   resources,
	}
}
