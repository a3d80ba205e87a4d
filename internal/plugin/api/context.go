package api

import (
	"log/slog"

	"github.com/hearthbot/hearth/internal/registry"
)

// Registrar is the registration contract the host registries satisfy.
// Tests substitute fakes; plugin code never sees these directly.
type Registrar interface {
	Register(id string, h registry.Handler) (registry.Handle, error)
	Unregister(h registry.Handle) bool
}

// Owner records which plugin a registration belongs to. Every
// registration made through the capability surface is reported here so
// it can be reversed in bulk.
type Owner interface {
	Record(owner string, h registry.Handle, reg registry.Unregisterer)
}

// Controller is the slice of the lifecycle manager reachable from
// plugin code.
type Controller interface {
	EnablePlugin(name string) error
	DisablePlugin(name string) error
	Plugins() []PluginInfo
}

// PluginInfo describes one plugin as reported through getPlugins.
type PluginInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	Enabled     bool   `json:"enabled"`
	Resources   int    `json:"resources"`
}

// Context carries the host collaborators a capability surface is built
// over. All fields are injected; the surface holds no globals.
type Context struct {
	Commands Registrar
	Events   Registrar
	Routes   Registrar
	Pages    Registrar

	Owner   Owner
	Control Controller
	Logger  *slog.Logger
}
