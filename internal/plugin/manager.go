package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hearthbot/hearth/internal/logging"
	"github.com/hearthbot/hearth/internal/plugin/api"
	plua "github.com/hearthbot/hearth/internal/plugin/lua"
	"github.com/hearthbot/hearth/internal/plugin/statestore"
	"github.com/hearthbot/hearth/internal/registry"
)

// Options configures a Manager.
type Options struct {
	PluginsDir string
	States     *statestore.Store

	Commands *registry.Registry
	Events   *registry.Registry
	Routes   *registry.Registry
	Pages    *registry.Registry

	InvokeTimeout time.Duration

	Logger *slog.Logger
}

// Manager owns the plugin lifecycle. It discovers plugins on disk,
// drives them through Discovered -> Loaded -> Enabled <-> Disabled ->
// Deleted, and keeps the persisted enabled/disabled flags in step with
// the in-memory state.
//
// A plugin failure never propagates beyond the transition that caused
// it; the host keeps running.
type Manager struct {
	loader  *Loader
	states  *statestore.Store
	tracker *Tracker
	invoker *plua.Invoker
	logger  *slog.Logger

	commands *registry.Registry
	events   *registry.Registry
	routes   *registry.Registry
	pages    *registry.Registry

	mu      sync.RWMutex
	plugins map[string]*record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a manager. The registries and state store are
// required; nil optionals fall back to defaults.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.Component(logger, "plugin-manager")

	return &Manager{
		loader:   NewLoader(opts.PluginsDir, logger),
		states:   opts.States,
		tracker:  NewTracker(logger),
		invoker:  plua.NewInvoker(opts.InvokeTimeout),
		logger:   logger,
		commands: opts.Commands,
		events:   opts.Events,
		routes:   opts.Routes,
		pages:    opts.Pages,
		plugins:  make(map[string]*record),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Tracker returns the resource ownership tracker.
func (m *Manager) Tracker() *Tracker {
	return m.tracker
}

// transitionLock returns the per-plugin mutex that serializes lifecycle
// transitions for one plugin without blocking the others.
func (m *Manager) transitionLock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}

// Sync reconciles the in-memory plugin set with the plugins directory.
// New plugins are discovered, loaded, and enabled or left disabled per
// their persisted flag (a plugin with no persisted entry starts
// enabled). Plugins whose directory disappeared are torn down. Sync is
// safe to call repeatedly; it is the entry point for both startup and
// filesystem-watch rescans.
func (m *Manager) Sync(ctx context.Context) error {
	manifests, err := m.loader.Discover()
	if err != nil {
		return err
	}

	onDisk := make(map[string]*Manifest, len(manifests))
	for _, man := range manifests {
		onDisk[man.Name] = man
	}

	// Tear down plugins that vanished from disk.
	m.mu.RLock()
	var gone []string
	for name, rec := range m.plugins {
		if rec.state == StateDeleted {
			continue
		}
		if _, ok := onDisk[name]; !ok {
			gone = append(gone, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range gone {
		m.logger.Info("plugin directory removed, tearing down", slog.String("plugin", name))
		lock := m.transitionLock(name)
		lock.Lock()
		// The persisted flag is left alone so a reinstalled copy comes
		// back in its previous state.
		if err := m.disableLocked(ctx, name, false); err != nil {
			m.logger.Warn("tearing down removed plugin",
				slog.String("plugin", name), slog.Any("error", err))
		}
		m.mu.Lock()
		delete(m.plugins, name)
		m.mu.Unlock()
		lock.Unlock()
	}

	// Register newcomers and enable them per their persisted flag.
	for _, man := range manifests {
		m.mu.RLock()
		_, known := m.plugins[man.Name]
		m.mu.RUnlock()
		if known {
			continue
		}

		if err := m.register(man); err != nil {
			m.logger.Warn("registering plugin",
				slog.String("plugin", man.Name), slog.Any("error", err))
			continue
		}

		enabled, err := m.states.Get(man.Name)
		if err != nil {
			m.logger.Warn("reading persisted state, defaulting to enabled",
				slog.String("plugin", man.Name), slog.Any("error", err))
			enabled = true
		}
		if !enabled {
			m.logger.Info("plugin disabled by persisted state", slog.String("plugin", man.Name))
			continue
		}

		if err := m.Enable(ctx, man.Name); err != nil {
			m.logger.Error("enabling plugin at sync",
				slog.String("plugin", man.Name), slog.Any("error", err))
		}
	}

	return nil
}

// register records a discovered plugin and compiles its entry module.
// Compilation loads the module without executing any of it.
func (m *Manager) register(man *Manifest) error {
	if man == nil {
		return ErrNilManifest
	}

	rec := &record{manifest: man, state: StateDiscovered}

	proto, err := plua.CompileFile(man.EntryPath())
	if err != nil {
		rec.lastErr = err
		m.mu.Lock()
		m.plugins[man.Name] = rec
		m.mu.Unlock()
		return fmt.Errorf("loading %s: %w", man.Name, err)
	}
	rec.proto = proto
	rec.state = StateLoaded

	m.mu.Lock()
	m.plugins[man.Name] = rec
	m.mu.Unlock()

	m.logger.Debug("plugin loaded",
		slog.String("plugin", man.Name),
		slog.String("version", man.Version))
	return nil
}

// Enable brings a plugin to the enabled state. Enabling an already
// enabled plugin is a no-op. The enabled flag is persisted before init
// runs; if init then fails, both the in-memory state and the persisted
// flag are rolled back to disabled and everything the plugin managed to
// register is released.
func (m *Manager) Enable(ctx context.Context, name string) error {
	lock := m.transitionLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.get(name)
	if err != nil {
		return err
	}
	if rec.state == StateEnabled {
		return nil
	}
	if rec.proto == nil {
		return fmt.Errorf("plugin %s: %w", name, ErrNotLoaded)
	}

	// Persist intent first so a crash mid-enable comes back enabled.
	m.persist(name, true)

	st, err := plua.NewState()
	if err != nil {
		m.rollbackEnable(name, rec, nil, nil, false)
		return m.fail(rec, fmt.Errorf("plugin %s: creating runtime: %w", name, err))
	}

	if err := m.invoker.RunProto(ctx, name, st, rec.proto); err != nil {
		timedOut := isTimeout(err)
		m.rollbackEnable(name, rec, st, nil, timedOut)
		return m.fail(rec, fmt.Errorf("enabling plugin: %w", err))
	}

	surface := api.NewSurface(name, st, &api.Context{
		Commands: m.commands,
		Events:   m.events,
		Routes:   m.routes,
		Pages:    m.pages,
		Owner:    m.tracker,
		Control:  m,
		Logger:   m.logger,
	})

	host, err := surface.Build()
	if err != nil {
		m.rollbackEnable(name, rec, st, surface, false)
		return m.fail(rec, err)
	}

	if _, err := m.invoker.Invoke(ctx, name, st, "init", host); err != nil {
		timedOut := isTimeout(err)
		m.rollbackEnable(name, rec, st, surface, timedOut)
		return m.fail(rec, fmt.Errorf("enabling plugin: %w", err))
	}

	m.mu.Lock()
	rec.lstate = st
	rec.surface = surface
	rec.state = StateEnabled
	rec.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("plugin enabled", slog.String("plugin", name))
	return nil
}

// rollbackEnable undoes a partially applied enable: capabilities are
// revoked, any registrations the plugin made are released, the runtime
// is torn down, and both states return to disabled. A timed-out runtime
// is abandoned rather than closed, because the stuck call may still
// hold its lock.
func (m *Manager) rollbackEnable(name string, rec *record, st *plua.State, surface *api.Surface, timedOut bool) {
	if surface != nil {
		surface.Revoke()
	}
	if n := m.tracker.ReleaseAll(name); n > 0 {
		m.logger.Debug("released resources from failed enable",
			slog.String("plugin", name), slog.Int("count", n))
	}
	if st != nil && !timedOut {
		_ = st.Close()
	}

	m.mu.Lock()
	rec.lstate = nil
	rec.surface = nil
	rec.state = StateDisabled
	m.mu.Unlock()

	m.persist(name, false)
}

// Disable brings a plugin to the disabled state. Disabling a plugin
// that is not enabled only persists the disabled flag. Resources are
// released before destroy runs, so a misbehaving destroy can no longer
// reach its own registrations. A destroy failure is logged and the
// disable completes.
func (m *Manager) Disable(ctx context.Context, name string) error {
	lock := m.transitionLock(name)
	lock.Lock()
	defer lock.Unlock()

	return m.disableLocked(ctx, name, true)
}

// disableLocked is Disable without taking the transition lock. When
// persist is false the on-disk flag is left alone, which is what
// shutdown wants: a plugin enabled at shutdown should come back enabled.
func (m *Manager) disableLocked(ctx context.Context, name string, persist bool) error {
	rec, err := m.get(name)
	if err != nil {
		return err
	}

	if rec.state != StateEnabled {
		if persist {
			m.persist(name, false)
		}
		if rec.state == StateLoaded || rec.state == StateDiscovered {
			m.mu.Lock()
			rec.state = StateDisabled
			m.mu.Unlock()
		}
		return nil
	}

	m.mu.RLock()
	st := rec.lstate
	surface := rec.surface
	m.mu.RUnlock()

	surface.Revoke()

	released := m.tracker.ReleaseAll(name)
	m.logger.Debug("released plugin resources",
		slog.String("plugin", name), slog.Int("count", released))

	timedOut := false
	if _, err := m.invoker.Invoke(ctx, name, st, "destroy"); err != nil {
		var serr *plua.SandboxError
		if errors.As(err, &serr) && serr.Tag == plua.TagNotFound {
			m.logger.Debug("plugin has no destroy", slog.String("plugin", name))
		} else {
			timedOut = isTimeout(err)
			m.logger.Warn("plugin destroy failed",
				slog.String("plugin", name), slog.Any("error", err))
		}
	}

	if !timedOut {
		_ = st.Close()
	}

	m.mu.Lock()
	rec.lstate = nil
	rec.surface = nil
	rec.state = StateDisabled
	m.mu.Unlock()

	if persist {
		m.persist(name, false)
	}

	m.logger.Info("plugin disabled", slog.String("plugin", name))
	return nil
}

// Delete force-disables a plugin, removes its directory from disk, and
// drops its persisted state entry. Deleted is terminal; the name stays
// reserved until the next host restart so late operations get a clear
// error instead of a not-registered one.
func (m *Manager) Delete(ctx context.Context, name string) error {
	lock := m.transitionLock(name)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.get(name)
	if err != nil {
		return err
	}

	if rec.state == StateEnabled {
		if err := m.disableLocked(ctx, name, false); err != nil {
			m.logger.Warn("force-disabling plugin for delete",
				slog.String("plugin", name), slog.Any("error", err))
		}
	}

	if dir := rec.manifest.Dir(); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("deleting plugin %s: %w", name, err)
		}
	}

	if err := m.states.Remove(name); err != nil {
		m.logger.Error("removing persisted state",
			slog.String("plugin", name), slog.Any("error", err))
	}

	m.mu.Lock()
	rec.state = StateDeleted
	rec.proto = nil
	m.mu.Unlock()

	m.logger.Info("plugin deleted", slog.String("plugin", name))
	return nil
}

// Close disables every enabled plugin without touching the persisted
// flags, so the enabled set survives a restart.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	var enabled []string
	for name, rec := range m.plugins {
		if rec.state == StateEnabled {
			enabled = append(enabled, name)
		}
	}
	m.mu.RUnlock()

	sort.Strings(enabled)
	for _, name := range enabled {
		lock := m.transitionLock(name)
		lock.Lock()
		if err := m.disableLocked(ctx, name, false); err != nil {
			m.logger.Warn("disabling plugin at shutdown",
				slog.String("plugin", name), slog.Any("error", err))
		}
		lock.Unlock()
	}
	return nil
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.plugins[name]
	if !ok {
		return Info{}, false
	}
	return rec.info(m.tracker.Count(name)), true
}

// List returns snapshots of all known plugins, sorted by name. Deleted
// plugins are excluded.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.plugins))
	for name, rec := range m.plugins {
		if rec.state == StateDeleted {
			continue
		}
		out = append(out, rec.info(m.tracker.Count(name)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnablePlugin implements api.Controller for plugin-initiated enables.
func (m *Manager) EnablePlugin(name string) error {
	return m.Enable(context.Background(), name)
}

// DisablePlugin implements api.Controller for plugin-initiated
// disables.
func (m *Manager) DisablePlugin(name string) error {
	return m.Disable(context.Background(), name)
}

// Plugins implements api.Controller.
func (m *Manager) Plugins() []api.PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]api.PluginInfo, 0, len(m.plugins))
	for name, rec := range m.plugins {
		if rec.state == StateDeleted {
			continue
		}
		out = append(out, rec.apiInfo(m.tracker.Count(name)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// get looks up a plugin record, rejecting unknown and deleted names.
func (m *Manager) get(name string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.plugins[name]
	if !ok {
		return nil, fmt.Errorf("plugin %s: %w", name, ErrNotRegistered)
	}
	if rec.state == StateDeleted {
		return nil, fmt.Errorf("plugin %s: %w", name, ErrDeleted)
	}
	return rec, nil
}

// persist writes the enabled flag. A store failure is logged and the
// in-memory transition completes anyway; the flags reconverge on the
// next successful write.
func (m *Manager) persist(name string, enabled bool) {
	if err := m.states.Set(name, enabled); err != nil {
		m.logger.Error("persisting plugin state",
			slog.String("plugin", name),
			slog.Bool("enabled", enabled),
			slog.Any("error", err))
	}
}

// fail records a lifecycle error on the plugin and returns it.
func (m *Manager) fail(rec *record, err error) error {
	m.mu.Lock()
	rec.lastErr = err
	m.mu.Unlock()
	return err
}

func isTimeout(err error) bool {
	var serr *plua.SandboxError
	return errors.As(err, &serr) && serr.Tag == plua.TagTimeout
}
