package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	plua "github.com/hearthbot/hearth/internal/plugin/lua"
	"github.com/hearthbot/hearth/internal/plugin/statestore"
	"github.com/hearthbot/hearth/internal/registry"
)

type testHost struct {
	manager  *Manager
	commands *registry.Registry
	events   *registry.Registry
	routes   *registry.Registry
	pages    *registry.Registry
	states   *statestore.Store
	root     string
}

func newTestHost(t *testing.T, root string) *testHost {
	t.Helper()
	return newTestHostTimeout(t, root, time.Second)
}

func newTestHostTimeout(t *testing.T, root string, timeout time.Duration) *testHost {
	t.Helper()

	h := &testHost{
		commands: registry.New(registry.KindCommand),
		events:   registry.New(registry.KindEvent),
		routes:   registry.New(registry.KindRoute),
		pages:    registry.New(registry.KindPage),
		states:   statestore.New(filepath.Join(root, "..", "config", "plugin-states.json")),
		root:     root,
	}
	h.manager = NewManager(Options{
		PluginsDir:    root,
		States:        h.states,
		Commands:      h.commands,
		Events:        h.events,
		Routes:        h.routes,
		Pages:         h.pages,
		InvokeTimeout: timeout,
	})
	t.Cleanup(func() { h.manager.Close(context.Background()) })
	return h
}

const registeringPlugin = `
function init(host)
	host.api.registerCommand("greet", function(payload)
		return "hello " .. (payload.who or "world")
	end)
	host.api.registerEvent("tick", function(payload) return nil end)
	host.api.registerPage("/hello", "<h1>hi</h1>")
end

function destroy()
end
`

func TestSyncEnablesDiscoveredPlugins(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "demo", registeringPlugin)

	h := newTestHost(t, root)
	if err := h.manager.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	info, ok := h.manager.Get("demo")
	if !ok {
		t.Fatal("plugin not registered after Sync")
	}
	if info.State != "enabled" {
		t.Errorf("state = %q, want enabled", info.State)
	}
	if info.Resources != 3 {
		t.Errorf("resources = %d, want 3", info.Resources)
	}
	if !h.commands.Has("greet") || !h.events.Has("tick") || !h.pages.Has("/hello") {
		t.Error("registrations missing after enable")
	}
}

func TestCommandDispatchesIntoPlugin(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "demo", registeringPlugin)

	h := newTestHost(t, root)
	h.manager.Sync(context.Background())

	handler, ok := h.commands.Resolve("greet")
	if !ok {
		t.Fatal("command not registered")
	}
	out, err := handler(context.Background(), map[string]any{"who": "tester"})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if out != "hello tester" {
		t.Errorf("handler = %v, want hello tester", out)
	}
}

func TestEnableIdempotent(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "demo", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	before := h.commands.Len()
	if err := h.manager.Enable(ctx, "demo"); err != nil {
		t.Fatalf("second Enable() error = %v", err)
	}
	if h.commands.Len() != before {
		t.Error("re-enable registered duplicate resources")
	}
}

func TestDisableReleasesResources(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "demo", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	if err := h.manager.Disable(ctx, "demo"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	if h.commands.Has("greet") || h.events.Has("tick") || h.pages.Has("/hello") {
		t.Error("resources survived disable")
	}
	info, _ := h.manager.Get("demo")
	if info.State != "disabled" {
		t.Errorf("state = %q, want disabled", info.State)
	}
	if enabled, _ := h.states.Get("demo"); enabled {
		t.Error("persisted flag still enabled after disable")
	}

	// Disabling again is a no-op.
	if err := h.manager.Disable(ctx, "demo"); err != nil {
		t.Errorf("second Disable() error = %v", err)
	}
}

func TestDisableThenReEnable(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "demo", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	h.manager.Disable(ctx, "demo")
	if err := h.manager.Enable(ctx, "demo"); err != nil {
		t.Fatalf("re-Enable() error = %v", err)
	}

	if !h.commands.Has("greet") {
		t.Error("command missing after re-enable")
	}
	if enabled, _ := h.states.Get("demo"); !enabled {
		t.Error("persisted flag not enabled after re-enable")
	}
}

func TestEnableUnknownPlugin(t *testing.T) {
	h := newTestHost(t, t.TempDir())
	err := h.manager.Enable(context.Background(), "ghost")
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Enable(ghost) error = %v, want ErrNotRegistered", err)
	}
}

func TestInitFailureRollsBack(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "half", `
function init(host)
	host.api.registerCommand("partial", function(payload) return 1 end)
	error("init exploded")
end
`)

	h := newTestHost(t, root)
	if err := h.manager.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	// The failed enable must not leave partial registrations behind.
	if h.commands.Has("partial") {
		t.Error("registration from failed init survived")
	}

	info, ok := h.manager.Get("half")
	if !ok {
		t.Fatal("plugin dropped after failed enable")
	}
	if info.State != "disabled" {
		t.Errorf("state = %q, want disabled", info.State)
	}
	if info.Error == "" {
		t.Error("lifecycle error not recorded")
	}
	if enabled, _ := h.states.Get("half"); enabled {
		t.Error("persisted flag still enabled after rollback")
	}

	var serr *plua.SandboxError
	err := h.manager.Enable(context.Background(), "half")
	if !errors.As(err, &serr) {
		t.Fatalf("Enable() error = %v, want *SandboxError", err)
	}
	if serr.Tag != plua.TagThrew {
		t.Errorf("Tag = %v, want TagThrew", serr.Tag)
	}
}

func TestInitMissingIsNotFound(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "empty", `-- no init here`)

	h := newTestHost(t, root)
	h.manager.Sync(context.Background())

	var serr *plua.SandboxError
	err := h.manager.Enable(context.Background(), "empty")
	if !errors.As(err, &serr) {
		t.Fatalf("Enable() error = %v, want *SandboxError", err)
	}
	if serr.Tag != plua.TagNotFound {
		t.Errorf("Tag = %v, want TagNotFound", serr.Tag)
	}
}

func TestInitTimeoutRollsBack(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "spinner", `
function init(host)
	host.api.registerCommand("before-spin", function(payload) return 1 end)
	while true do end
end
`)

	timeout := 200 * time.Millisecond
	h := newTestHostTimeout(t, root, timeout)

	start := time.Now()
	h.manager.Sync(context.Background())
	elapsed := time.Since(start)

	if elapsed > timeout+2*time.Second {
		t.Errorf("enable took %v, want bounded by timeout", elapsed)
	}

	if h.commands.Has("before-spin") {
		t.Error("registration from timed-out init survived")
	}
	info, _ := h.manager.Get("spinner")
	if info.State != "disabled" {
		t.Errorf("state = %q, want disabled", info.State)
	}

	// The host stays responsive for other plugins.
	createTestPluginDir(t, root, "healthy", registeringPlugin)
	if err := h.manager.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() after timeout error = %v", err)
	}
	if !h.commands.Has("greet") {
		t.Error("healthy plugin not enabled after another timed out")
	}
}

func TestEntryModuleTimeoutDoesNotBlockSync(t *testing.T) {
	root := t.TempDir()
	// Runaway top-level code; sorts before the healthy plugin so it is
	// enabled first during Sync.
	createTestPluginDir(t, root, "a-spin", `while true do end`)
	createTestPluginDir(t, root, "b-healthy", registeringPlugin)

	timeout := 200 * time.Millisecond
	h := newTestHostTimeout(t, root, timeout)

	start := time.Now()
	if err := h.manager.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed > timeout+2*time.Second {
		t.Errorf("Sync() took %v, want bounded by the invoke deadline", elapsed)
	}

	spin, _ := h.manager.Get("a-spin")
	if spin.State != "disabled" {
		t.Errorf("a-spin state = %q, want disabled", spin.State)
	}

	// The plugin behind it still comes up.
	healthy, _ := h.manager.Get("b-healthy")
	if healthy.State != "enabled" {
		t.Errorf("b-healthy state = %q, want enabled", healthy.State)
	}
	if !h.commands.Has("greet") {
		t.Error("healthy plugin's command missing after runaway module")
	}
}

func TestDestroyFailureLoggedOnly(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "grumpy", `
function init(host)
	host.api.registerCommand("cmd", function(payload) return 1 end)
end
function destroy()
	error("refusing to die")
end
`)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	// A throwing destroy must not block the disable.
	if err := h.manager.Disable(ctx, "grumpy"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	info, _ := h.manager.Get("grumpy")
	if info.State != "disabled" {
		t.Errorf("state = %q, want disabled", info.State)
	}
	if h.commands.Has("cmd") {
		t.Error("resources survived disable with failing destroy")
	}
}

func TestResourcesReleasedBeforeDestroy(t *testing.T) {
	root := t.TempDir()
	// destroy fires the plugin's own command; the registration must be
	// gone by then, so the call errors and the flag global stays unset.
	createTestPluginDir(t, root, "orderly", `
function init(host)
	host.api.registerCommand("self", function(payload)
		reached = true
		return 1
	end)
end
function destroy()
end
`)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	handler, ok := h.commands.Resolve("self")
	if !ok {
		t.Fatal("command not registered")
	}

	if err := h.manager.Disable(ctx, "orderly"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	// The handler captured before disable is fenced off by revocation.
	if _, err := handler(ctx, nil); err == nil {
		t.Error("handler still dispatches after disable")
	}
}

func TestDuplicateIdentifiersAcrossPlugins(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "plugin-a", `
function init(host)
	host.api.registerCommand("shared", function(payload) return "from-a" end)
end
`)
	createTestPluginDir(t, root, "plugin-b", `
function init(host)
	host.api.registerCommand("shared", function(payload) return "from-b" end)
end
`)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	if !h.commands.Has("shared") {
		t.Fatal("shared command not registered")
	}

	// Disabling one plugin leaves the other's registration intact.
	h.manager.Disable(ctx, "plugin-a")
	handler, ok := h.commands.Resolve("shared")
	if !ok {
		t.Fatal("shared command gone after disabling one owner")
	}
	if out, _ := handler(ctx, nil); out != "from-b" {
		t.Errorf("handler = %v, want from-b", out)
	}

	h.manager.Disable(ctx, "plugin-b")
	if h.commands.Has("shared") {
		t.Error("shared command survived both owners disabling")
	}
}

func TestDelete(t *testing.T) {
	root := t.TempDir()
	dir := createTestPluginDir(t, root, "doomed", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)
	h.states.Set("doomed", true)

	if err := h.manager.Delete(ctx, "doomed"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("plugin directory still on disk after delete")
	}
	if has, _ := h.states.Has("doomed"); has {
		t.Error("state entry survived delete")
	}
	if h.commands.Has("greet") {
		t.Error("resources survived delete")
	}

	// Deleted is terminal.
	if err := h.manager.Enable(ctx, "doomed"); !errors.Is(err, ErrDeleted) {
		t.Errorf("Enable() after delete error = %v, want ErrDeleted", err)
	}
	for _, info := range h.manager.List() {
		if info.Name == "doomed" {
			t.Error("deleted plugin still listed")
		}
	}
}

func TestPersistedDisabledStaysDisabled(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "sleeper", registeringPlugin)

	h := newTestHost(t, root)
	h.states.Set("sleeper", false)

	h.manager.Sync(context.Background())

	info, ok := h.manager.Get("sleeper")
	if !ok {
		t.Fatal("plugin not registered")
	}
	if info.State == "enabled" {
		t.Error("persisted-disabled plugin was enabled at Sync")
	}
	if h.commands.Has("greet") {
		t.Error("disabled plugin registered resources")
	}
}

func TestDurabilityAcrossRestart(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "keeper", registeringPlugin)
	createTestPluginDir(t, root, "dropper", registeringPlugin)

	ctx := context.Background()

	first := newTestHost(t, root)
	first.manager.Sync(ctx)
	first.manager.Disable(ctx, "dropper")
	first.manager.Close(ctx)

	// Same state file under the same root, fresh host.
	second := newTestHost(t, root)
	second.manager.Sync(ctx)

	keeper, _ := second.manager.Get("keeper")
	dropper, _ := second.manager.Get("dropper")
	if keeper.State != "enabled" {
		t.Errorf("keeper state = %q, want enabled after restart", keeper.State)
	}
	if dropper.State == "enabled" {
		t.Error("dropper re-enabled after restart despite persisted disable")
	}
}

func TestCloseDoesNotPersist(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "demo", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	if err := h.manager.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Shutdown tears the plugin down but leaves the flag enabled.
	if h.commands.Has("greet") {
		t.Error("resources survived Close")
	}
	if enabled, _ := h.states.Get("demo"); !enabled {
		t.Error("Close persisted a disabled flag")
	}
}

func TestSyncRemovesVanishedPlugin(t *testing.T) {
	root := t.TempDir()
	dir := createTestPluginDir(t, root, "fleeting", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Sync(ctx); err != nil {
		t.Fatalf("Sync() after removal error = %v", err)
	}

	if _, ok := h.manager.Get("fleeting"); ok {
		t.Error("vanished plugin still registered")
	}
	if h.commands.Has("greet") {
		t.Error("vanished plugin's resources survived")
	}
}

func TestPluginControlsAnotherPlugin(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "target", registeringPlugin)
	createTestPluginDir(t, root, "zzz-controller", `
function init(host)
	host.api.registerCommand("kill-target", function(payload)
		host.api.disablePlugin("target")
		return "done"
	end)
end
`)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	handler, ok := h.commands.Resolve("kill-target")
	if !ok {
		t.Fatal("controller command not registered")
	}
	if _, err := handler(ctx, nil); err != nil {
		t.Fatalf("kill-target error = %v", err)
	}

	info, _ := h.manager.Get("target")
	if info.State != "disabled" {
		t.Errorf("target state = %q, want disabled", info.State)
	}
	if h.commands.Has("greet") {
		t.Error("target's resources survived plugin-initiated disable")
	}
}

func TestPluginCannotChangeOwnState(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "selfish", `
function init(host)
	host.api.disablePlugin("selfish")
end
`)

	h := newTestHost(t, root)
	h.manager.Sync(context.Background())

	// The self-targeting call raises, so init fails and rolls back.
	info, _ := h.manager.Get("selfish")
	if info.State != "disabled" {
		t.Errorf("state = %q, want disabled after rejected self-disable", info.State)
	}
}

func TestGetPluginsFromLua(t *testing.T) {
	root := t.TempDir()
	createTestPluginDir(t, root, "a-lister", `
function init(host)
	host.api.registerCommand("census", function(payload)
		local plugins = host.api.getPlugins()
		return #plugins
	end)
end
`)
	createTestPluginDir(t, root, "b-other", registeringPlugin)

	h := newTestHost(t, root)
	ctx := context.Background()
	h.manager.Sync(ctx)

	handler, ok := h.commands.Resolve("census")
	if !ok {
		t.Fatal("census not registered")
	}
	out, err := handler(ctx, nil)
	if err != nil {
		t.Fatalf("census error = %v", err)
	}
	if out != int64(2) {
		t.Errorf("census = %v, want 2", out)
	}
}
