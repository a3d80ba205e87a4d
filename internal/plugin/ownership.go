package plugin

import (
	"log/slog"
	"sync"

	"github.com/hearthbot/hearth/internal/registry"
)

// ResourceHandle is the owner-facing view of a registered resource.
type ResourceHandle struct {
	Kind  registry.Kind `json:"kind"`
	ID    string        `json:"id"`
	Owner string        `json:"owner"`
}

// ownedResource pairs a registry handle with the registry that can
// release it.
type ownedResource struct {
	handle registry.Handle
	reg    registry.Unregisterer
}

// Tracker records which plugin owns each registered resource so that
// everything a plugin registered can be released in bulk when it is
// disabled. Two plugins may own resources with the same identifier;
// releasing one owner's resources never touches the other's.
type Tracker struct {
	mu     sync.Mutex
	owned  map[string][]ownedResource
	logger *slog.Logger
}

// NewTracker creates an empty ownership tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		owned:  make(map[string][]ownedResource),
		logger: logger,
	}
}

// Record tags a registered resource with its owning plugin. It
// implements api.Owner.
func (t *Tracker) Record(owner string, h registry.Handle, reg registry.Unregisterer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owned[owner] = append(t.owned[owner], ownedResource{handle: h, reg: reg})
}

// ReleaseAll unregisters every resource owned by the plugin and returns
// the number released. Releasing an owner with no resources is a no-op.
func (t *Tracker) ReleaseAll(owner string) int {
	t.mu.Lock()
	resources := t.owned[owner]
	delete(t.owned, owner)
	t.mu.Unlock()

	released := 0
	for _, r := range resources {
		if r.reg.Unregister(r.handle) {
			released++
		} else {
			t.logger.Debug("resource already gone at release",
				slog.String("owner", owner),
				slog.String("kind", string(r.handle.Kind)),
				slog.String("id", r.handle.ID))
		}
	}
	return released
}

// Owned returns the resources currently owned by the plugin.
func (t *Tracker) Owned(owner string) []ResourceHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	resources := t.owned[owner]
	out := make([]ResourceHandle, 0, len(resources))
	for _, r := range resources {
		out = append(out, ResourceHandle{
			Kind:  r.handle.Kind,
			ID:    r.handle.ID,
			Owner: owner,
		})
	}
	return out
}

// Count returns the number of resources owned by the plugin.
func (t *Tracker) Count(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owned[owner])
}
