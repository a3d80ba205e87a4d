// Package registry provides the shared host registries that plugins
// contribute commands, routes, events, and pages to.
//
// All plugin-visible mutation goes through the ownership tracker in the
// plugin package; nothing in the host calls Register directly on behalf
// of a plugin. The registries themselves are deliberately dumb: they map
// identifiers to handlers and know nothing about plugins.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies the registry a handle belongs to.
type Kind string

// Registry kinds.
const (
	KindCommand Kind = "command"
	KindRoute   Kind = "route"
	KindEvent   Kind = "event"
	KindPage    Kind = "page"
)

// Handler is the uniform handler shape for all registries. Commands and
// events receive a payload map; routes and pages receive the request
// payload and return a body (string or map) for the HTTP dispatcher.
type Handler func(ctx context.Context, payload map[string]any) (any, error)

// Handle references a single registration. Unregistration goes by UID,
// never by identifier, so identical identifiers from different owners
// stay independent.
type Handle struct {
	Kind Kind
	ID   string
	UID  string
}

// Zero reports whether the handle is the zero value.
func (h Handle) Zero() bool {
	return h.UID == ""
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%s", h.Kind, h.ID)
}

// Unregisterer is the reversal half of a registry, kept separate so
// ownership tracking can hold the narrowest reference it needs.
type Unregisterer interface {
	Unregister(Handle) bool
}

// Registry is an identifier -> handler table supporting duplicate
// identifiers. The most recent registration for an identifier wins at
// resolve time; earlier ones become resolvable again when it is removed.
type Registry struct {
	kind Kind

	mu      sync.RWMutex
	entries map[string][]entry
}

type entry struct {
	uid     string
	handler Handler
}

// New creates an empty registry of the given kind.
func New(kind Kind) *Registry {
	return &Registry{
		kind:    kind,
		entries: make(map[string][]entry),
	}
}

// Kind returns the registry kind.
func (r *Registry) Kind() Kind {
	return r.kind
}

// Register adds a handler under the identifier and returns its handle.
func (r *Registry) Register(id string, h Handler) (Handle, error) {
	if id == "" {
		return Handle{}, fmt.Errorf("%s registry: empty identifier", r.kind)
	}
	if h == nil {
		return Handle{}, fmt.Errorf("%s registry: nil handler for %q", r.kind, id)
	}

	uid := uuid.NewString()

	r.mu.Lock()
	r.entries[id] = append(r.entries[id], entry{uid: uid, handler: h})
	r.mu.Unlock()

	return Handle{Kind: r.kind, ID: id, UID: uid}, nil
}

// Unregister removes the registration the handle refers to.
// Returns false if the handle is unknown (already removed is not an error).
func (r *Registry) Unregister(h Handle) bool {
	if h.Kind != r.kind {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.entries[h.ID]
	if !ok {
		return false
	}
	for i, e := range list {
		if e.uid == h.UID {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(r.entries, h.ID)
			} else {
				r.entries[h.ID] = list
			}
			return true
		}
	}
	return false
}

// Resolve returns the active handler for the identifier.
func (r *Registry) Resolve(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.entries[id]
	if !ok || len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1].handler, true
}

// ResolveAll returns every handler registered under the identifier,
// oldest first. Event dispatch fans out to all of them.
func (r *Registry) ResolveAll(id string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.entries[id]
	if len(list) == 0 {
		return nil
	}
	handlers := make([]Handler, len(list))
	for i, e := range list {
		handlers[i] = e.handler
	}
	return handlers
}

// Has reports whether any handler is registered under the identifier.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[id]) > 0
}

// IDs returns the identifiers with at least one registration.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registrations, counting duplicates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, list := range r.entries {
		n += len(list)
	}
	return n
}

// Dispatch invokes every handler for the identifier in registration
// order. The first handler error stops the fan-out and is returned.
func (r *Registry) Dispatch(ctx context.Context, id string, payload map[string]any) error {
	for _, h := range r.ResolveAll(id) {
		if _, err := h(ctx, payload); err != nil {
			return fmt.Errorf("%s %q: %w", r.kind, id, err)
		}
	}
	return nil
}
