package plugin

import (
	"errors"
	"fmt"
)

// Plugin system errors.
var (
	// ErrNotRegistered is returned for operations on an unknown plugin
	// name.
	ErrNotRegistered = errors.New("plugin not registered")

	// ErrDeleted is returned for operations on a deleted plugin.
	ErrDeleted = errors.New("plugin is deleted")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrNotLoaded is returned when the entry module has not been
	// resolved.
	ErrNotLoaded = errors.New("plugin entry module is not loaded")
)

// Manifest validation errors.
var (
	ErrMissingName  = errors.New("manifest: name is required")
	ErrInvalidName  = errors.New("manifest: name must be alphanumeric with hyphens")
	ErrMissingEntry = errors.New("manifest: entry is required")
	ErrInvalidEntry = errors.New("manifest: entry must be a relative .lua path inside the plugin directory")
	ErrInvalidVer   = errors.New("manifest: version must be valid semver")
)

// ManifestError wraps a validation failure for one plugin's manifest.
// It aborts discovery of that plugin only; other plugins keep loading.
type ManifestError struct {
	Path string // manifest file path, when known
	Err  error
}

func (e *ManifestError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}
