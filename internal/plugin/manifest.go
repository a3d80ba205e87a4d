package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ManifestFile is the manifest filename inside each plugin directory.
const ManifestFile = "plugin.json"

// Manifest describes a plugin's metadata. It is parsed once at
// discovery time and immutable afterwards. Parsing is purely
// structural: no plugin code loads or runs during validation.
type Manifest struct {
	// Identity
	Name        string `json:"name"`    // unique identifier, required
	Entry       string `json:"entry"`   // relative path to the entry module, required
	Version     string `json:"version"` // semver, defaults to 0.0.0
	Author      string `json:"author"`
	Description string `json:"description"`

	// Compatibility is informational; the host logs a mismatch but
	// never refuses to load on it.
	Compatibility Compatibility `json:"compatibility"`

	// Permissions are declared but not enforced.
	Permissions []string `json:"permissions"`

	// Dependencies are declared plugin names, informational only.
	Dependencies []string `json:"dependencies"`

	// dir is the plugin directory the manifest was read from.
	dir string
}

// Compatibility declares the host version range a plugin targets.
type Compatibility struct {
	Core string `json:"core"`
}

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Err: fmt.Errorf("reading manifest: %w", err)}
	}
	m, err := ParseManifest(data)
	if err != nil {
		var merr *ManifestError
		if errors.As(err, &merr) {
			merr.Path = path
			return nil, merr
		}
		return nil, &ManifestError{Path: path, Err: err}
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// LoadManifestFromDir reads plugin.json from a plugin directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

// ParseManifest parses and validates raw manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Err: fmt.Errorf("parsing manifest: %w", err)}
	}

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, &ManifestError{Err: err}
	}
	return &m, nil
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if m.Compatibility.Core == "" {
		m.Compatibility.Core = "*"
	}
	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
}

// Validate checks that the manifest is structurally valid.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}

	if m.Entry == "" {
		return ErrMissingEntry
	}
	if filepath.IsAbs(m.Entry) ||
		strings.Contains(m.Entry, "..") ||
		filepath.Ext(m.Entry) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, m.Entry)
	}

	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVer, m.Version)
	}

	return nil
}

// Dir returns the plugin directory.
func (m *Manifest) Dir() string {
	return m.dir
}

// EntryPath returns the full path to the entry module.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.dir, m.Entry)
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Permissions != nil {
		clone.Permissions = append([]string{}, m.Permissions...)
	}
	if m.Dependencies != nil {
		clone.Dependencies = append([]string{}, m.Dependencies...)
	}
	return &clone
}
