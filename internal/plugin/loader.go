package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Loader discovers plugins on disk. Each immediate subdirectory of the
// plugins root that contains a plugin.json is a plugin candidate.
// Discovery is purely structural: manifests are parsed and validated
// but no plugin code runs.
type Loader struct {
	root   string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at the given plugins directory.
func NewLoader(root string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{root: root, logger: logger}
}

// Root returns the plugins directory the loader scans.
func (l *Loader) Root() string {
	return l.root
}

// Discover scans the plugins directory and returns the manifests of all
// valid plugins, sorted by name. A malformed manifest rejects that
// plugin only; discovery of the remaining candidates continues. A
// missing plugins directory is not an error and yields no plugins.
func (l *Loader) Discover() ([]*Manifest, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plugins directory %s: %w", l.root, err)
	}

	var manifests []*Manifest
	seen := make(map[string]string)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(l.root, entry.Name())
		manifestPath := filepath.Join(dir, ManifestFile)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		m, err := LoadManifest(manifestPath)
		if err != nil {
			l.logger.Warn("skipping plugin with invalid manifest",
				slog.String("dir", dir),
				slog.Any("error", err))
			continue
		}

		if prev, dup := seen[m.Name]; dup {
			l.logger.Warn("skipping plugin with duplicate name",
				slog.String("name", m.Name),
				slog.String("dir", dir),
				slog.String("first", prev))
			continue
		}

		if _, err := os.Stat(m.EntryPath()); err != nil {
			l.logger.Warn("skipping plugin with missing entry module",
				slog.String("name", m.Name),
				slog.String("entry", m.EntryPath()))
			continue
		}

		seen[m.Name] = dir
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	return manifests, nil
}
