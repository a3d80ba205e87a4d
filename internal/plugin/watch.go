package plugin

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hearthbot/hearth/internal/logging"
)

// watchDebounce coalesces bursts of filesystem events into one rescan.
const watchDebounce = 500 * time.Millisecond

// Watcher rescans the plugins directory when it changes, so plugins
// dropped in or removed while the host is running are picked up without
// a restart.
type Watcher struct {
	manager *Manager
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// NewWatcher creates a watcher over the manager's plugins directory.
// The directory is created if it does not exist yet, so an empty host
// can still notice its first plugin.
func NewWatcher(m *Manager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root := m.loader.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		manager: m,
		watcher: fw,
		logger:  logging.Component(logger, "plugin-watcher"),
		done:    make(chan struct{}),
	}, nil
}

// Run processes filesystem events until the context is canceled or the
// watcher is closed. Events are debounced before triggering a Sync.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("plugins directory changed",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				pending = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.Any("error", err))

		case <-pending:
			timer = nil
			pending = nil
			if err := w.manager.Sync(ctx); err != nil {
				w.logger.Error("rescanning plugins", slog.Any("error", err))
			}
		}
	}
}

// relevant filters out events that cannot change the plugin set.
func relevant(event fsnotify.Event) bool {
	return event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0
}

// Close stops the watcher and waits for Run to return. Only valid
// after Run has been started.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
