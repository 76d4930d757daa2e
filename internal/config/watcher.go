// ABOUTME: Watches the config and binding files for changes via fsnotify
// ABOUTME: Emits freshly built snapshots; consumers swap them atomically

package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when the config file or the binding seed
// file changes on disk. A successful reload produces a new Snapshot on the
// Snapshots channel; a failed reload is logged and the previous snapshot
// stays in effect.
type Watcher struct {
	configPath string
	logger     *slog.Logger
	snapshots  chan *Snapshot
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(configPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		configPath: configPath,
		logger:     logger.With("component", "config-watcher"),
		snapshots:  make(chan *Snapshot, 1),
	}
}

// Snapshots returns the channel of successfully rebuilt snapshots.
func (w *Watcher) Snapshots() <-chan *Snapshot {
	return w.snapshots
}

// Start begins watching. It returns immediately; watching stops when ctx is
// canceled. The initial config must already have loaded successfully; Start
// only handles subsequent changes.
func (w *Watcher) Start(ctx context.Context, cfg *Config) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := []string{w.configPath}
	if cfg.Bindings.Path != "" {
		watched = append(watched, cfg.Bindings.Path)
	}
	for _, path := range watched {
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("cannot watch file", "path", path, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.snapshots)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

// reload re-reads the config file and rebuilds the snapshot. On any error
// the currently active snapshot is left untouched.
func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous snapshot", "error", err)
		return
	}
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		w.logger.Error("snapshot rebuild failed, keeping previous snapshot", "error", err)
		return
	}

	// Coalesce: only the latest snapshot matters to the consumer.
	select {
	case w.snapshots <- snap:
	default:
		select {
		case <-w.snapshots:
		default:
		}
		w.snapshots <- snap
	}
	w.logger.Info("configuration reloaded",
		"agents", len(snap.Agents),
		"bindings", len(snap.Bindings),
	)
}
