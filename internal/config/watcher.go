package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/hivestate/internal/bus"
)

// ReloadEvent is delivered on Events and published on the bus under
// bus.TopicConfigReloaded. Err is set when the changed file failed to load;
// Config then holds the defaults-plus-env result and should not be applied.
type ReloadEvent struct {
	Path   string
	Op     fsnotify.Op
	Config Config
	Err    error
}

type Watcher struct {
	homeDir string
	logger  *slog.Logger
	bus     *bus.Bus
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger, eventBus *bus.Bus) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		bus:     eventBus,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory for changes to config.yaml until ctx is
// done. Editors that replace the file are handled by watching the directory.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := ConfigPath(w.homeDir)

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := LoadHome(w.homeDir)
				reload := ReloadEvent{Path: ev.Name, Op: ev.Op, Config: cfg, Err: err}
				if err != nil {
					w.logger.Error("config reload failed", "path", ev.Name, "error", err)
				} else {
					w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String(), "fingerprint", cfg.Fingerprint())
				}
				select {
				case w.events <- reload:
				default:
				}
				if w.bus != nil {
					w.bus.Publish(bus.TopicConfigReloaded, reload)
				}
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
