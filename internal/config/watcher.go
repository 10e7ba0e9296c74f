package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is emitted when a watched controller file changes on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the config and plan files for edits while a run is live.
type Watcher struct {
	configPath string
	planPath   string
	logger     *slog.Logger
	events     chan ReloadEvent
}

func NewWatcher(configPath, planPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		configPath: configPath,
		planPath:   planPath,
		logger:     logger,
		events:     make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, file := range []string{w.configPath, w.planPath} {
		if file == "" {
			continue
		}
		_ = fsw.Add(file)
	}

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
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
				select {
				case w.events <- ReloadEvent{Path: filepath.Clean(ev.Name), Op: ev.Op}:
				default:
					// Slow consumer; drop rather than block the watch loop.
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
