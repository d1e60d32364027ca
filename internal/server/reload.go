package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/runforge/internal/guardrail"
)

// Reloader watches the guardrail policy file and hot-swaps the policy on
// change. In-flight workflows pick up the new policy on their next
// authorization.
type Reloader struct {
	watcher  *fsnotify.Watcher
	enforcer *guardrail.Enforcer
	path     string
	logger   *slog.Logger
}

// NewReloader creates a file watcher for the policy path.
func NewReloader(enforcer *guardrail.Enforcer, path string, logger *slog.Logger) (*Reloader, error) {
	if path == "" {
		return nil, fmt.Errorf("no policy path to watch")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("policy path not watchable: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}

	return &Reloader{
		watcher:  watcher,
		enforcer: enforcer,
		path:     path,
		logger:   logger,
	}, nil
}

// Run watches for file changes and reloads the policy. Blocks until ctx is
// cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after the last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.enforcer.ReloadPolicy(r.path); err != nil {
						r.logger.Error("policy hot-reload failed", "path", r.path, "error", err)
					} else {
						r.logger.Info("policy reloaded", "path", r.path, "hash", r.enforcer.PolicyHash())
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Error("file watcher error", "error", err)
		}
	}
}
