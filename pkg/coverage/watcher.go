package coverage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/registrar/pkg/observability"
)

// Watcher reloads an auditor's exemption file when it changes on disk. The
// parent directory is watched so editors that replace the file by rename are
// picked up.
type Watcher struct {
	auditor *Auditor
	path    string
	logger  *observability.Logger
	watcher *fsnotify.Watcher

	// OnReload, if set, receives the audit result after each successful reload
	OnReload func(*Result)
}

// NewWatcher starts watching path for auditor
func NewWatcher(auditor *Auditor, path string, logger *observability.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		auditor: auditor,
		path:    abs,
		logger:  logger.WithField("exemptions", abs),
		watcher: fw,
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Exemption watcher error")
		}
	}
}

func (w *Watcher) reload() {
	exemptions, err := LoadExemptions(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to reload exemptions, keeping previous set")
		return
	}
	w.auditor.SetExemptions(exemptions)

	res := w.auditor.Audit()
	w.logger.WithFields(map[string]interface{}{
		"entries":  exemptions.Len(),
		"failures": len(res.Failures),
		"warnings": len(res.Warnings),
	}).Info("Reloaded coverage exemptions")
	if w.OnReload != nil {
		w.OnReload(res)
	}
}

// Close stops the underlying watcher
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
