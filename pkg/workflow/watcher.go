package workflow

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads workflow definitions when their files change on disk.
// Running sessions keep the definition they started with; the reloaded
// definitions only affect sessions started afterwards.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	logger   zerolog.Logger
	onReload func(map[string]*Definition)
	dir      string
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher creates a watcher over a definitions directory. onReload
// receives the full reloaded definition set after each change settles.
func NewWatcher(dir string, loader *Loader, logger zerolog.Logger, onReload func(map[string]*Definition)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		loader:   loader,
		logger:   logger,
		onReload: onReload,
		dir:      dir,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			switch strings.ToLower(filepath.Ext(event.Name)) {
			case ".json", ".yaml", ".yml":
			default:
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Definition change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Definition watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		defs, err := w.loader.LoadDir(w.dir)
		if err != nil {
			// An invalid file on disk must not take down the running set.
			w.logger.Error().Err(err).Msg("Definition reload failed, keeping previous set")
			return
		}
		w.logger.Info().Int("workflows", len(defs)).Msg("Definitions reloaded")
		w.onReload(defs)
	})
}
