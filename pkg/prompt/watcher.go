package prompt

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/tavern/internal/observability"
	"github.com/rs/zerolog"
)

// Watcher reloads a Catalog from its directory whenever a template file changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	catalog  *Catalog
	dir      string
	logger   zerolog.Logger
	debounce time.Duration
	onReload func([]string, error)

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the default 500ms debounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(loaded []string, err error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher starts watching dir for .tmpl changes.
func NewWatcher(catalog *Catalog, dir string, logger zerolog.Logger, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		catalog:  catalog,
		dir:      dir,
		logger:   logger.With().Str("component", "prompt_watcher").Logger(),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.run()
	return w, nil
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), templateExt) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Template change detected")
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Template watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	loaded, err := w.catalog.LoadDir(w.dir)
	observability.RecordTemplateReload(err == nil)
	if err != nil {
		// The previous catalog stays active.
		w.logger.Error().Err(err).Msg("Template reload failed")
	} else {
		w.logger.Info().Strs("overrides", loaded).Msg("Templates reloaded")
	}
	if w.onReload != nil {
		w.onReload(loaded, err)
	}
}
