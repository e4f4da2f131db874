package lexicon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/signify/internal/bus"
	"github.com/rs/zerolog"
)

// Watcher re-syncs a Store when its directory changes
type Watcher struct {
	store    *Store
	debounce time.Duration
	eventBus *bus.EventBus
	logger   zerolog.Logger
}

// NewWatcher creates a watcher; debounce collapses bursts of file events
// into one Sync.
func NewWatcher(store *Store, debounce time.Duration, eventBus *bus.EventBus, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		store:    store,
		debounce: debounce,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "lexicon_watcher").Logger(),
	}
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.store.Dir()); err != nil {
		return err
	}
	w.logger.Info().Str("dir", w.store.Dir()).Msg("Watching lexicon")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Lexicon changed")
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	stats, err := w.store.Sync(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Lexicon reload failed")
		return
	}
	if w.eventBus == nil {
		return
	}
	w.eventBus.Publish(bus.NewEvent(bus.EventTypeLexiconReloaded, map[string]any{
		"added":     stats.Added,
		"updated":   stats.Updated,
		"removed":   stats.Removed,
		"unchanged": stats.Unchanged,
		"failed":    len(stats.Errors),
	}))
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	return filepath.Ext(name) == ".json" || name == ManifestFile
}
