package notify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/markus-barta/tvfleet/internal/metrics"
	"github.com/rs/zerolog"
)

// Watcher is the consumer side of the file-based channel. It reacts to new
// spool entries, hands each to the handler and deletes it afterwards.
type Watcher struct {
	dir     string
	handler Handler
	log     zerolog.Logger
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, handler Handler, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		handler: handler,
		log:     log.With().Str("component", "spool-watcher").Str("dir", dir).Logger(),
	}
}

// Serve watches the spool until ctx is cancelled. Entries already present
// when it starts (written while no consumer was running) are consumed first.
func (w *Watcher) Serve(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if n := w.Drain(ctx); n > 0 {
		w.log.Info().Int("count", n).Msg("consumed pending notifications")
	}
	w.log.Info().Msg("watching for notifications")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			// Atomic writes surface as Create (rename into the directory);
			// plain writers may only produce Write once content lands.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.process(ctx, event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// String names the service for the supervisor.
func (w *Watcher) String() string {
	return "spool-watcher"
}

// Drain makes one pass over the spool directory, consuming every eligible
// entry. It returns the number of entries consumed.
func (w *Watcher) Drain(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Error().Err(err).Msg("failed to list spool directory")
		}
		return 0
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isSpoolEntry(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// Names start with a timestamp; oldest first is a courtesy, not a guarantee.
	sort.Strings(names)

	consumed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, filepath.Join(w.dir, name)) {
			consumed++
		}
	}
	return consumed
}

// process reads, dispatches and removes one entry. The entry is removed even
// when it cannot be parsed or handled so that it is never reprocessed.
// Reports whether an entry was consumed.
func (w *Watcher) process(ctx context.Context, path string) bool {
	if !isSpoolEntry(path) {
		return false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Error().Err(err).Str("file", filepath.Base(path)).Msg("failed to read notification")
			w.remove(path)
		}
		// Already consumed: a Create and a Write event for the same entry.
		return false
	}
	if len(data) == 0 {
		// A plain (non-renaming) writer created the file but has not written
		// yet; its Write event brings us back.
		return false
	}
	defer w.remove(path)

	event, err := Decode(data)
	if err != nil {
		w.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("discarding malformed notification")
		metrics.NotificationsTotal.WithLabelValues("consumed", "invalid", metrics.ResultError).Inc()
		return true
	}

	if err := w.handler.HandleEvent(ctx, event); err != nil {
		w.log.Error().Err(err).
			Str("event", string(event.Type)).
			Str("target", event.Target()).
			Msg("failed to handle notification")
		metrics.NotificationsTotal.WithLabelValues("consumed", string(event.Type), metrics.ResultError).Inc()
		return true
	}

	metrics.NotificationsTotal.WithLabelValues("consumed", string(event.Type), metrics.ResultOK).Inc()
	w.log.Debug().
		Str("event", string(event.Type)).
		Str("target", event.Target()).
		Msg("notification handled")
	return true
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Error().Err(err).Str("file", filepath.Base(path)).Msg("failed to remove notification")
	}
}
