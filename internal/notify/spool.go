package notify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/tvfleet/internal/metrics"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// spoolExt marks complete spool entries. Temp files created during the atomic
// write carry a random suffix after it and are therefore never picked up.
const spoolExt = ".json"

// Spool is the producer side of the file-based channel: one file per event in
// a directory shared with the consumer.
type Spool struct {
	dir string
	log zerolog.Logger
}

// NewSpool creates a spool writer for dir. The directory is created lazily.
func NewSpool(dir string, log zerolog.Logger) *Spool {
	return &Spool{
		dir: dir,
		log: log.With().Str("component", "spool").Str("dir", dir).Logger(),
	}
}

// Dir returns the spool directory.
func (s *Spool) Dir() string {
	return s.dir
}

// Publish writes e as a new spool entry. The entry becomes visible to the
// watcher in one rename, so it is never observed half-written.
func (s *Spool) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(e)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultError).Inc()
		return err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.log.Error().Err(err).Str("event", string(e.Type)).Msg("failed to create spool directory")
		metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultError).Inc()
		return fmt.Errorf("create spool directory: %w", err)
	}

	path := filepath.Join(s.dir, entryName(time.Now()))
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		s.log.Error().Err(err).
			Str("event", string(e.Type)).
			Str("target", e.Target()).
			Msg("failed to write notification")
		metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultError).Inc()
		return fmt.Errorf("write notification: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultOK).Inc()
	s.log.Debug().
		Str("event", string(e.Type)).
		Str("target", e.Target()).
		Str("file", filepath.Base(path)).
		Msg("notification enqueued")
	return nil
}

// entryName is unique across concurrent producers: nanosecond timestamp plus
// a random UUID.
func entryName(now time.Time) string {
	return fmt.Sprintf("%d-%s%s", now.UnixNano(), uuid.NewString(), spoolExt)
}

// isSpoolEntry reports whether name is a complete entry the watcher should
// consume. Dotfiles and temp artifacts are skipped.
func isSpoolEntry(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.HasSuffix(base, spoolExt)
}
